package client

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/dkeye/huddle/internal/pubsub"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Remote is one consumed producer of another peer.
type Remote struct {
	ProducerID string
	ConsumerID string
	Kind       domain.Kind
	// Paused mirrors the producer's pause state for presentation only.
	Paused bool

	track Track
}

// Negotiator consumes every producer the server announces. Announcements
// that arrive before the device is loaded wait in a FIFO queue; one drain
// goroutine works the queue so a failed consume never stops the rest.
type Negotiator struct {
	conn   Conn
	device Device
	loads  singleflight.Group

	mu      sync.Mutex
	loaded  bool
	queue   []string
	remotes map[string]*Remote
	recv    *protocol.TransportInfo

	// inflight is the producer being consumed; gone marks it closed
	// while its consume was still under way.
	inflight string
	gone     map[string]bool

	// recvConnected is set once transport-recv-connect succeeded.
	recvConnected bool

	wake    chan struct{}
	subs    []pubsub.Cancel
	changes pubsub.Topic[[]Remote]
}

func NewNegotiator(conn Conn, device Device) *Negotiator {
	n := &Negotiator{
		conn:    conn,
		device:  device,
		remotes: make(map[string]*Remote),
		gone:    make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
	n.subs = []pubsub.Cancel{
		conn.OnEvent(protocol.EventExistingProducers, n.onExisting),
		conn.OnEvent(protocol.EventNewProducer, n.onNew),
		conn.OnEvent(protocol.EventProducerClosed, n.onClosed),
		conn.OnEvent(protocol.EventProducerPause, func(e Event) { n.onPause(e, true) }),
		conn.OnEvent(protocol.EventProducerResumed, func(e Event) { n.onPause(e, false) }),
	}
	return n
}

// Join enters a room and loads the device. Producers already in the room
// arrive through the existing-producers event.
func (n *Negotiator) Join(ctx context.Context, room domain.RoomID) (protocol.JoinRoomResponse, error) {
	resp, err := Call[protocol.JoinRoomResponse](ctx, n.conn, protocol.JoinRoom, protocol.JoinRoomRequest{RoomID: string(room)})
	if err != nil {
		return resp, err
	}
	if err := n.Load(ctx); err != nil {
		return resp, err
	}
	return resp, nil
}

// Load fetches the router capabilities and loads the device. Concurrent
// calls share one attempt that a single caller's cancellation does not
// abort; a loaded device is never reloaded.
func (n *Negotiator) Load(ctx context.Context) error {
	if n.isLoaded() {
		return nil
	}
	flight := context.WithoutCancel(ctx)
	ch := n.loads.DoChan("load", func() (any, error) {
		if n.isLoaded() {
			return nil, nil
		}
		caps, err := Call[media.RtpCapabilities](flight, n.conn, protocol.GetRtpCapabilities, protocol.Empty{})
		if err != nil {
			return nil, fmt.Errorf("router capabilities: %w", err)
		}
		if err := n.device.Load(caps); err != nil {
			return nil, fmt.Errorf("device load: %w", err)
		}
		n.mu.Lock()
		n.loaded = true
		n.mu.Unlock()
		n.signal()
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Negotiator) isLoaded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loaded
}

func (n *Negotiator) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Negotiator) enqueue(ids ...string) {
	n.mu.Lock()
	for _, id := range ids {
		delete(n.gone, id)
	}
	n.queue = append(n.queue, ids...)
	n.mu.Unlock()
	n.signal()
}

func (n *Negotiator) onExisting(e Event) {
	list, err := protocol.Decode[[]protocol.ProducerInfo](e.Data)
	if err != nil {
		log.Warn().Err(err).Str("module", "client").Msg("bad existing-producers payload")
		return
	}
	ids := make([]string, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ProducerID)
	}
	n.enqueue(ids...)
}

func (n *Negotiator) onNew(e Event) {
	p, err := protocol.Decode[protocol.ProducerInfo](e.Data)
	if err != nil || p.ProducerID == "" {
		log.Warn().Err(err).Str("module", "client").Msg("bad new-producer payload")
		return
	}
	n.enqueue(p.ProducerID)
}

func (n *Negotiator) producerID(e Event) (string, bool) {
	p, err := protocol.Decode[protocol.ProducerEvent](e.Data)
	if err != nil || p.ProducerID == "" {
		log.Warn().Err(err).Str("module", "client").Str("type", string(e.Type)).Msg("bad producer event payload")
		return "", false
	}
	return p.ProducerID, true
}

func (n *Negotiator) onClosed(e Event) {
	id, ok := n.producerID(e)
	if !ok {
		return
	}
	n.mu.Lock()
	r, ok := n.remotes[id]
	delete(n.remotes, id)
	n.queue = slices.DeleteFunc(n.queue, func(q string) bool { return q == id })
	if n.inflight == id {
		n.gone[id] = true
	}
	n.mu.Unlock()
	if ok {
		n.release(r)
		n.publish()
	}
}

func (n *Negotiator) onPause(e Event, paused bool) {
	id, ok := n.producerID(e)
	if !ok {
		return
	}
	n.mu.Lock()
	r, ok := n.remotes[id]
	if ok {
		r.Paused = paused
	}
	n.mu.Unlock()
	if ok {
		n.publish()
	}
}

func (n *Negotiator) release(r *Remote) {
	if err := r.track.Close(); err != nil {
		log.Debug().Err(err).Str("module", "client").Str("producer", r.ProducerID).Msg("track close")
	}
}

// Run drains the queue until ctx ends. Draining waits for the device; the
// first announcement triggers the load if Join has not.
func (n *Negotiator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.wake:
		}
		if err := n.Load(ctx); err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("device not ready, queue kept")
			continue
		}
		n.drain(ctx)
	}
}

func (n *Negotiator) pop() (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for len(n.queue) > 0 {
		id := n.queue[0]
		n.queue = n.queue[1:]
		if _, dup := n.remotes[id]; !dup {
			n.inflight = id
			return id, true
		}
	}
	return "", false
}

func (n *Negotiator) drain(ctx context.Context) {
	for ctx.Err() == nil {
		id, ok := n.pop()
		if !ok {
			return
		}
		if err := n.consume(ctx, id); err != nil {
			log.Warn().Err(err).Str("module", "client").Str("producer", id).Msg("consume failed")
		}
		n.mu.Lock()
		n.inflight = ""
		delete(n.gone, id)
		n.mu.Unlock()
	}
}

// recvTransport creates the receive transport once and reuses it. A failed
// connect is retried on the same transport.
func (n *Negotiator) recvTransport(ctx context.Context) error {
	n.mu.Lock()
	info, connected := n.recv, n.recvConnected
	n.mu.Unlock()
	if connected {
		return nil
	}
	if info == nil {
		created, err := Call[protocol.TransportInfo](ctx, n.conn, protocol.CreateWebRtcTransport, protocol.CreateTransportRequest{Sender: false})
		if err != nil {
			return fmt.Errorf("create recv transport: %w", err)
		}
		info = &created
		n.mu.Lock()
		n.recv = info
		n.mu.Unlock()
	}
	params, err := n.device.CreateRecvTransport(*info)
	if err != nil {
		return err
	}
	if _, err := Call[protocol.Empty](ctx, n.conn, protocol.TransportRecvConnect, params); err != nil {
		return fmt.Errorf("connect recv transport: %w", err)
	}
	n.mu.Lock()
	n.recvConnected = true
	n.mu.Unlock()
	return nil
}

func (n *Negotiator) consume(ctx context.Context, producerID string) error {
	if err := n.recvTransport(ctx); err != nil {
		return err
	}
	resp, err := Call[protocol.ConsumeResponse](ctx, n.conn, protocol.Consume, protocol.ConsumeRequest{
		RtpCapabilities: n.device.RtpCapabilities(),
		ProducerID:      producerID,
	})
	if err != nil {
		return err
	}
	track, err := n.device.Consume(resp)
	if err != nil {
		return err
	}
	r := &Remote{ProducerID: producerID, ConsumerID: resp.ID, Kind: resp.Kind, track: track}

	n.mu.Lock()
	closed := n.gone[producerID]
	if !closed {
		n.remotes[producerID] = r
	}
	n.mu.Unlock()
	if closed {
		n.release(r)
		return nil
	}
	n.publish()

	if _, err := Call[protocol.Empty](ctx, n.conn, protocol.ConsumerResume, protocol.ConsumerResumeRequest{ConsumerID: resp.ID}); err != nil {
		return fmt.Errorf("resume consumer %s: %w", resp.ID, err)
	}
	log.Info().Str("module", "client").Str("producer", producerID).Str("kind", string(resp.Kind)).Msg("consuming")
	return nil
}

// Remotes returns the consumed producers ordered by producer id.
func (n *Negotiator) Remotes() []Remote {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Remote, 0, len(n.remotes))
	for _, r := range n.remotes {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Remote) int { return strings.Compare(a.ProducerID, b.ProducerID) })
	return out
}

// OnChange subscribes to the remote set after every change.
func (n *Negotiator) OnChange(fn func([]Remote)) pubsub.Cancel {
	return n.changes.Subscribe(fn)
}

func (n *Negotiator) publish() {
	n.changes.Publish(n.Remotes())
}

// Close drops event subscriptions and releases every remote.
func (n *Negotiator) Close() {
	for _, cancel := range n.subs {
		cancel()
	}
	n.mu.Lock()
	remotes := n.remotes
	n.remotes = make(map[string]*Remote)
	n.queue = nil
	n.mu.Unlock()
	for _, r := range remotes {
		n.release(r)
	}
	n.changes.Close()
}
