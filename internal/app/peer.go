package app

import (
	"maps"
	"slices"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/pubsub"
)

// Peer is the session of one connection inside its room. It owns at most one
// sender and one receiver transport plus the producers and consumers created
// on them.
type Peer struct {
	id   domain.PeerID
	conn core.SignalConnection
	room *Room

	mu        sync.Mutex
	send      media.Transport
	recv      media.Transport
	producers map[string]media.Producer
	consumers map[string]media.Consumer
	subs      map[string][]pubsub.Cancel
}

func newPeer(id domain.PeerID, conn core.SignalConnection, room *Room) *Peer {
	return &Peer{
		id:        id,
		conn:      conn,
		room:      room,
		producers: make(map[string]media.Producer),
		consumers: make(map[string]media.Consumer),
		subs:      make(map[string][]pubsub.Cancel),
	}
}

func (p *Peer) ID() domain.PeerID           { return p.id }
func (p *Peer) Conn() core.SignalConnection { return p.conn }
func (p *Peer) Room() *Room                 { return p.room }

// Transport returns the sender or receiver slot. A slot holding a closed
// transport counts as empty.
func (p *Peer) Transport(sender bool) (media.Transport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.recv
	if sender {
		t = p.send
	}
	if t == nil || t.Closed() {
		return nil, false
	}
	return t, true
}

// SetTransport fills a slot that is empty or holds a closed transport.
func (p *Peer) SetTransport(sender bool, t media.Transport) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := &p.recv
	if sender {
		slot = &p.send
	}
	if *slot != nil && !(*slot).Closed() {
		return false
	}
	*slot = t
	return true
}

func (p *Peer) Producer(id string) (media.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prod, ok := p.producers[id]
	return prod, ok
}

func (p *Peer) ProducerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.producers))
}

func (p *Peer) Consumer(id string) (media.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	return c, ok
}

func (p *Peer) ConsumerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers)
}

func (p *Peer) AddConsumer(c media.Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.ID()] = c
}

// RemoveConsumer drops a consumer and cancels its observers. It does not
// close the consumer.
func (p *Peer) RemoveConsumer(id string) (media.Consumer, bool) {
	p.mu.Lock()
	c, ok := p.consumers[id]
	delete(p.consumers, id)
	subs := p.takeSubsLocked(id)
	p.mu.Unlock()
	release(subs)
	return c, ok
}

// Track ties observer subscriptions to the lifetime of the entity id.
func (p *Peer) Track(id string, cancels ...pubsub.Cancel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[id] = append(p.subs[id], cancels...)
}

// Release cancels the subscriptions tracked under id.
func (p *Peer) Release(id string) {
	p.mu.Lock()
	subs := p.takeSubsLocked(id)
	p.mu.Unlock()
	release(subs)
}

// Teardown empties the consumer map and both transport slots and cancels
// every tracked subscription. Producers are left to the room.
func (p *Peer) Teardown() ([]media.Consumer, []media.Transport) {
	p.mu.Lock()
	consumers := slices.Collect(maps.Values(p.consumers))
	clear(p.consumers)
	var transports []media.Transport
	for _, t := range []media.Transport{p.send, p.recv} {
		if t != nil {
			transports = append(transports, t)
		}
	}
	p.send, p.recv = nil, nil
	subs := p.subs
	p.subs = make(map[string][]pubsub.Cancel)
	p.mu.Unlock()

	for _, s := range subs {
		release(s)
	}
	return consumers, transports
}

func (p *Peer) takeSubsLocked(id string) []pubsub.Cancel {
	subs := p.subs[id]
	delete(p.subs, id)
	return subs
}

func release(subs []pubsub.Cancel) {
	for _, cancel := range subs {
		cancel()
	}
}
