package rtc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/pubsub"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is one ICE+DTLS association with a client. It is created with
// gathered local parameters and completes its handshake in the background
// after Connect.
type Transport struct {
	id       string
	router   *Router
	api      *webrtc.API
	media    *webrtc.MediaEngine
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	iceParams  media.IceParameters
	candidates []media.IceCandidate
	dtlsParams media.DtlsParameters

	mu        sync.Mutex
	closed    bool
	connected bool
	mids      int
	producers map[string]*Producer
	consumers map[string]*Consumer

	ready     chan struct{}
	done      chan struct{}
	dtlsState pubsub.Topic[media.DtlsState]
}

func newTransport(ctx context.Context, r *Router, api *webrtc.API, me *webrtc.MediaEngine) (*Transport, error) {
	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.engine.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		api:       api,
		media:     me,
		gatherer:  gatherer,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	if err := t.setup(ctx, r.engine.cfg.GatherTimeout); err != nil {
		_ = gatherer.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) setup(ctx context.Context, timeout time.Duration) error {
	if err := gather(ctx, t.gatherer, timeout); err != nil {
		return err
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local candidates: %w", err)
	}
	for _, c := range candidates {
		t.candidates = append(t.candidates, toIceCandidate(c))
	}
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ice parameters: %w", err)
	}
	t.iceParams = toIceParameters(iceParams)
	t.iceParams.IceLite = t.router.engine.lite()

	t.ice = t.api.NewICETransport(t.gatherer)
	t.dtls, err = t.api.NewDTLSTransport(t.ice, nil)
	if err != nil {
		return fmt.Errorf("dtls transport: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}
	t.dtlsParams = toDtlsParameters(dtlsParams)

	t.dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		if st, ok := toDtlsState(s); ok {
			t.dtlsState.Publish(st)
		}
	})
	return nil
}

// gather waits for the end-of-candidates signal. A slow STUN server only
// costs its reflexive candidates: on timeout the host candidates are used.
func gather(ctx context.Context, g *webrtc.ICEGatherer, timeout time.Duration) error {
	complete := make(chan struct{})
	var once sync.Once
	g.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(complete) })
		}
	})
	if err := g.Gather(); err != nil {
		return fmt.Errorf("ice gather: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-complete:
	case <-timer.C:
		log.Warn().Str("module", "rtc").Dur("timeout", timeout).Msg("ice gathering incomplete")
	case <-ctx.Done():
		return fmt.Errorf("ice gather: %w", ctx.Err())
	}
	return nil
}

func (t *Transport) ID() string                           { return t.id }
func (t *Transport) IceParameters() media.IceParameters   { return t.iceParams }
func (t *Transport) IceCandidates() []media.IceCandidate  { return t.candidates }
func (t *Transport) DtlsParameters() media.DtlsParameters { return t.dtlsParams }

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) OnDtlsStateChange(fn func(media.DtlsState)) pubsub.Cancel {
	return t.dtlsState.Subscribe(fn)
}

func (t *Transport) logger() zerolog.Logger {
	return log.With().Str("module", "rtc").Str("transport", t.id).Logger()
}

// Connect validates the remote parameters and starts the handshake. It
// returns once the handshake is under way; DTLS state changes report the
// outcome.
func (t *Transport) Connect(ctx context.Context, params media.ConnectParams) error {
	if len(params.DtlsParameters.Fingerprints) == 0 {
		return media.ErrInvalidDtlsParams
	}
	if params.IceParameters == nil {
		return media.ErrMissingIceParams
	}
	remote := make([]webrtc.ICECandidate, 0, len(params.IceCandidates))
	for _, c := range params.IceCandidates {
		wc, err := fromIceCandidate(c)
		if err != nil {
			return fmt.Errorf("remote candidate %s: %w", c.Foundation, err)
		}
		remote = append(remote, wc)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return media.ErrClosed
	}
	if t.connected {
		t.mu.Unlock()
		return media.ErrAlreadyConnected
	}
	t.connected = true
	t.mu.Unlock()

	go t.handshake(fromIceParameters(*params.IceParameters), remote, fromDtlsParameters(params.DtlsParameters))
	return nil
}

func (t *Transport) handshake(iceParams webrtc.ICEParameters, candidates []webrtc.ICECandidate, dtlsParams webrtc.DTLSParameters) {
	logger := t.logger()
	if len(candidates) > 0 {
		if err := t.ice.SetRemoteCandidates(candidates); err != nil {
			logger.Warn().Err(err).Msg("remote candidates rejected")
		}
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, iceParams, &role); err != nil {
		t.fail(logger, "ice start", err)
		return
	}
	if err := t.dtls.Start(dtlsParams); err != nil {
		t.fail(logger, "dtls start", err)
		return
	}
	close(t.ready)
	logger.Info().Msg("transport connected")
}

func (t *Transport) fail(logger zerolog.Logger, stage string, err error) {
	if t.Closed() {
		logger.Debug().Err(err).Str("stage", stage).Msg("handshake aborted by close")
		return
	}
	logger.Warn().Err(err).Str("stage", stage).Msg("handshake failed")
	t.dtlsState.Publish(media.DtlsFailed)
}

// whenReady runs fn once the handshake completed, unless the transport
// closes first.
func (t *Transport) whenReady(fn func()) {
	go func() {
		select {
		case <-t.ready:
			fn()
		case <-t.done:
		}
	}()
}

func (t *Transport) nextMid() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	mid := strconv.Itoa(t.mids)
	t.mids++
	return mid
}

func (t *Transport) Produce(ctx context.Context, kind domain.Kind, params media.RtpParameters) (media.Producer, error) {
	if err := media.ValidateRtpParameters(kind, params); err != nil {
		return nil, err
	}
	codec, ok := media.MatchCodec(params, t.router.caps)
	if !ok {
		return nil, media.ErrIncompatibleCodecs
	}
	if len(params.Encodings) == 0 || params.Encodings[0].SSRC == 0 {
		return nil, fmt.Errorf("%w: encoding ssrc required", media.ErrInvalidRtpParams)
	}
	p, err := newProducer(t, kind, params, codec)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.stopReceiver()
		return nil, media.ErrClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	t.router.addProducer(p)
	t.whenReady(p.start)
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts media.ConsumeOptions) (media.Consumer, error) {
	p, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, media.ErrUnknownProducer
	}
	c, err := newConsumer(t, p, opts)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.stopSender()
		return nil, media.ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.addConsumer(c) || !t.router.relays.AddSubscriber(p.id, c.id, c.out) {
		c.Close()
		return nil, media.ErrUnknownProducer
	}
	t.whenReady(c.start)
	return c, nil
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
	delete(t.consumers, id)
}

// Close fires transport-close on every producer and consumer, closes them,
// then tears the DTLS and ICE layers down.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.producers = map[string]*Producer{}
	t.consumers = map[string]*Consumer{}
	t.mu.Unlock()
	close(t.done)

	t.dtlsState.Close()
	for _, c := range consumers {
		c.transportClose.Publish(struct{}{})
		c.Close()
	}
	for _, p := range producers {
		p.transportClose.Publish(struct{}{})
		p.Close()
	}

	logger := t.logger()
	if err := errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close()); err != nil {
		logger.Debug().Err(err).Msg("transport stop")
	}
	t.router.forgetTransport(t.id)
	logger.Info().Msg("transport closed")
}
