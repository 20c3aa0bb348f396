// Package memengine is a Media Engine that keeps all state in memory and
// moves no packets. It backs the "memory" engine mode and the tests.
package memengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/pubsub"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Engine struct {
	routers   atomic.Int64
	ssrc      atomic.Uint32
	routerErr atomic.Pointer[error]
}

func New() *Engine {
	e := &Engine{}
	e.ssrc.Store(10000)
	return e
}

// FailRouters makes CreateRouter return err until it is called with nil.
func (e *Engine) FailRouters(err error) {
	if err == nil {
		e.routerErr.Store(nil)
		return
	}
	e.routerErr.Store(&err)
}

// RoutersCreated counts successful CreateRouter calls.
func (e *Engine) RoutersCreated() int { return int(e.routers.Load()) }

func (e *Engine) CreateRouter(ctx context.Context, codecs []media.RtpCodecCapability) (media.Router, error) {
	if errp := e.routerErr.Load(); errp != nil {
		return nil, *errp
	}
	caps, err := media.RouterCapabilities(codecs)
	if err != nil {
		return nil, err
	}
	e.routers.Add(1)
	r := &Router{
		id:         uuid.NewString(),
		engine:     e,
		caps:       caps,
		producers:  make(map[string]*Producer),
		transports: make(map[string]*Transport),
	}
	log.Debug().Str("module", "memengine").Str("router", r.id).Msg("router created")
	return r, nil
}

type Router struct {
	id     string
	engine *Engine
	caps   media.RtpCapabilities

	mu         sync.RWMutex
	closed     bool
	producers  map[string]*Producer
	transports map[string]*Transport
}

func (r *Router) ID() string                             { return r.id }
func (r *Router) RtpCapabilities() media.RtpCapabilities { return r.caps }

func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) CanConsume(producerID string, caps media.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	_, ok = media.MatchCodec(p.params, caps)
	return ok
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts media.TransportOptions) (media.Transport, error) {
	if !opts.EnableUDP && !opts.EnableTCP {
		return nil, media.ErrNoTransportProtocol
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, media.ErrClosed
	}
	ip := opts.AnnouncedIP
	if ip == "" {
		ip = opts.ListenIP
	}
	t := &Transport{
		id:        uuid.NewString(),
		router:    r,
		state:     media.DtlsNew,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		ice: media.IceParameters{
			UsernameFragment: uuid.NewString()[:8],
			Password:         uuid.NewString(),
			IceLite:          true,
		},
		dtls: media.DtlsParameters{
			Role:         "auto",
			Fingerprints: []media.DtlsFingerprint{{Algorithm: "sha-256", Value: fingerprint()}},
		},
	}
	if opts.EnableUDP {
		t.candidates = append(t.candidates, media.IceCandidate{
			Foundation: "udpcandidate", Priority: 1076302079, IP: ip, Protocol: "udp", Port: 40000, Type: "host",
		})
	}
	if opts.EnableTCP {
		t.candidates = append(t.candidates, media.IceCandidate{
			Foundation: "tcpcandidate", Priority: 1076276479, IP: ip, Protocol: "tcp", Port: 40001, Type: "host", TCPType: "passive",
		})
	}
	r.transports[t.id] = t
	return t, nil
}

// Close closes every transport of the router.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = map[string]*Transport{}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	log.Debug().Str("module", "memengine").Str("router", r.id).Msg("router closed")
}

func fingerprint() string {
	raw := uuid.New()
	out := make([]byte, 0, len(raw)*3)
	for i, b := range raw {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, fmt.Sprintf("%02X", b)...)
	}
	return string(out)
}

type Transport struct {
	id         string
	router     *Router
	ice        media.IceParameters
	candidates []media.IceCandidate
	dtls       media.DtlsParameters

	mu        sync.Mutex
	state     media.DtlsState
	remote    *media.ConnectParams
	closed    bool
	producers map[string]*Producer
	consumers map[string]*Consumer

	dtlsState pubsub.Topic[media.DtlsState]
}

func (t *Transport) ID() string                           { return t.id }
func (t *Transport) IceParameters() media.IceParameters   { return t.ice }
func (t *Transport) IceCandidates() []media.IceCandidate  { return t.candidates }
func (t *Transport) DtlsParameters() media.DtlsParameters { return t.dtls }

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// DtlsState reports the simulated handshake state.
func (t *Transport) DtlsState() media.DtlsState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RemoteParams returns what Connect received, nil before Connect.
func (t *Transport) RemoteParams() *media.ConnectParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *Transport) Connect(ctx context.Context, params media.ConnectParams) error {
	if len(params.DtlsParameters.Fingerprints) == 0 {
		return media.ErrInvalidDtlsParams
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return media.ErrClosed
	}
	if t.remote != nil {
		t.mu.Unlock()
		return media.ErrAlreadyConnected
	}
	t.remote = &params
	t.mu.Unlock()

	t.SetDtlsState(media.DtlsConnecting)
	t.SetDtlsState(media.DtlsConnected)
	return nil
}

// SetDtlsState moves the simulated handshake and notifies observers. It lets
// callers emulate a remote side tearing the secure channel down.
func (t *Transport) SetDtlsState(s media.DtlsState) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.dtlsState.Publish(s)
}

func (t *Transport) OnDtlsStateChange(fn func(media.DtlsState)) pubsub.Cancel {
	return t.dtlsState.Subscribe(fn)
}

func (t *Transport) Produce(ctx context.Context, kind domain.Kind, params media.RtpParameters) (media.Producer, error) {
	if err := media.ValidateRtpParameters(kind, params); err != nil {
		return nil, err
	}
	if _, ok := media.MatchCodec(params, t.router.caps); !ok {
		return nil, media.ErrIncompatibleCodecs
	}
	p := &Producer{
		id:        uuid.NewString(),
		kind:      kind,
		params:    params,
		transport: t,
		consumers: make(map[string]*Consumer),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, media.ErrClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	r := t.router
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, opts media.ConsumeOptions) (media.Consumer, error) {
	p, ok := t.router.producer(opts.ProducerID)
	if !ok {
		return nil, media.ErrUnknownProducer
	}
	ssrc := t.router.engine.ssrc.Add(1)
	params, err := media.ConsumerRtpParameters(p.params, t.router.caps, opts.RtpCapabilities, ssrc, "")
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		id:        uuid.NewString(),
		producer:  p,
		transport: t,
		params:    params,
	}
	c.paused.Store(opts.Paused)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, media.ErrClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.addConsumer(c) {
		t.forget(c.id)
		return nil, media.ErrUnknownProducer
	}
	return c, nil
}

func (t *Transport) forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
	delete(t.consumers, id)
}

// Close fires transport-close on every producer and consumer, then closes them.
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

	t.dtlsState.Close()
	for _, c := range consumers {
		c.transportClose.Publish(struct{}{})
		c.Close()
	}
	for _, p := range producers {
		p.transportClose.Publish(struct{}{})
		p.Close()
	}

	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()
}

type Producer struct {
	id        string
	kind      domain.Kind
	params    media.RtpParameters
	transport *Transport
	paused    atomic.Bool

	mu        sync.Mutex
	closed    bool
	consumers map[string]*Consumer

	transportClose pubsub.Topic[struct{}]
}

func (p *Producer) ID() string                         { return p.id }
func (p *Producer) Kind() domain.Kind                  { return p.kind }
func (p *Producer) RtpParameters() media.RtpParameters { return p.params }
func (p *Producer) Paused() bool                       { return p.paused.Load() }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Pause(ctx context.Context) error {
	if p.Closed() {
		return media.ErrClosed
	}
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	if p.Closed() {
		return media.ErrClosed
	}
	p.paused.Store(false)
	return nil
}

func (p *Producer) OnTransportClose(fn func()) pubsub.Cancel {
	return p.transportClose.Subscribe(func(struct{}) { fn() })
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// Close fires producer-close on every consumer of p, then closes them.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.consumers = map[string]*Consumer{}
	p.mu.Unlock()

	p.transportClose.Close()
	for _, c := range consumers {
		c.producerClose.Publish(struct{}{})
		c.Close()
	}

	r := p.transport.router
	r.mu.Lock()
	delete(r.producers, p.id)
	r.mu.Unlock()
	p.transport.forget(p.id)
}

type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	params    media.RtpParameters
	paused    atomic.Bool
	closed    atomic.Bool

	producerClose  pubsub.Topic[struct{}]
	transportClose pubsub.Topic[struct{}]
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.id }
func (c *Consumer) Kind() domain.Kind                  { return c.producer.kind }
func (c *Consumer) RtpParameters() media.RtpParameters { return c.params }
func (c *Consumer) Paused() bool                       { return c.paused.Load() }
func (c *Consumer) Closed() bool                       { return c.closed.Load() }

func (c *Consumer) Resume(ctx context.Context) error {
	if c.Closed() {
		return media.ErrClosed
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) OnProducerClose(fn func()) pubsub.Cancel {
	return c.producerClose.Subscribe(func(struct{}) { fn() })
}

func (c *Consumer) OnTransportClose(fn func()) pubsub.Cancel {
	return c.transportClose.Subscribe(func(struct{}) { fn() })
}

func (c *Consumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.producerClose.Close()
	c.transportClose.Close()
	c.producer.removeConsumer(c.id)
	c.transport.forget(c.id)
}
