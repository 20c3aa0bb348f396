package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/huddle/internal/app/sfu"
	"github.com/dkeye/huddle/internal/media"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Router owns the transports and producers of one room.
type Router struct {
	id     string
	engine *Engine
	caps   media.RtpCapabilities
	relays *sfu.RelayManager

	mu         sync.RWMutex
	closed     bool
	transports map[string]*Transport
	producers  map[string]*Producer
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

// api builds a per-transport API. Every transport gets its own MediaEngine
// so producer payload types can be registered without affecting neighbours.
func (r *Router) api(opts media.TransportOptions) (*webrtc.API, *webrtc.MediaEngine, error) {
	se, err := r.engine.settingEngine(opts)
	if err != nil {
		return nil, nil, err
	}
	me, err := newMediaEngine(r.caps)
	if err != nil {
		return nil, nil, err
	}
	registry := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, nil, err
	}
	registry.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
	)
	return api, me, nil
}

func (r *Router) CreateWebRtcTransport(ctx context.Context, opts media.TransportOptions) (media.Transport, error) {
	if r.Closed() {
		return nil, media.ErrClosed
	}
	api, me, err := r.api(opts)
	if err != nil {
		return nil, err
	}
	t, err := newTransport(ctx, r, api, me)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, media.ErrClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	log.Info().
		Str("module", "rtc").
		Str("router", r.id).
		Str("transport", t.id).
		Int("candidates", len(t.candidates)).
		Msg("transport created")
	return t, nil
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
	r.relays.Add(p.id, p.relay)
}

func (r *Router) forgetProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
	r.relays.StopRelay(id)
}

func (r *Router) forgetTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// Close closes every transport and stops every relay of the router.
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
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.relays.StopAll()
	log.Info().Str("module", "rtc").Str("router", r.id).Msg("router closed")
}
