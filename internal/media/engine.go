// Package media declares the Media Engine consumed by the orchestration core.
// Implementations live under internal/adapters.
package media

import (
	"context"
	"errors"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/pubsub"
)

var (
	ErrClosed              = errors.New("media: closed")
	ErrUnknownProducer     = errors.New("media: unknown producer")
	ErrIncompatibleCodecs  = errors.New("media: no compatible codec")
	ErrInvalidRtpParams    = errors.New("media: invalid rtp parameters")
	ErrAlreadyConnected    = errors.New("media: transport already connected")
	ErrMissingIceParams    = errors.New("media: remote ice parameters required")
	ErrInvalidDtlsParams   = errors.New("media: invalid dtls parameters")
	ErrNoTransportProtocol = errors.New("media: neither udp nor tcp enabled")
)

type Engine interface {
	CreateRouter(ctx context.Context, codecs []RtpCodecCapability) (Router, error)
}

// Router is the per-room routing context.
type Router interface {
	ID() string
	RtpCapabilities() RtpCapabilities
	CanConsume(producerID string, caps RtpCapabilities) bool
	CreateWebRtcTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	Close()
	Closed() bool
}

type Transport interface {
	ID() string
	IceParameters() IceParameters
	IceCandidates() []IceCandidate
	DtlsParameters() DtlsParameters
	Connect(ctx context.Context, params ConnectParams) error
	Produce(ctx context.Context, kind domain.Kind, params RtpParameters) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	OnDtlsStateChange(fn func(DtlsState)) pubsub.Cancel
	Close()
	Closed() bool
}

type Producer interface {
	ID() string
	Kind() domain.Kind
	RtpParameters() RtpParameters
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// OnTransportClose fires when the owning transport closes, before the
	// producer itself is closed.
	OnTransportClose(fn func()) pubsub.Cancel
	Close()
	Closed() bool
}

type Consumer interface {
	ID() string
	ProducerID() string
	Kind() domain.Kind
	RtpParameters() RtpParameters
	Paused() bool
	Resume(ctx context.Context) error
	OnProducerClose(fn func()) pubsub.Cancel
	OnTransportClose(fn func()) pubsub.Cancel
	Close()
	Closed() bool
}
