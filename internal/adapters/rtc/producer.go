package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/huddle/internal/app/sfu"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/pubsub"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Producer receives one client stream and feeds it into a relay.
type Producer struct {
	id        string
	kind      domain.Kind
	params    media.RtpParameters
	transport *Transport
	receiver  *webrtc.RTPReceiver
	relay     *sfu.Relay
	ssrc      uint32
	pt        uint8
	paused    atomic.Bool

	mu        sync.Mutex
	closed    bool
	consumers map[string]*Consumer

	transportClose pubsub.Topic[struct{}]
}

func newProducer(t *Transport, kind domain.Kind, params media.RtpParameters, codec media.RtpCodecCapability) (*Producer, error) {
	pt := params.Codecs[0].PayloadType
	if pt != codec.PreferredPayloadType {
		err := t.media.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapability(codec),
			PayloadType:        webrtc.PayloadType(pt),
		}, codecType(kind))
		if err != nil {
			return nil, fmt.Errorf("register payload type %d: %w", pt, err)
		}
	}
	receiver, err := t.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	return &Producer{
		id:        uuid.NewString(),
		kind:      kind,
		params:    params,
		transport: t,
		receiver:  receiver,
		relay:     sfu.NewRelay(),
		ssrc:      params.Encodings[0].SSRC,
		pt:        pt,
		consumers: make(map[string]*Consumer),
	}, nil
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

// start binds the receiver to the announced SSRC and runs the relay loop.
func (p *Producer) start() {
	if p.Closed() {
		return
	}
	logger := log.With().Str("module", "rtc").Str("producer", p.id).Str("kind", string(p.kind)).Logger()
	err := p.receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(p.ssrc),
				PayloadType: webrtc.PayloadType(p.pt),
			},
		}},
	})
	if err != nil {
		logger.Error().Err(err).Msg("receive failed")
		return
	}
	track := p.receiver.Track()
	p.relay.Start(context.Background(), func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}, logger)
	logger.Info().Uint32("ssrc", p.ssrc).Msg("producer receiving")
}

func (p *Producer) Pause(ctx context.Context) error {
	if p.Closed() {
		return media.ErrClosed
	}
	p.paused.Store(true)
	p.relay.SetPaused(true)
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	if p.Closed() {
		return media.ErrClosed
	}
	p.paused.Store(false)
	p.relay.SetPaused(false)
	p.requestKeyFrame()
	return nil
}

// requestKeyFrame asks the sending client for a fresh video key frame.
func (p *Producer) requestKeyFrame() {
	if p.kind != domain.KindVideo || p.Closed() {
		return
	}
	_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.ssrc}})
	if err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("producer", p.id).Msg("pli write failed")
	}
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

func (p *Producer) stopReceiver() {
	if err := p.receiver.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("producer", p.id).Msg("receiver stop")
	}
}

// Close fires producer-close on every consumer of p, closes them and stops
// the relay and the receiver.
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
	p.transport.router.forgetProducer(p.id)
	p.stopReceiver()
	p.transport.forget(p.id)
	log.Info().Str("module", "rtc").Str("producer", p.id).Msg("producer closed")
}
