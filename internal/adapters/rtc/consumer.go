package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dkeye/huddle/internal/app/sfu"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/pubsub"
	"github.com/google/uuid"
	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const cnameAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Consumer sends one producer's packets to a client through an RTP sender.
type Consumer struct {
	id        string
	producer  *Producer
	transport *Transport
	params    media.RtpParameters
	sender    *webrtc.RTPSender
	out       *sfu.OutTrack
	paused    atomic.Bool
	closed    atomic.Bool

	producerClose  pubsub.Topic[struct{}]
	transportClose pubsub.Topic[struct{}]
}

func newConsumer(t *Transport, p *Producer, opts media.ConsumeOptions) (*Consumer, error) {
	codec, ok := media.MatchCodec(p.params, t.router.caps)
	if !ok {
		return nil, media.ErrIncompatibleCodecs
	}
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(codecCapability(codec), id, p.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		sender:    sender,
		out:       sfu.NewOutTrack(track),
	}
	encodings := sender.GetParameters().Encodings
	if len(encodings) == 0 {
		c.stopSender()
		return nil, errors.New("rtp sender has no encodings")
	}
	params, err := media.ConsumerRtpParameters(p.params, t.router.caps, opts.RtpCapabilities, uint32(encodings[0].SSRC), t.nextMid())
	if err != nil {
		c.stopSender()
		return nil, err
	}
	if params.Rtcp == nil {
		cname, err := randutil.GenerateCryptoRandomString(16, cnameAlphabet)
		if err != nil {
			c.stopSender()
			return nil, err
		}
		params.Rtcp = &media.RtcpParameters{CNAME: cname, ReducedSize: true}
	}
	c.params = params
	if opts.Paused {
		c.paused.Store(true)
		c.out.MarkMuted()
	}
	return c, nil
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.id }
func (c *Consumer) Kind() domain.Kind                  { return c.producer.kind }
func (c *Consumer) RtpParameters() media.RtpParameters { return c.params }
func (c *Consumer) Paused() bool                       { return c.paused.Load() }
func (c *Consumer) Closed() bool                       { return c.closed.Load() }

func (c *Consumer) start() {
	if c.Closed() {
		return
	}
	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("consumer", c.id).Msg("send failed")
		return
	}
	go c.readRTCP()
}

// readRTCP forwards key frame requests of the receiving client to the
// producer until the sender stops.
func (c *Consumer) readRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyFrame()
			}
		}
	}
}

func (c *Consumer) Resume(ctx context.Context) error {
	if c.Closed() {
		return media.ErrClosed
	}
	c.paused.Store(false)
	c.out.MarkOk()
	c.producer.requestKeyFrame()
	return nil
}

func (c *Consumer) OnProducerClose(fn func()) pubsub.Cancel {
	return c.producerClose.Subscribe(func(struct{}) { fn() })
}

func (c *Consumer) OnTransportClose(fn func()) pubsub.Cancel {
	return c.transportClose.Subscribe(func(struct{}) { fn() })
}

func (c *Consumer) stopSender() {
	if err := c.sender.Stop(); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("consumer", c.id).Msg("sender stop")
	}
}

func (c *Consumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.producerClose.Close()
	c.transportClose.Close()
	c.out.MarkDelete()
	c.transport.router.relays.MarkSubscriberDelete(c.producer.id, c.id)
	c.stopSender()
	c.producer.removeConsumer(c.id)
	c.transport.forget(c.id)
}
