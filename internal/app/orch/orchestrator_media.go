package orch

import (
	"context"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

func direction(sender bool) string {
	if sender {
		return "sender"
	}
	return "receiver"
}

func (o *Orchestrator) handleCreateTransport(ctx context.Context, room *app.Room, peer *app.Peer, c *call) (any, error) {
	p, err := protocol.Decode[protocol.CreateTransportRequest](c.req.Data)
	if err != nil {
		return nil, err
	}
	if _, ok := peer.Transport(p.Sender); ok {
		return nil, protocol.Reject(protocol.CodeTransportExists, "%s transport already exists", direction(p.Sender))
	}

	t, err := room.Router().CreateWebRtcTransport(ctx, o.Transport)
	if err != nil {
		return nil, err
	}
	if !peer.SetTransport(p.Sender, t) {
		t.Close()
		return nil, protocol.Reject(protocol.CodeTransportExists, "%s transport already exists", direction(p.Sender))
	}
	peer.Track(t.ID(), t.OnDtlsStateChange(func(s media.DtlsState) {
		if s != media.DtlsClosed {
			return
		}
		log.Info().Str("module", "orch").Str("peer", string(peer.ID())).Str("transport", t.ID()).Msg("dtls closed, closing transport")
		t.Close()
	}))

	log.Info().Str("module", "orch").Str("peer", string(peer.ID())).Str("transport", t.ID()).Str("direction", direction(p.Sender)).Msg("transport created")
	return protocol.TransportInfo{
		ID:             t.ID(),
		IceParameters:  t.IceParameters(),
		IceCandidates:  t.IceCandidates(),
		DtlsParameters: t.DtlsParameters(),
	}, nil
}

func (o *Orchestrator) handleConnect(ctx context.Context, peer *app.Peer, sender bool, c *call) (any, error) {
	p, err := protocol.Decode[protocol.ConnectTransportRequest](c.req.Data)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	t, ok := peer.Transport(sender)
	if !ok {
		return nil, protocol.Reject(protocol.CodeNoTransport, "no %s transport", direction(sender))
	}
	if err := t.Connect(ctx, p.Params()); err != nil {
		return nil, err
	}
	return protocol.Empty{}, nil
}

func (o *Orchestrator) handleProduce(ctx context.Context, room *app.Room, peer *app.Peer, c *call) (any, error) {
	p, err := protocol.Decode[protocol.ProduceRequest](c.req.Data)
	if err != nil {
		return nil, err
	}
	kind, err := domain.ParseKind(p.Kind)
	if err != nil {
		return nil, err
	}
	t, ok := peer.Transport(true)
	if !ok {
		return nil, protocol.Reject(protocol.CodeNoTransport, "no sender transport")
	}

	prod, err := t.Produce(ctx, kind, p.RtpParameters)
	if err != nil {
		return nil, err
	}
	id := prod.ID()
	cancel := prod.OnTransportClose(func() {
		log.Info().Str("module", "orch").Str("peer", string(peer.ID())).Str("producer", id).Msg("transport closed under producer")
		o.closeProducer(room, peer, id)
	})
	if !room.AddProducer(peer, prod) {
		cancel()
		prod.Close()
		return nil, protocol.Reject(protocol.CodeNotJoined, "peer left the room")
	}
	peer.Track(id, cancel)
	if prod.Closed() {
		// The transport closed before the observer was attached.
		o.closeProducer(room, peer, id)
		return nil, media.ErrClosed
	}

	c.then(func() {
		if !room.HasProducer(id) {
			return
		}
		o.broadcast(room, peer.ID(), protocol.EventNewProducer, protocol.ProducerInfo{ProducerID: id, Kind: kind})
	})
	log.Info().Str("module", "orch").Str("peer", string(peer.ID())).Str("producer", id).Str("kind", string(kind)).Msg("producer created")
	return protocol.ProduceResponse{ID: id}, nil
}

func (o *Orchestrator) handleConsume(ctx context.Context, room *app.Room, peer *app.Peer, c *call) (any, error) {
	p, err := protocol.Decode[protocol.ConsumeRequest](c.req.Data)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	t, ok := peer.Transport(false)
	if !ok {
		return nil, protocol.Reject(protocol.CodeNoTransport, "no receiver transport")
	}
	if room.ProducerCount() == 0 {
		return nil, protocol.Reject(protocol.CodeNothingToConsume, "There is nothing to consume")
	}
	if !room.HasProducer(p.ProducerID) || !room.Router().CanConsume(p.ProducerID, p.RtpCapabilities) {
		return nil, protocol.Reject(protocol.CodeCannotConsume, "Unable to consume this producer.")
	}

	cons, err := t.Consume(ctx, media.ConsumeOptions{
		ProducerID:      p.ProducerID,
		RtpCapabilities: p.RtpCapabilities,
		Paused:          true,
	})
	if err != nil {
		return nil, err
	}
	id := cons.ID()
	forget := func() { peer.RemoveConsumer(id) }
	peer.AddConsumer(cons)
	peer.Track(id, cons.OnProducerClose(forget), cons.OnTransportClose(forget))
	if cons.Closed() {
		forget()
		return nil, media.ErrClosed
	}

	log.Info().Str("module", "orch").Str("peer", string(peer.ID())).Str("consumer", id).Str("producer", p.ProducerID).Msg("consumer created")
	return protocol.ConsumeResponse{
		ID:            id,
		ProducerID:    p.ProducerID,
		Kind:          cons.Kind(),
		RtpParameters: cons.RtpParameters(),
		Paused:        cons.Paused(),
	}, nil
}

func (o *Orchestrator) handleConsumerResume(ctx context.Context, peer *app.Peer, c *call) (any, error) {
	p, err := protocol.Decode[protocol.ConsumerResumeRequest](c.req.Data)
	if err != nil {
		return nil, err
	}
	cons, ok := peer.Consumer(p.ConsumerID)
	if !ok {
		return protocol.Empty{}, nil
	}
	if err := cons.Resume(ctx); err != nil {
		return nil, err
	}
	return protocol.Empty{}, nil
}

func (o *Orchestrator) handleProducerPause(ctx context.Context, room *app.Room, peer *app.Peer, pause bool, c *call) (any, error) {
	p, err := protocol.Decode[protocol.ProducerRequest](c.req.Data)
	if err != nil {
		return nil, err
	}
	prod, ok := peer.Producer(p.ProducerID)
	if !ok {
		return protocol.Empty{}, nil
	}

	event := protocol.EventProducerResumed
	if pause {
		event = protocol.EventProducerPause
		err = prod.Pause(ctx)
	} else {
		err = prod.Resume(ctx)
	}
	if err != nil {
		return nil, err
	}
	c.then(func() {
		o.broadcast(room, peer.ID(), event, protocol.ProducerEvent{ProducerID: p.ProducerID})
	})
	return protocol.Empty{}, nil
}

func (o *Orchestrator) handleProducerClose(room *app.Room, peer *app.Peer, c *call) (any, error) {
	p, err := protocol.Decode[protocol.ProducerRequest](c.req.Data)
	if err != nil {
		return nil, err
	}
	if _, ok := peer.Producer(p.ProducerID); ok {
		c.then(func() { o.closeProducer(room, peer, p.ProducerID) })
	}
	return protocol.Empty{}, nil
}
