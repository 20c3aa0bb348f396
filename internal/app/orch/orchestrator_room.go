package orch

import (
	"context"
	"errors"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) handleJoin(ctx context.Context, c *call) (any, error) {
	p, err := protocol.Decode[protocol.JoinRoomRequest](c.req.Data)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	// Only attempts that can reach room creation are charged to the limiter.
	if _, _, joined := o.Registry.RoomOf(c.pid); joined {
		return nil, protocol.Reject(protocol.CodeAlreadyJoined, "already in a room")
	}
	if o.Limiter != nil {
		_, client, _ := o.Registry.Signal(c.pid)
		if client == "" {
			client = string(c.pid)
		}
		if !o.Limiter.Allow(client) {
			return nil, protocol.Reject(protocol.CodeRateLimited, "too many join attempts")
		}
	}

	room, peer, existing, err := o.Registry.Join(ctx, c.pid, domain.RoomID(p.RoomID))
	switch {
	case errors.Is(err, app.ErrAlreadyJoined):
		return nil, protocol.Reject(protocol.CodeAlreadyJoined, "already in a room")
	case errors.Is(err, app.ErrCannotJoin):
		return nil, protocol.Reject(protocol.CodeCannotJoin, "%v", err)
	case err != nil:
		return nil, err
	}

	infos := producerInfos(existing)
	o.send(peer.Conn(), protocol.Broadcast{
		Type:   protocol.EventExistingProducers,
		RoomID: string(room.ID()),
		Data:   infos,
	})
	log.Info().Str("module", "orch").Str("peer", string(c.pid)).Str("room", p.RoomID).Int("producers", len(infos)).Msg("peer joined")

	return protocol.JoinRoomResponse{
		Message:     "The User Joined in the room",
		UsersInRoom: room.PeerCount(),
		PeerID:      c.pid,
		Producers:   infos,
	}, nil
}

// Disconnect releases everything the peer owns: producers first, announced
// to the rest of the room, then consumers and transports, then membership.
func (o *Orchestrator) Disconnect(pid domain.PeerID) {
	room, peer, ok := o.Registry.RoomOf(pid)
	if ok {
		for _, id := range peer.ProducerIDs() {
			o.closeProducer(room, peer, id)
		}
		consumers, transports := peer.Teardown()
		for _, c := range consumers {
			c.Close()
		}
		for _, t := range transports {
			t.Close()
		}
		o.Registry.Leave(pid)
	}
	o.Registry.Unbind(pid)
	log.Info().Str("module", "orch").Str("peer", string(pid)).Msg("peer disconnected")
}

// closeProducer removes a producer from its owner and the room directory,
// tells the other members and closes it. Only the first call for an id does
// anything.
func (o *Orchestrator) closeProducer(room *app.Room, peer *app.Peer, id string) bool {
	prod, ok := room.TakeProducer(peer, id)
	if !ok {
		return false
	}
	o.broadcast(room, peer.ID(), protocol.EventProducerClosed, protocol.ProducerEvent{ProducerID: id})
	prod.Close()
	log.Info().Str("module", "orch").Str("peer", string(peer.ID())).Str("producer", id).Msg("producer closed")
	return true
}

func producerInfos(entries []app.ProducerEntry) []protocol.ProducerInfo {
	out := make([]protocol.ProducerInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.ProducerInfo{ProducerID: e.ID, Kind: e.Kind})
	}
	return out
}
