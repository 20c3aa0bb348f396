// Package orch turns signaling requests into room, peer and media engine
// operations and answers them.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/media"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrUnknownRequest = errors.New("unknown request type")

// JoinLimiter throttles join-room per client token.
type JoinLimiter interface {
	Allow(key string) bool
}

type Orchestrator struct {
	Registry *app.Registry
	// Transport is the network configuration of every transport created.
	Transport media.TransportOptions
	// Limiter is optional.
	Limiter JoinLimiter
}

var _ core.Signaling = (*Orchestrator)(nil)

// call carries one request through its handler. Work registered with then
// runs after the response has been queued.
type call struct {
	pid   domain.PeerID
	req   protocol.Request
	after []func()
}

func (c *call) then(fn func()) {
	c.after = append(c.after, fn)
}

// Connect binds an accepted channel and greets the peer.
func (o *Orchestrator) Connect(pid domain.PeerID, client string, conn core.SignalConnection) {
	o.Registry.BindSignal(pid, client, conn)
	o.send(conn, protocol.Broadcast{
		Type: protocol.EventConnectionSuccess,
		Data: protocol.ConnectionSuccess{Message: "Server connection successful", PeerID: pid},
	})
}

// Dispatch handles one request and answers it when it carries a request id.
func (o *Orchestrator) Dispatch(ctx context.Context, pid domain.PeerID, req protocol.Request) {
	c := &call{pid: pid, req: req}
	data, err := o.handle(ctx, c)
	o.reply(pid, req, data, malformed(err))
	for _, fn := range c.after {
		fn()
	}
}

func (o *Orchestrator) handle(ctx context.Context, c *call) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("module", "orch").
				Str("peer", string(c.pid)).
				Str("type", string(c.req.Type)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panic")
			c.after = nil
			data, err = nil, fmt.Errorf("internal error handling %s", c.req.Type)
		}
	}()

	switch c.req.Type {
	case protocol.Ping:
		return protocol.Empty{}, nil
	case protocol.JoinRoom:
		return o.handleJoin(ctx, c)
	}
	if !c.req.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, c.req.Type)
	}

	room, peer, ok := o.Registry.RoomOf(c.pid)
	if !ok {
		return nil, protocol.Reject(protocol.CodeNotJoined, "join a room first")
	}

	switch c.req.Type {
	case protocol.GetRtpCapabilities:
		return room.Router().RtpCapabilities(), nil
	case protocol.CreateWebRtcTransport:
		return o.handleCreateTransport(ctx, room, peer, c)
	case protocol.TransportConnect:
		return o.handleConnect(ctx, peer, true, c)
	case protocol.TransportRecvConnect:
		return o.handleConnect(ctx, peer, false, c)
	case protocol.TransportProduce:
		return o.handleProduce(ctx, room, peer, c)
	case protocol.Consume:
		return o.handleConsume(ctx, room, peer, c)
	case protocol.ConsumerResume:
		return o.handleConsumerResume(ctx, peer, c)
	case protocol.ProducerPause:
		return o.handleProducerPause(ctx, room, peer, true, c)
	case protocol.ProducerResume:
		return o.handleProducerPause(ctx, room, peer, false, c)
	case protocol.ProducerClose:
		return o.handleProducerClose(room, peer, c)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, c.req.Type)
}

// malformed turns schema violations of the request into a rejection so the
// error field only carries media engine failures.
func malformed(err error) error {
	if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, domain.ErrUnknownKind) || errors.Is(err, ErrUnknownRequest) {
		return protocol.Reject(protocol.CodeMalformed, "%v", err)
	}
	return err
}

// reply answers req. A rejection travels as data, any other error in the
// error field.
func (o *Orchestrator) reply(pid domain.PeerID, req protocol.Request, data any, err error) {
	if req.RequestID == "" {
		if err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("peer", string(pid)).Str("type", string(req.Type)).Msg("uncorrelated request failed")
		}
		return
	}
	resp := protocol.Response{RequestID: req.RequestID, Data: data}
	var rej *protocol.Rejection
	switch {
	case errors.As(err, &rej):
		resp.Data = protocol.Rejected{Rejection: rej}
		log.Info().Str("module", "orch").Str("peer", string(pid)).Str("type", string(req.Type)).Str("code", string(rej.Code)).Msg("request rejected")
	case err != nil:
		resp.Data = nil
		resp.Error = err.Error()
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(pid)).Str("type", string(req.Type)).Str("request_id", req.RequestID).Msg("request failed")
	}

	conn, _, ok := o.Registry.Signal(pid)
	if !ok {
		return
	}
	o.send(conn, resp)
}

func (o *Orchestrator) send(conn core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("send marshal")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("send dropped")
	}
}

// broadcast sends an event to every member of room except from.
func (o *Orchestrator) broadcast(room *app.Room, from domain.PeerID, typ protocol.EventType, data any) {
	b, err := json.Marshal(protocol.Broadcast{Type: typ, Data: data})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("broadcast marshal")
		return
	}
	n := room.Broadcast(from, b)
	log.Debug().Str("module", "orch").Str("room", string(room.ID())).Str("event", string(typ)).Int("sent", n).Msg("broadcast")
}
