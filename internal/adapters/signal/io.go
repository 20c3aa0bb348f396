package signal

import (
	"context"
	"time"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	opts := ctl.Opts.withDefaults()
	ticker := time.NewTicker(opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

// readPump dispatches inbound requests one at a time in arrival order and
// runs the disconnect cleanup once the channel is gone.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, pid domain.PeerID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("peer", string(pid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Signaling.Disconnect(pid)
	}()

	opts := ctl.Opts.withDefaults()
	c.conn.SetReadLimit(opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("peer", string(pid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("peer", string(pid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(opts.PongWait))
			ctl.handleSignal(ctx, pid, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, pid domain.PeerID, data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(pid)).Msg("bad message")
		if req.RequestID == "" {
			return
		}
	}
	ctl.Signaling.Dispatch(ctx, pid, req)
}
