package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("user", string(c.id)).Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("user", string(c.id)).Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("user", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("user", string(c.id)).Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(c.id)).Str("conn", string(c.connID)).Msg("readPump closing")
		ctl.release(cancel, c)
	}()

	if ctl.opts.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.opts.ReadLimit)
	}
	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("user", string(c.id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleSignal(c, data)
	}
}

// release tears down c. Rate limit history survives while a newer
// connection of the same identity is still registered.
func (ctl *SignalWSController) release(cancel context.CancelFunc, c *WsSignalConn) {
	cancel()
	c.Close()
	if ctl.Orch.Disconnect(c.id, c.connID) && ctl.Limiter != nil {
		ctl.Limiter.Forget(c.id)
	}
}

func (ctl *SignalWSController) handleSignal(c *WsSignalConn, data []byte) {
	if ctl.Limiter != nil && !ctl.Limiter.Allow(c.id) {
		log.Warn().Str("module", "signal").Str("user", string(c.id)).Msg("rate limited")
		ctl.sendError(c, "rate_limited", "")
		return
	}

	h, err := domain.ParseHeader(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad_payload", "")
		return
	}

	switch h.Type {
	case "ping":
		ctl.handlePing(c)
		return
	case "whoami":
		ctl.handleWhoAmI(c)
		return
	}

	err = ctl.Orch.Route(c.id, data)
	switch {
	case err == nil:
	case errors.Is(err, orch.ErrReceiverOffline):
		log.Info().Str("module", "signal").Str("user", string(c.id)).Str("to", string(h.ReceiverID)).Str("type", string(h.Type)).Msg("receiver offline")
		ctl.sendError(c, "peer_offline", h.ReceiverID)
	case errors.Is(err, orch.ErrDropped):
		log.Warn().Err(err).Str("module", "signal").Msg("frame dropped")
	default:
		log.Warn().Err(err).Str("module", "signal").Str("user", string(c.id)).Str("type", string(h.Type)).Msg("frame rejected")
		ctl.sendError(c, "rejected", h.ReceiverID)
	}
}

type errorFrame struct {
	Type   domain.Kind   `json:"type"`
	Error  string        `json:"error"`
	PeerID domain.UserID `json:"peerId,omitempty"`
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code string, peer domain.UserID) {
	ctl.sendJSON(c, errorFrame{Type: domain.KindError, Error: code, PeerID: peer})
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
