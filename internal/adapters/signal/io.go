package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/app"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.opts.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ctx done")
			c.Close()
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("writePump ping")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
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

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.forget(c.id)
		ctl.stopRinging(c.id)
		ctl.Presence.OnDisconnect(context.WithoutCancel(ctx), c.id)
	}()

	// a missed pong lets the read deadline expire
	wait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(c.id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(wait))
			ctl.handleSignal(ctx, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, c *WsSignalConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		metrics.SignalFrames.WithLabelValues("invalid", "error").Inc()
		ctl.sendError(c, "bad_payload")
		return
	}

	switch env.Type {
	case core.SignalAnnounce:
		ctl.handleAnnounce(ctx, c, data)
	case core.SignalPing:
		ctl.handlePing(c)
	case core.SignalInvite, core.SignalAccept, core.SignalReject, core.SignalHangup:
		ctl.handleCall(c, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		metrics.SignalFrames.WithLabelValues("unknown", "error").Inc()
		ctl.sendError(c, "unknown_type")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	ctl.sendFrame(c, b)
}

// sendFrame never blocks; a full queue goes to the backpressure policy.
func (ctl *SignalWSController) sendFrame(c *WsSignalConn, f core.Frame) {
	err := c.TrySend(f)
	switch err {
	case nil:
		c.onDelivered()
	case ErrBackpressure:
		metrics.DroppedFrames.Inc()
		dropped := c.onDropped()
		action := ctl.Policy.OnBackPressure(c.id, dropped)
		log.Warn().Str("module", "signal").Str("conn", string(c.id)).Int("dropped", dropped).Stringer("action", action).Msg("send queue full")
		if action == app.KickConn {
			c.Close()
		}
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code string) {
	ctl.sendJSON(c, struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}{core.SignalError, code})
}
