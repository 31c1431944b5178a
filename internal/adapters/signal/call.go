package signal

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
)

// handleCall relays a call-control frame to every connection of the target
// user. From is always stamped by the server.
func (ctl *SignalWSController) handleCall(conn *WsSignalConn, data []byte) {
	var sig core.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call payload")
		metrics.SignalFrames.WithLabelValues("call", "error").Inc()
		ctl.sendError(conn, "bad_payload")
		return
	}

	from, ok := ctl.Presence.UserOf(conn.id)
	if !ok {
		metrics.SignalFrames.WithLabelValues(sig.Type, "error").Inc()
		ctl.sendError(conn, "not_announced")
		return
	}
	sig.From = from
	sig.To = domain.UserID(strings.TrimSpace(string(sig.To)))

	room, err := domain.DeriveSessionID(from, sig.To)
	if err != nil {
		metrics.SignalFrames.WithLabelValues(sig.Type, "error").Inc()
		ctl.sendError(conn, "invalid_target")
		return
	}
	if sig.Room != room {
		log.Warn().Str("module", "signal").Str("room", string(sig.Room)).Str("want", string(room)).Msg("room mismatch")
		metrics.SignalFrames.WithLabelValues(sig.Type, "error").Inc()
		ctl.sendError(conn, "invalid_room")
		return
	}

	if sig.Type == core.SignalInvite {
		mode, err := domain.ParseCallMode(string(sig.Mode))
		if err != nil {
			metrics.SignalFrames.WithLabelValues(sig.Type, "error").Inc()
			ctl.sendError(conn, "invalid_mode")
			return
		}
		sig.Mode = mode
		if ctl.Invites != nil && !ctl.Invites.Allow(from) {
			metrics.SignalFrames.WithLabelValues(sig.Type, "limited").Inc()
			ctl.sendError(conn, "rate_limited")
			return
		}
	}

	targets := ctl.Presence.ConnectionsOf(sig.To)
	if len(targets) == 0 {
		metrics.SignalFrames.WithLabelValues(sig.Type, "offline").Inc()
		log.Info().Str("module", "signal").Str("type", sig.Type).Str("to", string(sig.To)).Msg("target offline")
		if sig.Type == core.SignalInvite {
			// answer on the callee's behalf so the caller stops dialing
			ctl.sendJSON(conn, core.Signal{
				Type:   core.SignalReject,
				From:   sig.To,
				To:     from,
				Room:   room,
				Reason: "unavailable",
			})
		}
		return
	}

	switch {
	case sig.Type == core.SignalInvite:
		ctl.startRinging(room, from, sig.To, targets)
	case sig.Type == core.SignalReject && sig.Auto:
		if ctl.holdReject(room, conn.id) {
			metrics.SignalFrames.WithLabelValues(sig.Type, "held").Inc()
			log.Info().Str("module", "signal").Str("from", string(from)).Str("reason", sig.Reason).Msg("auto reject held, other devices still ringing")
			return
		}
	}

	ctl.relay(sig, targets)
	metrics.SignalFrames.WithLabelValues(sig.Type, "ok").Inc()
	log.Info().Str("module", "signal").Str("type", sig.Type).Str("from", string(from)).Str("to", string(sig.To)).Int("conns", len(targets)).Msg("relay")

	switch {
	case sig.Type == core.SignalAccept, sig.Type == core.SignalReject && !sig.Auto:
		ctl.endRinging(room)
		ctl.stopRingingElsewhere(conn.id, from, sig.To, room)
	case sig.Type == core.SignalHangup:
		ctl.endRinging(room)
	}
}

func (ctl *SignalWSController) relay(sig core.Signal, targets []core.ConnID) {
	b, err := json.Marshal(sig)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("call marshal")
		return
	}
	for _, id := range targets {
		if c, ok := ctl.conn(id); ok {
			ctl.sendFrame(c, b)
		}
	}
}

// ring is an invite the callee has not answered yet. pending holds the
// callee connections that were rung and have not auto-rejected.
type ring struct {
	caller  domain.UserID
	callee  domain.UserID
	pending map[core.ConnID]struct{}
}

// startRinging replaces any earlier invite for the room.
func (ctl *SignalWSController) startRinging(room domain.SessionID, caller, callee domain.UserID, targets []core.ConnID) {
	r := &ring{caller: caller, callee: callee, pending: make(map[core.ConnID]struct{}, len(targets))}
	for _, id := range targets {
		r.pending[id] = struct{}{}
	}
	ctl.ringMu.Lock()
	ctl.ringing[room] = r
	ctl.ringMu.Unlock()
}

func (ctl *SignalWSController) endRinging(room domain.SessionID) {
	ctl.ringMu.Lock()
	delete(ctl.ringing, room)
	ctl.ringMu.Unlock()
}

// holdReject reports whether an automatic reject from id must be swallowed
// because another device of the callee is still ringing. The last one
// through is relayed to the caller.
func (ctl *SignalWSController) holdReject(room domain.SessionID, id core.ConnID) bool {
	ctl.ringMu.Lock()
	defer ctl.ringMu.Unlock()
	r, ok := ctl.ringing[room]
	if !ok {
		return false
	}
	if _, rung := r.pending[id]; !rung {
		return false
	}
	delete(r.pending, id)
	if len(r.pending) > 0 {
		return true
	}
	delete(ctl.ringing, room)
	return false
}

// stopRinging drops a closed connection from every invite it was rung for.
// If it was the last device still ringing the caller gets an unavailable
// reject on the callee's behalf.
func (ctl *SignalWSController) stopRinging(id core.ConnID) {
	var gone []core.Signal
	ctl.ringMu.Lock()
	for room, r := range ctl.ringing {
		if _, rung := r.pending[id]; !rung {
			continue
		}
		delete(r.pending, id)
		if len(r.pending) > 0 {
			continue
		}
		delete(ctl.ringing, room)
		gone = append(gone, core.Signal{
			Type:   core.SignalReject,
			From:   r.callee,
			To:     r.caller,
			Room:   room,
			Reason: "unavailable",
			Auto:   true,
		})
	}
	ctl.ringMu.Unlock()

	for _, sig := range gone {
		log.Info().Str("module", "signal").Str("room", string(sig.Room)).Msg("last ringing device left")
		ctl.relay(sig, ctl.Presence.ConnectionsOf(sig.To))
	}
}

// stopRingingElsewhere cancels the invite on the callee's other devices once
// one of them has answered or the user declined.
func (ctl *SignalWSController) stopRingingElsewhere(answered core.ConnID, callee, caller domain.UserID, room domain.SessionID) {
	for _, id := range ctl.Presence.ConnectionsOf(callee) {
		if id == answered {
			continue
		}
		if c, ok := ctl.conn(id); ok {
			ctl.sendJSON(c, core.Signal{
				Type:   core.SignalHangup,
				From:   caller,
				To:     callee,
				Room:   room,
				Reason: "answered_elsewhere",
			})
		}
	}
}
