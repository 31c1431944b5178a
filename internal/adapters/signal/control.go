package signal

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: core.SignalPong,
	}
	metrics.SignalFrames.WithLabelValues(core.SignalPing, "ok").Inc()
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleAnnounce(
	ctx context.Context,
	conn *WsSignalConn,
	data []byte,
) {
	type announcePayload struct {
		Type   string        `json:"type"`
		UserID domain.UserID `json:"user_id"`
	}
	var p announcePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad announce payload")
		metrics.SignalFrames.WithLabelValues(core.SignalAnnounce, "error").Inc()
		ctl.sendError(conn, "bad_payload")
		return
	}

	user := domain.UserID(strings.TrimSpace(string(p.UserID)))
	if user == "" {
		user = conn.authed
	}
	if conn.authed != "" && user != conn.authed {
		log.Warn().Str("module", "signal").Str("conn", string(conn.id)).
			Str("authed", string(conn.authed)).Str("announced", string(user)).Msg("announce for foreign user")
		metrics.SignalFrames.WithLabelValues(core.SignalAnnounce, "forbidden").Inc()
		ctl.sendError(conn, "forbidden")
		return
	}

	if err := ctl.Presence.Announce(ctx, conn.id, user); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(conn.id)).Msg("announce rejected")
		metrics.SignalFrames.WithLabelValues(core.SignalAnnounce, "error").Inc()
		ctl.sendError(conn, "invalid_user")
		return
	}
	metrics.SignalFrames.WithLabelValues(core.SignalAnnounce, "ok").Inc()
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Str("user", string(user)).Msg("announce")
}

// BroadcastOnline pushes the online snapshot to every open connection,
// announced or not. It runs under the registry's broadcast lock and never blocks.
func (ctl *SignalWSController) BroadcastOnline(users []domain.User) {
	if users == nil {
		users = []domain.User{}
	}
	b, err := json.Marshal(core.OnlineUsers{Type: core.SignalOnlineUsers, Users: users})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("online snapshot marshal")
		return
	}
	for _, c := range ctl.snapshot() {
		ctl.sendFrame(c, b)
	}
}
