// Package livekit mints relay credentials and manages relay rooms.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	lkproto "github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
)

var ErrNotConfigured = errors.New("livekit not configured")

type Config struct {
	URL             string        `mapstructure:"url"`
	APIKey          string        `mapstructure:"api_key"`
	APISecret       string        `mapstructure:"api_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl"`
	EmptyTimeout    time.Duration `mapstructure:"empty_timeout"`
	MaxParticipants uint32        `mapstructure:"max_participants"`
}

func (c Config) configured() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// Minter issues short-lived relay tokens. Voice tokens carry identity only;
// video tokens are scoped to one room.
type Minter struct {
	cfg Config
}

func NewMinter(cfg Config) *Minter {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Minter{cfg: cfg}
}

func (m *Minter) Voice(u domain.User) (core.Credential, error) {
	at, err := m.token(u)
	if err != nil {
		return core.Credential{}, err
	}
	at.AddGrant(&auth.VideoGrant{})
	return m.credential(at, u, "", "voice")
}

// Video refuses rooms the user is not a party of.
func (m *Minter) Video(u domain.User, room domain.SessionID) (core.Credential, error) {
	if !IsParticipant(room, u.ID) {
		return core.Credential{}, fmt.Errorf("%w: %s not in room %s", domain.ErrInvalidParticipant, u.ID, room)
	}
	at, err := m.token(u)
	if err != nil {
		return core.Credential{}, err
	}
	at.AddGrant(&auth.VideoGrant{
		RoomJoin: true,
		Room:     room.String(),
	})
	return m.credential(at, u, room, "video")
}

func (m *Minter) token(u domain.User) (*auth.AccessToken, error) {
	if !m.cfg.configured() {
		return nil, ErrNotConfigured
	}
	at := auth.NewAccessToken(m.cfg.APIKey, m.cfg.APISecret)
	at.SetIdentity(u.ID.String()).
		SetName(u.DisplayName()).
		SetValidFor(m.cfg.TokenTTL)
	return at, nil
}

func (m *Minter) credential(at *auth.AccessToken, u domain.User, room domain.SessionID, kind string) (core.Credential, error) {
	jwt, err := at.ToJWT()
	if err != nil {
		return core.Credential{}, fmt.Errorf("%w: %v", domain.ErrCredential, err)
	}
	metrics.TokensIssued.WithLabelValues(kind).Inc()
	log.Debug().
		Str("module", "livekit").
		Str("user", u.ID.String()).
		Str("kind", kind).
		Str("room", room.String()).
		Msg("relay token issued")
	return core.Credential{
		Identity: u.ID,
		Name:     u.Name,
		Email:    u.Email,
		Token:    jwt,
		URL:      m.cfg.URL,
		Room:     room,
	}, nil
}

// IsParticipant reports whether room is the canonical room of user and
// someone else.
func IsParticipant(room domain.SessionID, user domain.UserID) bool {
	name, id := room.String(), user.String()
	var other string
	switch {
	case strings.HasPrefix(name, id+domain.SessionSeparator):
		other = strings.TrimPrefix(name, id+domain.SessionSeparator)
	case strings.HasSuffix(name, domain.SessionSeparator+id):
		other = strings.TrimSuffix(name, domain.SessionSeparator+id)
	default:
		return false
	}
	want, err := domain.DeriveSessionID(user, domain.UserID(other))
	return err == nil && want == room
}

// Rooms creates relay rooms ahead of a call so both peers land in the same
// two-party room.
type Rooms struct {
	cfg    Config
	client *lksdk.RoomServiceClient
}

func NewRooms(cfg Config) *Rooms {
	if cfg.EmptyTimeout <= 0 {
		cfg.EmptyTimeout = 5 * time.Minute
	}
	if cfg.MaxParticipants == 0 {
		cfg.MaxParticipants = 2
	}
	r := &Rooms{cfg: cfg}
	if cfg.configured() && cfg.URL != "" {
		r.client = lksdk.NewRoomServiceClient(httpURL(cfg.URL), cfg.APIKey, cfg.APISecret)
	}
	return r
}

func (r *Rooms) CreateRoom(ctx context.Context, room domain.SessionID) error {
	if r.client == nil {
		return ErrNotConfigured
	}
	_, err := r.client.CreateRoom(ctx, &lkproto.CreateRoomRequest{
		Name:            room.String(),
		EmptyTimeout:    uint32(r.cfg.EmptyTimeout.Seconds()),
		MaxParticipants: r.cfg.MaxParticipants,
	})
	if err != nil {
		return fmt.Errorf("create room %s: %w", room, err)
	}
	log.Info().Str("module", "livekit").Str("room", room.String()).Msg("room created")
	return nil
}

// httpURL maps the websocket URL clients dial to the twirp endpoint.
func httpURL(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}
