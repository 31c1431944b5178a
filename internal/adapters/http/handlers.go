package http

import (
	"context"
	"errors"
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Ring/internal/adapters/livekit"
	"github.com/dkeye/Ring/internal/auth"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/store"
)

type handler struct {
	deps   Deps
	speech core.SpeechCredential
}

// statusOf maps domain and adapter errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return stdhttp.StatusUnauthorized
	case errors.Is(err, store.ErrEmailTaken):
		return stdhttp.StatusConflict
	case errors.Is(err, store.ErrUserNotFound):
		return stdhttp.StatusNotFound
	case errors.Is(err, domain.ErrInvalidParticipant):
		return stdhttp.StatusForbidden
	case errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong),
		errors.Is(err, domain.ErrEmailEmpty):
		return stdhttp.StatusBadRequest
	case errors.Is(err, livekit.ErrNotConfigured):
		return stdhttp.StatusServiceUnavailable
	default:
		return stdhttp.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == stdhttp.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
		msg = "internal error"
	}
	c.JSON(code, gin.H{"error": msg})
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	s, err := h.deps.Auth.Register(c.Request.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	h.remember(c, s.Token)
	log.Info().Str("module", "adapters.http").Str("user", s.User.ID.String()).Msg("registered")
	c.JSON(stdhttp.StatusCreated, s)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" {
		c.JSON(stdhttp.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	s, err := h.deps.Auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	h.remember(c, s.Token)
	c.JSON(stdhttp.StatusOK, s)
}

func (h *handler) logout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Clear()
	_ = sess.Save()
	c.Status(stdhttp.StatusNoContent)
}

// remember keeps the API token in the cookie session for browser clients.
func (h *handler) remember(c *gin.Context, token string) {
	sess := sessions.Default(c)
	sess.Set(sessionTokenKey, token)
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
	}
}

func (h *handler) verify(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"user": currentUser(c)})
}

// users is the directory; the live registry wins over stored flags.
func (h *handler) users(c *gin.Context) {
	users, err := h.deps.Users.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if h.deps.Presence != nil {
		users = lo.Map(users, func(u domain.User, _ int) domain.User {
			u.IsOnline = h.deps.Presence.IsOnline(u.ID)
			return u
		})
	}
	c.JSON(stdhttp.StatusOK, gin.H{"users": users})
}

func (h *handler) voiceToken(c *gin.Context) {
	cred, err := h.deps.Relay.Voice(currentUser(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, cred)
}

func (h *handler) videoToken(c *gin.Context) {
	room := domain.SessionID(strings.TrimSpace(c.Query("room")))
	if room == "" {
		c.JSON(stdhttp.StatusBadRequest, gin.H{"error": "missing room"})
		return
	}
	cred, err := h.deps.Relay.Video(currentUser(c), room)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, cred)
}

type roomRequest struct {
	Room string `json:"room"`
	Peer string `json:"peer"`
}

// createRoom takes an explicit room or derives it from the peer id.
func (h *handler) createRoom(c *gin.Context) {
	var req roomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	me := currentUser(c)
	room := domain.SessionID(strings.TrimSpace(req.Room))
	if room == "" {
		derived, err := domain.DeriveSessionID(me.ID, domain.UserID(req.Peer))
		if err != nil {
			c.JSON(stdhttp.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		room = derived
	}
	if !livekit.IsParticipant(room, me.ID) {
		c.JSON(stdhttp.StatusForbidden, gin.H{"error": "not a participant of room"})
		return
	}
	if err := h.deps.Rooms.CreateRoom(c.Request.Context(), room); err != nil {
		fail(c, err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"room": room})
}

func (h *handler) speechToken(c *gin.Context) {
	if h.speech.Key == "" {
		c.JSON(stdhttp.StatusServiceUnavailable, gin.H{"error": "speech not configured"})
		return
	}
	c.JSON(stdhttp.StatusOK, h.speech)
}

func (h *handler) online(c *gin.Context) {
	ids := h.deps.Presence.CurrentOnlineUsers()
	if ids == nil {
		ids = []domain.UserID{}
	}
	c.JSON(stdhttp.StatusOK, gin.H{"users": ids})
}

func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	failed := gin.H{}
	for _, hc := range h.deps.Health {
		if err := hc.Check(ctx); err != nil {
			failed[hc.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(stdhttp.StatusServiceUnavailable, gin.H{"status": "degraded", "failed": failed})
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"status": "ok"})
}
