package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Ring/internal/app"
	"github.com/dkeye/Ring/internal/app/presence"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

var errFakeClosed = errors.New("fake ws closed")

type fakeWS struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeWS() *fakeWS {
	return &fakeWS{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return websocket.TextMessage, b, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	}
}

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return errFakeClosed
	}
}

func (f *fakeWS) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeWS) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeWS) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeWS) SetReadLimit(int64)                        {}
func (f *fakeWS) SetPongHandler(func(string) error)         {}

func (f *fakeWS) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeWS) write(t *testing.T, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	f.in <- b
}

type frame struct {
	Type   string           `json:"type"`
	Error  string           `json:"error"`
	Users  []domain.User    `json:"users"`
	From   domain.UserID    `json:"from"`
	To     domain.UserID    `json:"to"`
	Room   domain.SessionID `json:"room"`
	Mode   domain.CallMode  `json:"mode"`
	Reason string           `json:"reason"`
	Auto   bool             `json:"auto"`
}

// next skips frames until one of type typ arrives.
func (f *fakeWS) next(t *testing.T, typ string) frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-f.out:
			var fr frame
			require.NoError(t, json.Unmarshal(b, &fr))
			if fr.Type == typ {
				return fr
			}
		case <-deadline:
			t.Fatalf("no %q frame", typ)
		}
	}
}

// nextOnline waits for an online snapshot with exactly n users.
func (f *fakeWS) nextOnline(t *testing.T, n int) []domain.User {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-f.out:
			var fr frame
			require.NoError(t, json.Unmarshal(b, &fr))
			if fr.Type == core.SignalOnlineUsers && len(fr.Users) == n {
				return fr.Users
			}
		case <-deadline:
			t.Fatalf("no online snapshot with %d users", n)
		}
	}
}

func (f *fakeWS) silent(t *testing.T, typ string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case b := <-f.out:
			var fr frame
			require.NoError(t, json.Unmarshal(b, &fr))
			require.NotEqual(t, typ, fr.Type)
		case <-deadline:
			return
		}
	}
}

type hub struct {
	ctl *SignalWSController
	reg *presence.Registry
	ctx context.Context
}

func newHub(t *testing.T, invites *InviteLimiter) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := presence.NewRegistry()
	return &hub{
		ctl: NewSignalWSController(reg, nil, invites, Options{}),
		reg: reg,
		ctx: ctx,
	}
}

func (h *hub) dial(authed domain.UserID) *fakeWS {
	f := newFakeWS()
	h.ctl.Serve(h.ctx, f, authed)
	return f
}

func (h *hub) online(t *testing.T, user domain.UserID) *fakeWS {
	t.Helper()
	f := newFakeWS()
	id := h.ctl.Serve(h.ctx, f, user)
	f.write(t, map[string]any{"type": core.SignalAnnounce, "user_id": user})
	require.Eventually(t, func() bool {
		got, ok := h.reg.UserOf(id)
		return ok && got == user
	}, time.Second, 5*time.Millisecond)
	return f
}

func TestAnnounceBroadcastsOnlineUsers(t *testing.T) {
	h := newHub(t, nil)

	a := h.online(t, "u1")
	users := a.nextOnline(t, 1)
	assert.Equal(t, domain.UserID("u1"), users[0].ID)
	assert.True(t, users[0].IsOnline)

	b := h.online(t, "u2")
	b.nextOnline(t, 2)
	users = a.nextOnline(t, 2)
	assert.ElementsMatch(t, []domain.UserID{"u1", "u2"}, []domain.UserID{users[0].ID, users[1].ID})
}

func TestAnnounceForeignUserIsForbidden(t *testing.T) {
	h := newHub(t, nil)
	a := h.dial("u1")

	a.write(t, map[string]any{"type": core.SignalAnnounce, "user_id": "u2"})
	assert.Equal(t, "forbidden", a.next(t, core.SignalError).Error)
	assert.False(t, h.reg.IsOnline("u2"))
}

func TestAnnounceDefaultsToAuthenticatedUser(t *testing.T) {
	h := newHub(t, nil)
	a := h.dial("u1")

	a.write(t, map[string]any{"type": core.SignalAnnounce})
	require.Eventually(t, func() bool { return h.reg.IsOnline("u1") }, time.Second, 5*time.Millisecond)
}

func TestPingPong(t *testing.T) {
	h := newHub(t, nil)
	a := h.dial("")

	a.write(t, map[string]any{"type": core.SignalPing})
	a.next(t, core.SignalPong)

	a.in <- []byte("{not json")
	assert.Equal(t, "bad_payload", a.next(t, core.SignalError).Error)

	a.write(t, map[string]any{"type": "join"})
	assert.Equal(t, "unknown_type", a.next(t, core.SignalError).Error)
}

func TestInviteIsRelayedWithServerStampedSender(t *testing.T) {
	h := newHub(t, nil)
	a := h.online(t, "u1")
	b := h.online(t, "u2")

	a.write(t, core.Signal{Type: core.SignalInvite, From: "mallory", To: "u2", Room: "u1_u2"})

	got := b.next(t, core.SignalInvite)
	assert.Equal(t, domain.UserID("u1"), got.From)
	assert.Equal(t, domain.SessionID("u1_u2"), got.Room)
	assert.Equal(t, domain.ModeVoice, got.Mode)

	b.write(t, core.Signal{Type: core.SignalAccept, To: "u1", Room: "u1_u2"})
	assert.Equal(t, domain.UserID("u2"), a.next(t, core.SignalAccept).From)
}

func TestInviteToOfflineUserIsRejected(t *testing.T) {
	h := newHub(t, nil)
	a := h.online(t, "u1")

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u9", Room: "u1_u9", Mode: domain.ModeVideo})

	got := a.next(t, core.SignalReject)
	assert.Equal(t, domain.UserID("u9"), got.From)
	assert.Equal(t, "unavailable", got.Reason)
}

func TestCallFrameValidation(t *testing.T) {
	h := newHub(t, nil)

	anon := h.dial("")
	anon.write(t, core.Signal{Type: core.SignalInvite, To: "u2", Room: "u1_u2"})
	assert.Equal(t, "not_announced", anon.next(t, core.SignalError).Error)

	a := h.online(t, "u1")
	b := h.online(t, "u2")

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u2", Room: "u2_u3"})
	assert.Equal(t, "invalid_room", a.next(t, core.SignalError).Error)

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u1", Room: "u1_u1"})
	assert.Equal(t, "invalid_target", a.next(t, core.SignalError).Error)

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u2", Room: "u1_u2", Mode: "hologram"})
	assert.Equal(t, "invalid_mode", a.next(t, core.SignalError).Error)

	b.silent(t, core.SignalInvite)
}

func TestInviteRateLimit(t *testing.T) {
	h := newHub(t, NewInviteLimiter(1, time.Minute))
	a := h.online(t, "u1")
	b := h.online(t, "u2")

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u2", Room: "u1_u2"})
	b.next(t, core.SignalInvite)

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u2", Room: "u1_u2"})
	assert.Equal(t, "rate_limited", a.next(t, core.SignalError).Error)

	// hangups are never limited
	a.write(t, core.Signal{Type: core.SignalHangup, To: "u2", Room: "u1_u2"})
	b.next(t, core.SignalHangup)
}

func TestAcceptStopsRingingOnOtherDevices(t *testing.T) {
	h := newHub(t, nil)
	a := h.online(t, "u1")
	phone := h.online(t, "u2")
	laptop := h.online(t, "u2")

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u2", Room: "u1_u2"})
	phone.next(t, core.SignalInvite)
	laptop.next(t, core.SignalInvite)

	phone.write(t, core.Signal{Type: core.SignalAccept, To: "u1", Room: "u1_u2"})
	a.next(t, core.SignalAccept)

	got := laptop.next(t, core.SignalHangup)
	assert.Equal(t, domain.UserID("u1"), got.From)
	assert.Equal(t, "answered_elsewhere", got.Reason)
	phone.silent(t, core.SignalHangup)
}

func TestBusyDeviceDoesNotEndCallRingingElsewhere(t *testing.T) {
	h := newHub(t, nil)
	a := h.online(t, "u1")
	busy := h.online(t, "u2")
	free := h.online(t, "u2")

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u2", Room: "u1_u2"})
	busy.next(t, core.SignalInvite)
	free.next(t, core.SignalInvite)

	busy.write(t, core.Signal{Type: core.SignalReject, To: "u1", Room: "u1_u2", Reason: "busy", Auto: true})
	a.silent(t, core.SignalReject)
	free.silent(t, core.SignalHangup)

	free.write(t, core.Signal{Type: core.SignalAccept, To: "u1", Room: "u1_u2"})
	got := a.next(t, core.SignalAccept)
	assert.Equal(t, domain.UserID("u2"), got.From)
	a.silent(t, core.SignalReject)
}

func TestLastAutoRejectReachesCaller(t *testing.T) {
	h := newHub(t, nil)
	a := h.online(t, "u1")
	phone := h.online(t, "u2")
	laptop := h.online(t, "u2")

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u2", Room: "u1_u2"})
	phone.next(t, core.SignalInvite)
	laptop.next(t, core.SignalInvite)

	phone.write(t, core.Signal{Type: core.SignalReject, To: "u1", Room: "u1_u2", Reason: "busy", Auto: true})
	a.silent(t, core.SignalReject)

	laptop.write(t, core.Signal{Type: core.SignalReject, To: "u1", Room: "u1_u2", Reason: "unavailable", Auto: true})
	got := a.next(t, core.SignalReject)
	assert.Equal(t, "unavailable", got.Reason)
	assert.True(t, got.Auto)
	phone.silent(t, core.SignalHangup)
}

func TestExplicitRejectStopsRingingOnOtherDevices(t *testing.T) {
	h := newHub(t, nil)
	a := h.online(t, "u1")
	phone := h.online(t, "u2")
	laptop := h.online(t, "u2")

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u2", Room: "u1_u2"})
	phone.next(t, core.SignalInvite)
	laptop.next(t, core.SignalInvite)

	phone.write(t, core.Signal{Type: core.SignalReject, To: "u1", Room: "u1_u2", Reason: "declined"})
	assert.Equal(t, "declined", a.next(t, core.SignalReject).Reason)
	assert.Equal(t, "answered_elsewhere", laptop.next(t, core.SignalHangup).Reason)
}

func TestLastRingingDeviceLeavingRejectsCall(t *testing.T) {
	h := newHub(t, nil)
	a := h.online(t, "u1")
	phone := h.online(t, "u2")
	laptop := h.online(t, "u2")

	a.write(t, core.Signal{Type: core.SignalInvite, To: "u2", Room: "u1_u2"})
	phone.next(t, core.SignalInvite)
	laptop.next(t, core.SignalInvite)

	phone.write(t, core.Signal{Type: core.SignalReject, To: "u1", Room: "u1_u2", Reason: "busy", Auto: true})
	a.silent(t, core.SignalReject)

	_ = laptop.Close()
	got := a.next(t, core.SignalReject)
	assert.Equal(t, domain.UserID("u2"), got.From)
	assert.Equal(t, "unavailable", got.Reason)
}

func TestDisconnectRemovesUser(t *testing.T) {
	h := newHub(t, nil)
	a := h.online(t, "u1")
	b := h.online(t, "u2")
	a.nextOnline(t, 2)

	_ = a.Close()

	users := b.nextOnline(t, 1)
	assert.Equal(t, domain.UserID("u2"), users[0].ID)
	require.Eventually(t, func() bool { return h.ctl.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.reg.IsOnline("u1"))
}

func TestCloseAllTakesEveryoneOffline(t *testing.T) {
	h := newHub(t, nil)
	h.online(t, "u1")
	h.online(t, "u2")

	h.ctl.CloseAll()

	require.Eventually(t, func() bool { return h.ctl.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.reg.CurrentOnlineUsers())
}

func TestBackpressureKicksSlowConnection(t *testing.T) {
	reg := presence.NewRegistry()
	ctl := NewSignalWSController(reg, app.SimplePolicy{MaxDropped: 2}, nil, Options{SendQueue: 1})
	f := newFakeWS()
	c := newConn("c1", "", f, 1)

	ctl.sendFrame(c, core.Frame(`{}`))
	ctl.sendFrame(c, core.Frame(`{}`))
	assert.Equal(t, ErrBackpressure, c.TrySend(core.Frame(`{}`)), "dropped once, still open")

	ctl.sendFrame(c, core.Frame(`{}`))
	assert.Equal(t, ErrConnClosed, c.TrySend(core.Frame(`{}`)))
	select {
	case <-f.closed:
	default:
		t.Fatal("socket not closed")
	}
}

func TestInviteLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewInviteLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u1"))
	assert.False(t, rl.Allow("u1"))
	assert.True(t, rl.Allow("u2"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("u1"))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, rl.Prune())
	assert.Equal(t, 0, rl.Prune())
}
