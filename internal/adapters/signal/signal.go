// Package signal is the server end of the signaling websocket: presence
// announcements in, online snapshots out, call-control frames relayed
// between the connections of two users.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/app"
	"github.com/dkeye/Ring/internal/app/presence"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

// UserKey is the gin context key the auth middleware stores the caller's id under.
const UserKey = "user_id"

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendQueue  int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 32
	}
	return o
}

type SignalWSController struct {
	Presence *presence.Registry
	Policy   app.Policy
	Invites  *InviteLimiter

	opts  Options
	mu    sync.RWMutex
	conns map[core.ConnID]*WsSignalConn

	ringMu  sync.Mutex
	ringing map[domain.SessionID]*ring
}

// NewSignalWSController registers itself as the registry's broadcaster.
func NewSignalWSController(reg *presence.Registry, policy app.Policy, invites *InviteLimiter, opts Options) *SignalWSController {
	if policy == nil {
		policy = app.SimplePolicy{MaxDropped: 8}
	}
	ctl := &SignalWSController{
		Presence: reg,
		Policy:   policy,
		Invites:  invites,
		opts:     opts.withDefaults(),
		conns:    make(map[core.ConnID]*WsSignalConn),
		ringing:  make(map[domain.SessionID]*ring),
	}
	reg.SetBroadcaster(ctl)
	return ctl
}

var ErrBackpressure = errors.New("backpressure")
var ErrConnClosed = errors.New("connection closed")

// wsConn is the slice of *websocket.Conn the pumps use.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	WriteControl(mt int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type WsSignalConn struct {
	id     core.ConnID
	authed domain.UserID
	conn   wsConn
	send   chan core.Frame

	mu      sync.RWMutex
	closed  bool
	dropped int
}

func newConn(id core.ConnID, authed domain.UserID, ws wsConn, queue int) *WsSignalConn {
	return &WsSignalConn{
		id:     id,
		authed: authed,
		conn:   ws,
		send:   make(chan core.Frame, queue),
	}
}

func (c *WsSignalConn) ID() core.ConnID { return c.id }

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// onDropped returns the number of consecutive frames lost so far.
func (c *WsSignalConn) onDropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped++
	return c.dropped
}

func (c *WsSignalConn) onDelivered() {
	c.mu.Lock()
	c.dropped = 0
	c.mu.Unlock()
}

var _ core.SignalConnection = (*WsSignalConn)(nil)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	authed := domain.UserID(c.GetString(UserKey))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ctl.Serve(ctx, ws, authed)
}

// Serve runs the pumps for an upgraded connection. authed, when set, is the
// only user id the connection may announce.
func (ctl *SignalWSController) Serve(ctx context.Context, ws wsConn, authed domain.UserID) core.ConnID {
	id := core.ConnID(uuid.NewString())
	conn := newConn(id, authed, ws, ctl.opts.SendQueue)
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("user", string(authed)).Msg("new WS connection")

	ctl.mu.Lock()
	ctl.conns[id] = conn
	ctl.mu.Unlock()
	ctl.Presence.OnConnect(id)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
	return id
}

func (ctl *SignalWSController) conn(id core.ConnID) (*WsSignalConn, bool) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	c, ok := ctl.conns[id]
	return c, ok
}

func (ctl *SignalWSController) forget(id core.ConnID) {
	ctl.mu.Lock()
	delete(ctl.conns, id)
	ctl.mu.Unlock()
}

func (ctl *SignalWSController) snapshot() []*WsSignalConn {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	out := make([]*WsSignalConn, 0, len(ctl.conns))
	for _, c := range ctl.conns {
		out = append(out, c)
	}
	return out
}

// Len is the number of open signaling connections.
func (ctl *SignalWSController) Len() int {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	return len(ctl.conns)
}

// CloseAll drops every connection; the read pumps unregister them.
func (ctl *SignalWSController) CloseAll() {
	for _, c := range ctl.snapshot() {
		c.Close()
	}
}
