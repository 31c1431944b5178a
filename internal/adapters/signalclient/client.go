// Package signalclient is the caller side of the signaling websocket.
package signalclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrNotConnected = errors.New("signaling not connected")

const writeWait = 5 * time.Second

// Handler receives inbound signaling. The call coordinator implements it.
type Handler interface {
	OnSignal(sig core.Signal)
	OnOnlineUsers(users []domain.User)
	OnSignalOpened()
	OnSignalClosed(err error)
}

type Config struct {
	URL        string        `mapstructure:"url"`
	MinBackoff time.Duration `mapstructure:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// Client keeps one websocket to the server open, redialing with backoff.
type Client struct {
	cfg     Config
	token   string
	dialer  *websocket.Dialer
	handler Handler

	mu   sync.Mutex
	conn *websocket.Conn
	user domain.UserID
}

func New(cfg Config, token string, h Handler) *Client {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{cfg: cfg, token: token, dialer: websocket.DefaultDialer, handler: h}
}

// SetHandler must be called before Run.
func (c *Client) SetHandler(h Handler) { c.handler = h }

// Run dials and serves the socket until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			backoff = c.cfg.MinBackoff
			err = c.serve(ctx, conn)
			c.handler.OnSignalClosed(err)
		} else {
			log.Warn().Err(err).Str("module", "signalclient").Dur("retry_in", backoff).Msg("dial failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	log.Info().Str("module", "signalclient").Str("url", c.cfg.URL).Msg("signaling connected")
	return conn, nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.user = ""
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.handler.OnSignalOpened()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var env struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signalclient").Msg("bad frame")
		return
	}
	switch env.Type {
	case core.SignalOnlineUsers:
		var m core.OnlineUsers
		if err := json.Unmarshal(data, &m); err != nil {
			log.Warn().Err(err).Str("module", "signalclient").Msg("bad online_users frame")
			return
		}
		c.handler.OnOnlineUsers(m.Users)
	case core.SignalInvite, core.SignalAccept, core.SignalReject, core.SignalHangup:
		var sig core.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			log.Warn().Err(err).Str("module", "signalclient").Msg("bad call frame")
			return
		}
		c.handler.OnSignal(sig)
	case core.SignalError:
		log.Warn().Str("module", "signalclient").Str("error", env.Error).Msg("server error")
	case core.SignalPong:
	default:
		log.Debug().Str("module", "signalclient").Str("type", env.Type).Msg("ignoring frame")
	}
}

// Announce registers user on the current connection.
func (c *Client) Announce(ctx context.Context, user domain.UserID) error {
	err := c.write(ctx, struct {
		Type   string        `json:"type"`
		UserID domain.UserID `json:"user_id"`
	}{Type: core.SignalAnnounce, UserID: user})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.user = user
	c.mu.Unlock()
	return nil
}

func (c *Client) Send(ctx context.Context, sig core.Signal) error {
	return c.write(ctx, sig)
}

// Ping asks the server for a pong, which the read loop swallows.
func (c *Client) Ping(ctx context.Context) error {
	return c.write(ctx, struct {
		Type string `json:"type"`
	}{Type: core.SignalPing})
}

func (c *Client) write(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signal write: %w", err)
	}
	return nil
}

// Announced is the user registered on the live connection, if any.
func (c *Client) Announced() domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}
