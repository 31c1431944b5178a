// Package api is the caller's client for the server's HTTP endpoints.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusError is a non-2xx reply.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

type Client struct {
	base  string
	token string
	http  *http.Client
}

func New(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// WithToken returns a copy authenticated as token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

type Session struct {
	Token     string      `json:"token"`
	ExpiresIn int64       `json:"expires_in"`
	User      domain.User `json:"user"`
}

func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password}, &s)
	return s, err
}

func (c *Client) Register(ctx context.Context, name, email, password string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/auth/register", map[string]string{"name": name, "email": email, "password": password}, &s)
	return s, err
}

func (c *Client) Users(ctx context.Context) ([]domain.User, error) {
	var out struct {
		Users []domain.User `json:"users"`
	}
	err := c.do(ctx, http.MethodGet, "/api/auth/users", nil, &out)
	return out.Users, err
}

func (c *Client) VoiceCredential(ctx context.Context) (core.Credential, error) {
	var cred core.Credential
	if err := c.do(ctx, http.MethodGet, "/api/token/voice", nil, &cred); err != nil {
		return core.Credential{}, fmt.Errorf("%w: voice token: %v", domain.ErrCredential, err)
	}
	return cred, nil
}

// VideoCredential makes sure the room exists, then fetches a token scoped to it.
func (c *Client) VideoCredential(ctx context.Context, room domain.SessionID) (core.Credential, error) {
	if err := c.do(ctx, http.MethodPost, "/api/token/video/room", map[string]string{"room": room.String()}, nil); err != nil {
		// the relay also creates rooms on first join
		log.Warn().Err(err).Str("module", "api").Str("room", room.String()).Msg("room create failed")
	}
	var cred core.Credential
	path := "/api/token/video?room=" + url.QueryEscape(room.String())
	if err := c.do(ctx, http.MethodGet, path, nil, &cred); err != nil {
		return core.Credential{}, fmt.Errorf("%w: video token: %v", domain.ErrCredential, err)
	}
	return cred, nil
}

func (c *Client) SpeechCredential(ctx context.Context) (core.SpeechCredential, error) {
	var cred core.SpeechCredential
	if err := c.do(ctx, http.MethodGet, "/api/token/speech", nil, &cred); err != nil {
		return core.SpeechCredential{}, fmt.Errorf("%w: speech token: %v", domain.ErrCredential, err)
	}
	return cred, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
