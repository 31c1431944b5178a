// Package speech streams call audio to a websocket recognition service.
package speech

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/app/transcribe"
	"github.com/dkeye/Ring/internal/core"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrNotStarted = errors.New("recognizer not started")
	ErrNoURL      = errors.New("speech url not configured")
)

const (
	writeWait   = 5 * time.Second
	stopTimeout = 3 * time.Second
	audioQueue  = 256
)

type Config struct {
	// URL may contain {region}, filled from the speech credential.
	URL        string `mapstructure:"url"`
	SampleRate int    `mapstructure:"sample_rate"`
	Encoding   string `mapstructure:"encoding"`
}

// CredentialFunc fetches a fresh speech credential per recognizer.
type CredentialFunc func(ctx context.Context) (core.SpeechCredential, error)

type Engine struct {
	cfg    Config
	creds  CredentialFunc
	dialer *websocket.Dialer
}

func NewEngine(cfg Config, creds CredentialFunc) *Engine {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "opus"
	}
	return &Engine{cfg: cfg, creds: creds, dialer: websocket.DefaultDialer}
}

func (e *Engine) NewRecognizer(ctx context.Context, trackID string) (transcribe.Recognizer, error) {
	if e.cfg.URL == "" {
		return nil, ErrNoURL
	}
	var cred core.SpeechCredential
	if e.creds != nil {
		var err error
		if cred, err = e.creds(ctx); err != nil {
			return nil, fmt.Errorf("speech credential: %w", err)
		}
	}
	u, err := url.Parse(strings.ReplaceAll(e.cfg.URL, "{region}", cred.Region))
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(e.cfg.SampleRate))
	q.Set("encoding", e.cfg.Encoding)
	u.RawQuery = q.Encode()

	return &Recognizer{
		trackID: trackID,
		url:     u.String(),
		key:     cred.Key,
		dialer:  e.dialer,
		audio:   make(chan []byte, audioQueue),
		done:    make(chan struct{}),
	}, nil
}

// Recognizer streams one track's Opus payloads and reports turns.
type Recognizer struct {
	trackID string
	url     string
	key     string
	dialer  *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool

	audio chan []byte
	done  chan struct{} // closed when the read loop exits
	once  sync.Once
}

func (r *Recognizer) Start(ctx context.Context, onResult func(transcribe.Result), onError func(error)) error {
	header := http.Header{}
	if r.key != "" {
		header.Set("Authorization", r.key)
	}
	conn, _, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		return fmt.Errorf("dial speech: %w", err)
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = conn.Close()
		return ErrNotStarted
	}
	r.conn = conn
	r.mu.Unlock()

	go r.writeLoop(ctx)
	go r.readLoop(onResult, onError)
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Stop()
		case <-r.done:
		}
	}()
	return nil
}

// WriteRTP queues the packet payload; packets are dropped while the
// service is behind.
func (r *Recognizer) WriteRTP(p *rtp.Packet) error {
	select {
	case <-r.done:
		return ErrNotStarted
	default:
	}
	if len(p.Payload) == 0 {
		return nil
	}
	buf := append([]byte(nil), p.Payload...)
	select {
	case r.audio <- buf:
	default:
		log.Debug().Str("module", "speech").Str("track", r.trackID).Msg("audio queue full, dropping packet")
	}
	return nil
}

func (r *Recognizer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case buf := <-r.audio:
			if err := r.write(websocket.BinaryMessage, buf); err != nil {
				return
			}
		}
	}
}

func (r *Recognizer) write(kind int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ErrNotStarted
	}
	_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return r.conn.WriteMessage(kind, data)
}

func (r *Recognizer) readLoop(onResult func(transcribe.Result), onError func(error)) {
	defer close(r.done)
	logger := log.With().Str("module", "speech").Str("track", r.trackID).Logger()
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !r.isStopped() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				onError(err)
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			onError(fmt.Errorf("bad message: %w", err))
			continue
		}
		switch env.Type {
		case typeBegin:
			var m beginMessage
			_ = json.Unmarshal(data, &m)
			logger.Debug().Str("session", m.ID).Msg("recognition session started")
		case typeTurn:
			var m turnMessage
			if err := json.Unmarshal(data, &m); err != nil {
				onError(fmt.Errorf("bad turn: %w", err))
				continue
			}
			if strings.TrimSpace(m.Transcript) == "" {
				continue
			}
			onResult(transcribe.Result{Text: m.Transcript, Final: m.EndOfTurn})
		case typeTermination:
			var m terminationMessage
			_ = json.Unmarshal(data, &m)
			logger.Debug().Float64("audio_seconds", m.AudioDurationSeconds).Msg("recognition session terminated")
			return
		default:
			logger.Debug().Str("type", env.Type).Msg("ignoring message")
		}
	}
}

func (r *Recognizer) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Stop asks the service to terminate and closes the socket. Safe to call
// more than once, and before Start.
func (r *Recognizer) Stop() error {
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		r.stopped = true
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			close(r.done)
			return
		}
		msg, _ := json.Marshal(terminateMessage{Type: typeTerminate})
		if werr := r.write(websocket.TextMessage, msg); werr == nil {
			select {
			case <-r.done:
			case <-time.After(stopTimeout):
			}
		}
		err = conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
