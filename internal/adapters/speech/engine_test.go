package speech

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Ring/internal/app/transcribe"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

type service struct {
	srv *httptest.Server

	mu     sync.Mutex
	auth   string
	query  string
	frames int
}

// newService answers the first audio frame with an interim and a final turn
// and acknowledges Terminate with Termination.
func newService(t *testing.T) *service {
	s := &service{}
	up := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.auth = r.Header.Get("Authorization")
		s.query = r.URL.RawQuery
		s.mu.Unlock()
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(beginMessage{ID: "sess-1", Type: typeBegin})
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				s.mu.Lock()
				s.frames++
				first := s.frames == 1
				s.mu.Unlock()
				if first {
					_ = conn.WriteJSON(turnMessage{Type: typeTurn, Transcript: "hello"})
					_ = conn.WriteJSON(turnMessage{Type: typeTurn, Transcript: " "})
					_ = conn.WriteJSON(turnMessage{Type: typeTurn, Transcript: "hello bob", EndOfTurn: true})
				}
				continue
			}
			if strings.Contains(string(data), typeTerminate) {
				_ = conn.WriteJSON(terminationMessage{Type: typeTermination, AudioDurationSeconds: 1})
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *service) url() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/{region}/stream" }

type results struct {
	mu  sync.Mutex
	got []transcribe.Result
	err []error
}

func (r *results) onResult(res transcribe.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, res)
}

func (r *results) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = append(r.err, err)
}

func (r *results) snapshot() ([]transcribe.Result, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcribe.Result(nil), r.got...), append([]error(nil), r.err...)
}

func TestRecognizerStreamsTurns(t *testing.T) {
	svc := newService(t)
	engine := NewEngine(Config{URL: svc.url()}, func(context.Context) (core.SpeechCredential, error) {
		return core.SpeechCredential{Key: "k-123", Region: "eu"}, nil
	})

	rec, err := engine.NewRecognizer(context.Background(), "TR_a")
	require.NoError(t, err)
	res := &results{}
	require.NoError(t, rec.Start(context.Background(), res.onResult, res.onError))
	require.NoError(t, rec.WriteRTP(&rtp.Packet{Payload: []byte{0xf8, 0xff, 0xfe}}))

	require.Eventually(t, func() bool {
		got, _ := res.snapshot()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	got, errs := res.snapshot()
	assert.Equal(t, []transcribe.Result{{Text: "hello"}, {Text: "hello bob", Final: true}}, got)
	assert.Empty(t, errs)

	require.NoError(t, rec.Stop())
	require.NoError(t, rec.Stop())
	assert.ErrorIs(t, rec.WriteRTP(&rtp.Packet{Payload: []byte{1}}), ErrNotStarted)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, "k-123", svc.auth)
	assert.Contains(t, svc.query, "sample_rate=48000")
	assert.Contains(t, svc.query, "encoding=opus")
}

func TestStopBeforeStart(t *testing.T) {
	svc := newService(t)
	rec, err := NewEngine(Config{URL: svc.url()}, nil).NewRecognizer(context.Background(), "TR_a")
	require.NoError(t, err)
	require.NoError(t, rec.Stop())
	res := &results{}
	assert.ErrorIs(t, rec.Start(context.Background(), res.onResult, res.onError), ErrNotStarted)
}

func TestEngineNeedsURL(t *testing.T) {
	_, err := NewEngine(Config{}, nil).NewRecognizer(context.Background(), "TR_a")
	assert.ErrorIs(t, err, ErrNoURL)
}

func TestManagerTranscribesThroughEngine(t *testing.T) {
	svc := newService(t)
	m := transcribe.NewManager(NewEngine(Config{URL: svc.url()}, nil))
	trk := &audioTrack{id: "TR_b"}

	require.NoError(t, m.StartForTrack(context.Background(), trk, "bob"))
	trk.emit(&rtp.Packet{Payload: []byte{0xf8, 0xff, 0xfe}})

	require.Eventually(t, func() bool { return len(m.Transcript()) == 2 }, 2*time.Second, 10*time.Millisecond)
	lines := m.Transcript()
	assert.Equal(t, "bob", lines[1].Speaker)
	assert.True(t, lines[1].Final)
	m.StopAll()
}

type audioTrack struct {
	id   string
	mu   sync.Mutex
	taps map[string]core.PacketWriter
}

func (t *audioTrack) ID() string                    { return t.id }
func (t *audioTrack) Kind() domain.TrackKind        { return domain.TrackAudio }
func (t *audioTrack) Participant() core.Participant { return core.Participant{Identity: "u2"} }
func (t *audioTrack) Stop() error                   { return nil }

func (t *audioTrack) AddTap(key string, w core.PacketWriter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.taps == nil {
		t.taps = map[string]core.PacketWriter{}
	}
	t.taps[key] = w
}

func (t *audioTrack) RemoveTap(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.taps, key)
}

func (t *audioTrack) emit(p *rtp.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.taps {
		_ = w.WriteRTP(p)
	}
}
