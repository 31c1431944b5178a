package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Ring/internal/domain"
)

type fakeServer struct {
	mu         sync.Mutex
	calls      []string
	auth       []string
	roomStatus int
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls = append(f.calls, r.Method+" "+r.URL.RequestURI())
		f.auth = append(f.auth, r.Header.Get("Authorization"))
	}
	mux.HandleFunc("/api/token/voice", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_, _ = io.WriteString(w, `{"identity":"u1","name":"alice","token":"lk-voice","url":"wss://relay"}`)
	})
	mux.HandleFunc("/api/token/video/room", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if f.roomStatus != 0 {
			w.WriteHeader(f.roomStatus)
			_, _ = io.WriteString(w, `{"error":"relay down"}`)
			return
		}
		_, _ = io.WriteString(w, `{"room":"u1_u2"}`)
	})
	mux.HandleFunc("/api/token/video", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.URL.Query().Get("room") != "u1_u2" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":"not a participant"}`)
			return
		}
		_, _ = io.WriteString(w, `{"identity":"u1","token":"lk-video","url":"wss://relay","room":"u1_u2"}`)
	})
	mux.HandleFunc("/api/token/speech", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		_, _ = io.WriteString(w, `{"key":"sk","region":"eu"}`)
	})
	return mux
}

func TestCredentials(t *testing.T) {
	f := &fakeServer{}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	c := New(srv.URL+"/", "jwt-1")
	ctx := context.Background()

	voice, err := c.VoiceCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), voice.Identity)
	assert.Equal(t, "lk-voice", voice.Token)

	video, err := c.VideoCredential(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("u1_u2"), video.Room)

	speech, err := c.SpeechCredential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "eu", speech.Region)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{
		"GET /api/token/voice",
		"POST /api/token/video/room",
		"GET /api/token/video?room=u1_u2",
		"GET /api/token/speech",
	}, f.calls)
	for _, a := range f.auth {
		assert.Equal(t, "Bearer jwt-1", a)
	}
}

func TestVideoCredentialErrors(t *testing.T) {
	f := &fakeServer{roomStatus: http.StatusServiceUnavailable}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	c := New(srv.URL, "jwt-1")

	// a failed room create still fetches the token
	_, err := c.VideoCredential(context.Background(), "u1_u2")
	require.NoError(t, err)

	_, err = c.VideoCredential(context.Background(), "u2_u3")
	require.ErrorIs(t, err, domain.ErrCredential)
	assert.Contains(t, err.Error(), "not a participant")
}
