package transcribe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

// Result is one interim or final hypothesis from a recognizer.
type Result struct {
	Text  string
	Final bool
}

// Recognizer consumes RTP from one audio track and reports text.
type Recognizer interface {
	core.PacketWriter
	Start(ctx context.Context, onResult func(Result), onError func(error)) error
	Stop() error
}

// Engine creates recognizers, one per audio track.
type Engine interface {
	NewRecognizer(ctx context.Context, trackID string) (Recognizer, error)
}

type State int32

const (
	StateIdle State = iota
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	default:
		return "stopped"
	}
}

// Line is one entry of the session transcript.
type Line struct {
	Seq     int       `json:"seq"`
	TrackID string    `json:"track_id"`
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	Final   bool      `json:"final"`
	At      time.Time `json:"at"`
}

type handle struct {
	trackID string
	speaker string
	track   core.MediaTrack
	rec     Recognizer
	cancel  context.CancelFunc
	state   atomic.Int32
}

func (h *handle) tapKey() string { return "stt:" + h.trackID }

// Manager runs one recognizer per audio track, local or remote, and merges
// their output into a single append-only transcript.
type Manager struct {
	engine Engine
	now    func() time.Time

	mu   sync.Mutex
	recs map[string]*handle

	tmu   sync.Mutex
	lines []Line

	// OnLine, when set, observes every appended line.
	OnLine func(Line)
}

func NewManager(engine Engine) *Manager {
	return &Manager{
		engine: engine,
		now:    time.Now,
		recs:   make(map[string]*handle),
	}
}

// StartForTrack starts recognition for an audio track. Video tracks and
// tracks that already have a recognizer are ignored.
func (m *Manager) StartForTrack(ctx context.Context, track core.MediaTrack, speaker string) error {
	h, ok := m.reserve(track, speaker)
	if !ok {
		return nil
	}
	return m.run(ctx, h)
}

// StartForTrackAsync reserves the recognizer slot synchronously and connects
// the engine in the background. A StopForTrack issued before the engine is
// up still wins.
func (m *Manager) StartForTrackAsync(ctx context.Context, track core.MediaTrack, speaker string) {
	h, ok := m.reserve(track, speaker)
	if !ok {
		return
	}
	go func() {
		if err := m.run(ctx, h); err != nil {
			log.Warn().Err(err).Str("module", "app.transcribe").Str("track", h.trackID).Msg("recognizer not started")
		}
	}()
}

func (m *Manager) reserve(track core.MediaTrack, speaker string) (*handle, bool) {
	if m.engine == nil || track.Kind() != domain.TrackAudio {
		return nil, false
	}
	id := track.ID()
	speaker = strings.TrimSpace(speaker)
	if speaker == "" {
		speaker = domain.UnknownSpeaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; ok {
		return nil, false
	}
	h := &handle{trackID: id, speaker: speaker, track: track}
	m.recs[id] = h
	return h, true
}

func (m *Manager) run(ctx context.Context, h *handle) error {
	id := h.trackID
	rec, err := m.engine.NewRecognizer(ctx, id)
	if err != nil {
		m.forget(h)
		return fmt.Errorf("%w: create recognizer for %s: %v", domain.ErrRecognition, id, err)
	}
	h.rec = rec

	rctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	onResult := func(r Result) { m.append(h, r) }
	onError := func(err error) {
		log.Warn().
			Err(fmt.Errorf("%w: %v", domain.ErrRecognition, err)).
			Str("module", "app.transcribe").
			Str("track", id).
			Msg("recognizer error")
	}
	if err := rec.Start(rctx, onResult, onError); err != nil {
		cancel()
		m.forget(h)
		_ = safely(rec.Stop)
		return fmt.Errorf("%w: start recognizer for %s: %v", domain.ErrRecognition, id, err)
	}

	m.mu.Lock()
	cur, still := m.recs[id]
	kept := still && cur == h
	m.mu.Unlock()
	if !kept || !h.state.CompareAndSwap(int32(StateIdle), int32(StateListening)) {
		// stopped while starting
		cancel()
		_ = safely(rec.Stop)
		return nil
	}
	h.track.AddTap(h.tapKey(), rec)
	if State(h.state.Load()) == StateStopped {
		// StopForTrack ran between the swap and AddTap and found no tap
		h.track.RemoveTap(h.tapKey())
		return nil
	}

	log.Info().
		Str("module", "app.transcribe").
		Str("track", id).
		Str("speaker", h.speaker).
		Msg("recognizer listening")
	return nil
}

func (m *Manager) forget(h *handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.recs[h.trackID]; ok && cur == h {
		delete(m.recs, h.trackID)
	}
}

// StopForTrack stops and forgets the recognizer of a track. Unknown ids are a no-op.
func (m *Manager) StopForTrack(trackID string) {
	m.mu.Lock()
	h, ok := m.recs[trackID]
	if ok {
		delete(m.recs, trackID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	prev := State(h.state.Swap(int32(StateStopped)))
	if prev == StateStopped {
		return
	}
	if prev == StateIdle {
		// StartForTrack sees the stopped state and cleans up itself
		return
	}
	h.track.RemoveTap(h.tapKey())
	if h.cancel != nil {
		h.cancel()
	}
	if err := safely(h.rec.Stop); err != nil {
		log.Warn().
			Err(fmt.Errorf("%w: %v", domain.ErrRecognition, err)).
			Str("module", "app.transcribe").
			Str("track", trackID).
			Msg("recognizer stop failed")
	}
	log.Info().Str("module", "app.transcribe").Str("track", trackID).Msg("recognizer stopped")
}

// StopAll stops every recognizer. Already stopped recognizers are skipped.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.recs))
	for id := range m.recs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopForTrack(id)
	}
}

// State reports the recognizer state of a track. Tracks without a recognizer
// report StateStopped and false.
func (m *Manager) State(trackID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.recs[trackID]
	if !ok {
		return StateStopped, false
	}
	return State(h.state.Load()), true
}

// Listening counts recognizers currently consuming audio.
func (m *Manager) Listening() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.recs {
		if State(h.state.Load()) == StateListening {
			n++
		}
	}
	return n
}

func (m *Manager) append(h *handle, r Result) {
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return
	}
	m.tmu.Lock()
	line := Line{
		Seq:     len(m.lines) + 1,
		TrackID: h.trackID,
		Speaker: h.speaker,
		Text:    text,
		Final:   r.Final,
		At:      m.now(),
	}
	m.lines = append(m.lines, line)
	observer := m.OnLine
	m.tmu.Unlock()

	if observer != nil {
		observer(line)
	}
}

// Transcript returns a copy of the lines appended so far.
func (m *Manager) Transcript() []Line {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	out := make([]Line, len(m.lines))
	copy(out, m.lines)
	return out
}

// Reset clears the transcript for a new session.
func (m *Manager) Reset() {
	m.tmu.Lock()
	defer m.tmu.Unlock()
	m.lines = nil
}

func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
