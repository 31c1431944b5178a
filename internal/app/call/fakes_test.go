package call

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Ring/internal/app/tracks"
	"github.com/dkeye/Ring/internal/app/transcribe"
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

// credentials

type fakeCreds struct {
	id   domain.UserID
	name string

	mu       sync.Mutex
	voiceErr error
	voice    int
	rooms    []domain.SessionID
}

func (f *fakeCreds) VoiceCredential(context.Context) (core.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voice++
	if f.voiceErr != nil {
		return core.Credential{}, f.voiceErr
	}
	return core.Credential{Identity: f.id, Name: f.name, Token: "voice-" + string(f.id)}, nil
}

func (f *fakeCreds) VideoCredential(_ context.Context, room domain.SessionID) (core.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, room)
	return core.Credential{Identity: f.id, Name: f.name, Room: room, Token: "video-" + string(room)}, nil
}

func (f *fakeCreds) voiceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voice
}

// signaling

// hub relays signals between coordinators the way the server does: From is
// stamped by the hub, every announce triggers an online snapshot.
type hub struct {
	mu    sync.Mutex
	peers map[domain.UserID]*Coordinator
	sent  []core.Signal
}

func newHub() *hub { return &hub{peers: make(map[domain.UserID]*Coordinator)} }

func (h *hub) signaler() *hubSignaler { return &hubSignaler{h: h} }

func (h *hub) signals() []core.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.Signal(nil), h.sent...)
}

func (h *hub) find(typ string, from, to domain.UserID) (core.Signal, bool) {
	for _, s := range h.signals() {
		if s.Type == typ && s.From == from && s.To == to {
			return s, true
		}
	}
	return core.Signal{}, false
}

type hubSignaler struct {
	h    *hub
	c    *Coordinator
	mu   sync.Mutex
	self domain.UserID
	fail error
}

func (s *hubSignaler) Announce(_ context.Context, user domain.UserID) error {
	s.mu.Lock()
	if s.fail != nil {
		s.mu.Unlock()
		return s.fail
	}
	s.self = user
	s.mu.Unlock()

	s.h.mu.Lock()
	s.h.peers[user] = s.c
	var users []domain.User
	var peers []*Coordinator
	for id, c := range s.h.peers {
		users = append(users, domain.User{ID: id, Name: nameOf(id), IsOnline: true})
		peers = append(peers, c)
	}
	s.h.mu.Unlock()

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	for _, c := range peers {
		c.OnOnlineUsers(users)
	}
	return nil
}

func (s *hubSignaler) Send(_ context.Context, sig core.Signal) error {
	s.mu.Lock()
	sig.From = s.self
	s.mu.Unlock()

	s.h.mu.Lock()
	s.h.sent = append(s.h.sent, sig)
	target := s.h.peers[sig.To]
	s.h.mu.Unlock()

	if target == nil {
		return errors.New("peer offline")
	}
	target.OnSignal(sig)
	return nil
}

func nameOf(id domain.UserID) string {
	switch id {
	case "u1":
		return "alice"
	case "u2":
		return "bob"
	}
	return ""
}

// media relay

type fakeTrack struct {
	id    string
	kind  domain.TrackKind
	owner core.Participant

	mu    sync.Mutex
	taps  map[string]core.PacketWriter
	stops int
}

func newFakeTrack(id string, kind domain.TrackKind, owner core.Participant) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, owner: owner, taps: make(map[string]core.PacketWriter)}
}

func (t *fakeTrack) ID() string                    { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind        { return t.kind }
func (t *fakeTrack) Participant() core.Participant { return t.owner }

func (t *fakeTrack) AddTap(key string, w core.PacketWriter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.taps[key] = w
}

func (t *fakeTrack) RemoveTap(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.taps, key)
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return nil
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type relay struct {
	mu         sync.Mutex
	rooms      map[domain.SessionID][]*fakeSession
	sessions   []*fakeSession
	gate       chan struct{}
	connectErr error
	audioIDs   map[domain.UserID]string
}

func newRelay() *relay {
	return &relay{
		rooms:    make(map[domain.SessionID][]*fakeSession),
		audioIDs: make(map[domain.UserID]string),
	}
}

func (r *relay) Connect(_ context.Context, cred core.Credential, events core.MediaEvents) (core.MediaSession, error) {
	r.mu.Lock()
	gate, cerr := r.gate, r.connectErr
	r.mu.Unlock()
	if gate != nil {
		// the SDK finishes the join even when the caller gave up
		<-gate
	}
	if cerr != nil {
		return nil, cerr
	}

	s := &fakeSession{
		relay:  r,
		room:   cred.Room,
		p:      core.Participant{Identity: cred.Identity, Name: cred.Name},
		events: events,
	}
	r.mu.Lock()
	others := append([]*fakeSession(nil), r.rooms[cred.Room]...)
	r.rooms[cred.Room] = append(r.rooms[cred.Room], s)
	r.sessions = append(r.sessions, s)
	views := make([][]core.MediaTrack, len(others))
	for i, o := range others {
		views[i] = o.remoteViews()
	}
	r.mu.Unlock()

	for i, o := range others {
		o.events.ParticipantConnected(s.p, nil)
		events.ParticipantConnected(o.p, views[i])
	}
	return s, nil
}

func (r *relay) sessionOf(id domain.UserID) *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sessions) - 1; i >= 0; i-- {
		if r.sessions[i].p.Identity == id {
			return r.sessions[i]
		}
	}
	return nil
}

func (r *relay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type fakeSession struct {
	relay  *relay
	room   domain.SessionID
	p      core.Participant
	events core.MediaEvents

	mu          sync.Mutex
	local       []*fakeTrack
	mic         []bool
	cam         []bool
	disconnects int
}

func (s *fakeSession) remoteViews() []core.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.MediaTrack, 0, len(s.local))
	for _, t := range s.local {
		out = append(out, newFakeTrack(t.id, t.kind, t.owner))
	}
	return out
}

func (s *fakeSession) PublishLocal(mode domain.CallMode) ([]core.MediaTrack, error) {
	s.relay.mu.Lock()
	audioID := s.relay.audioIDs[s.p.Identity]
	s.relay.mu.Unlock()
	if audioID == "" {
		audioID = "TR_" + string(s.p.Identity) + "_audio"
	}

	local := []*fakeTrack{newFakeTrack(audioID, domain.TrackAudio, s.p)}
	if mode == domain.ModeVideo {
		local = append(local, newFakeTrack("TR_"+string(s.p.Identity)+"_video", domain.TrackVideo, s.p))
	}
	// publish before looking for peers so a peer joining concurrently sees
	// the tracks in its join snapshot at worst twice, never zero times
	s.mu.Lock()
	s.local = local
	s.mu.Unlock()

	s.relay.mu.Lock()
	var others []*fakeSession
	for _, o := range s.relay.rooms[s.room] {
		if o != s {
			others = append(others, o)
		}
	}
	s.relay.mu.Unlock()

	for _, o := range others {
		for _, t := range local {
			o.events.TrackSubscribed(newFakeTrack(t.id, t.kind, t.owner))
		}
	}
	out := make([]core.MediaTrack, 0, len(local))
	for _, t := range local {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeSession) SetMicrophoneEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mic = append(s.mic, enabled)
	return nil
}

func (s *fakeSession) SetCameraEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cam = append(s.cam, enabled)
	return nil
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	s.disconnects++
	first := s.disconnects == 1
	local := append([]*fakeTrack(nil), s.local...)
	s.mu.Unlock()
	if !first {
		return
	}

	s.relay.mu.Lock()
	var others []*fakeSession
	kept := s.relay.rooms[s.room][:0]
	for _, o := range s.relay.rooms[s.room] {
		if o != s {
			kept = append(kept, o)
			others = append(others, o)
		}
	}
	s.relay.rooms[s.room] = kept
	s.relay.mu.Unlock()

	for _, o := range others {
		for _, t := range local {
			o.events.TrackUnsubscribed(t.id)
		}
		o.events.ParticipantDisconnected(s.p)
	}
}

func (s *fakeSession) published() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.local) > 0
}

func (s *fakeSession) micCalls() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.mic...)
}

func (s *fakeSession) disconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

// transcription

type fakeRecognizer struct {
	mu       sync.Mutex
	stops    int
	stopErr  error
	panicky  bool
	onResult func(transcribe.Result)
}

func (r *fakeRecognizer) WriteRTP(*rtp.Packet) error { return nil }

func (r *fakeRecognizer) Start(_ context.Context, onResult func(transcribe.Result), _ func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResult = onResult
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	r.stops++
	panicky, err := r.panicky, r.stopErr
	r.mu.Unlock()
	if panicky {
		panic("engine crashed")
	}
	return err
}

func (r *fakeRecognizer) say(text string) {
	r.mu.Lock()
	cb := r.onResult
	r.mu.Unlock()
	cb(transcribe.Result{Text: text, Final: true})
}

type fakeEngine struct {
	mu      sync.Mutex
	recs    map[string]*fakeRecognizer
	stopErr error
	panicky bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{recs: make(map[string]*fakeRecognizer)} }

func (e *fakeEngine) NewRecognizer(_ context.Context, trackID string) (transcribe.Recognizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := &fakeRecognizer{stopErr: e.stopErr, panicky: e.panicky}
	e.recs[trackID] = r
	return r, nil
}

func (e *fakeEngine) rec(trackID string) *fakeRecognizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recs[trackID]
}

// sinks

type failingElement struct{ panics bool }

func (e failingElement) Remove() error {
	if e.panics {
		panic("element already gone")
	}
	return errors.New("remove failed")
}

// failingContainer mounts elements that fail on removal.
type failingContainer struct{}

func (failingContainer) Name() string { return "failing" }

func (failingContainer) Mount(core.MediaTrack) ([]tracks.Element, error) {
	return []tracks.Element{failingElement{}, failingElement{panics: true}}, nil
}

// harness

func start(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	c := New(cfg)
	if hs, ok := cfg.Signaler.(*hubSignaler); ok {
		hs.c = c
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.Snapshot().State == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", want)
}

func enable(t *testing.T, c *Coordinator) {
	t.Helper()
	require.NoError(t, c.Enable(context.Background()))
	waitState(t, c, StateReady)
}
