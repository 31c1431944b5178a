package tracks

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

type HandleState int32

const (
	HandleAttached HandleState = iota
	HandleDetached
)

// Handle records the elements one attach produced so detach can remove
// exactly those.
type Handle struct {
	TrackID   string
	Kind      domain.TrackKind
	Owner     core.Participant
	Container string

	track    core.MediaTrack
	elements []Element
	state    atomic.Int32
}

func (h *Handle) State() HandleState { return HandleState(h.state.Load()) }

// Elements returns the number of elements recorded against the handle.
func (h *Handle) Elements() int { return len(h.elements) }

// HandleInfo is a read-only view of an attached track.
type HandleInfo struct {
	TrackID   string           `json:"track_id"`
	Kind      domain.TrackKind `json:"kind"`
	Owner     domain.UserID    `json:"owner"`
	Container string           `json:"container"`
	Elements  int              `json:"elements"`
}

// Manager owns the attach/detach lifecycle of media tracks.
// Attach and Detach are idempotent; detach failures are logged, never returned.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewManager() *Manager {
	return &Manager{handles: make(map[string]*Handle)}
}

// Attach renders track into c. A track already attached is left alone.
func (m *Manager) Attach(track core.MediaTrack, c Container) error {
	id := track.ID()

	m.mu.Lock()
	if _, ok := m.handles[id]; ok {
		m.mu.Unlock()
		log.Debug().Str("module", "app.tracks").Str("track", id).Msg("already attached")
		return nil
	}
	h := &Handle{
		TrackID:   id,
		Kind:      track.Kind(),
		Owner:     track.Participant(),
		Container: c.Name(),
		track:     track,
	}
	// reserve the slot so a concurrent attach of the same track is a no-op
	m.handles[id] = h
	m.mu.Unlock()

	elements, err := c.Mount(track)
	if err != nil {
		m.mu.Lock()
		delete(m.handles, id)
		m.mu.Unlock()
		removeElements(id, elements)
		stopTrack(track)
		return fmt.Errorf("%w: mount %s into %s: %v", domain.ErrTrack, id, c.Name(), err)
	}

	m.mu.Lock()
	cur, still := m.handles[id]
	kept := still && cur == h
	if kept {
		h.elements = elements
	}
	m.mu.Unlock()
	if !kept {
		// detached while mounting
		removeElements(id, elements)
		return nil
	}

	log.Info().
		Str("module", "app.tracks").
		Str("track", id).
		Str("kind", string(h.Kind)).
		Str("owner", string(h.Owner.Identity)).
		Int("elements", len(elements)).
		Msg("track attached")
	return nil
}

// Detach removes the elements recorded for the track and stops it.
// Unknown or already detached tracks are a no-op.
func (m *Manager) Detach(trackID string) {
	m.mu.Lock()
	h, ok := m.handles[trackID]
	if ok {
		delete(m.handles, trackID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if !h.state.CompareAndSwap(int32(HandleAttached), int32(HandleDetached)) {
		return
	}

	removeElements(trackID, h.elements)
	stopTrack(h.track)
	log.Info().Str("module", "app.tracks").Str("track", trackID).Msg("track detached")
}

// DetachAll detaches every attached track.
func (m *Manager) DetachAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Detach(id)
	}
}

func (m *Manager) IsAttached(trackID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[trackID]
	return ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Manager) Handles() []HandleInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HandleInfo, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, HandleInfo{
			TrackID:   h.TrackID,
			Kind:      h.Kind,
			Owner:     h.Owner.Identity,
			Container: h.Container,
			Elements:  len(h.elements),
		})
	}
	return out
}

func removeElements(trackID string, elements []Element) {
	for i, el := range elements {
		if el == nil {
			continue
		}
		if err := safely(el.Remove); err != nil {
			log.Warn().
				Err(fmt.Errorf("%w: %v", domain.ErrTrack, err)).
				Str("module", "app.tracks").
				Str("track", trackID).
				Int("element", i).
				Msg("element remove failed")
		}
	}
}

// StopTrack stops a track that never made it into the manager.
func StopTrack(track core.MediaTrack) { stopTrack(track) }

func stopTrack(track core.MediaTrack) {
	if track == nil {
		return
	}
	if err := safely(track.Stop); err != nil {
		log.Warn().
			Err(fmt.Errorf("%w: %v", domain.ErrTrack, err)).
			Str("module", "app.tracks").
			Str("track", track.ID()).
			Msg("track stop failed")
	}
}

// safely turns a panic in adapter code into an error; teardown must keep going.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
