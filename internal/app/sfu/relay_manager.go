package sfu

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// RelayManager owns the relays of one media session, keyed by track id.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a new Relay for the given track and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, trackID string, read ReadFunc) *Relay {
	logger := log.With().
		Str("module", "sfu").
		Str("track", trackID).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(read, cancel)

	m.mu.Lock()
	if old, ok := m.relays[trackID]; ok {
		logger.Info().Msg("replacing existing relay for track")
		old.Stop()
	}
	m.relays[trackID] = relay
	m.mu.Unlock()

	logger.Debug().Msg("starting relay loop")
	go relay.loop(relayCtx, &logger)
	return relay
}

func (m *RelayManager) Relay(trackID string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relays[trackID]
	return r, ok
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(trackID string) {
	m.mu.Lock()
	relay, ok := m.relays[trackID]
	if ok {
		delete(m.relays, trackID)
	}
	m.mu.Unlock()
	if ok {
		relay.Stop()
	}
}

func (m *RelayManager) StopAll() {
	m.mu.Lock()
	relays := m.relays
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()
	for _, r := range relays {
		r.Stop()
	}
}

func (m *RelayManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}
