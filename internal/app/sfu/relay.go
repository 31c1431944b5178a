// Package sfu fans the RTP packets of one subscribed track out to any number
// of taps.
package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/dkeye/Ring/internal/core"
)

// ReadFunc blocks for the next packet of the source track.
type ReadFunc func() (*rtp.Packet, error)

type Relay struct {
	read ReadFunc

	mu   sync.RWMutex
	taps map[string]*Tap

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(read ReadFunc, cancel context.CancelFunc) *Relay {
	return &Relay{
		read:   read,
		taps:   make(map[string]*Tap),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// loop reads RTP packets from the source track and forwards them to all taps.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, marking all taps for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, err := r.read()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP ended")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*Tap, len(r.taps))
	maps.Copy(snapshot, r.taps)
	r.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for key, t := range snapshot {
		switch t.GetState() {
		case TapStateDelete:
			dirty = append(dirty, key)
		case TapStateOk:
			if err := t.W.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("tap", key).
					Msg("relay write RTP error, marking tap as delete")
				t.MarkDelete()
				dirty = append(dirty, key)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(snapshot, dirty)
	}
}

// cleanupDeleted removes taps that are still the ones marked; a tap re-added
// under the same key in the meantime survives.
func (r *Relay) cleanupDeleted(seen map[string]*Tap, dirty []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range dirty {
		if r.taps[key] == seen[key] {
			delete(r.taps, key)
		}
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.taps {
		t.MarkDelete()
	}
}

// AddTap replaces any tap registered under key.
func (r *Relay) AddTap(key string, w core.PacketWriter) *Tap {
	t := NewTap(w)
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.taps[key]; ok {
		old.MarkDelete()
	}
	r.taps[key] = t
	return t
}

func (r *Relay) RemoveTap(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.taps[key]; ok {
		t.MarkDelete()
		delete(r.taps, key)
	}
}

func (r *Relay) Taps() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.taps)
}

// Stop ends the loop once the pending read returns.
func (r *Relay) Stop() {
	r.markAllDelete()
	if r.cancel != nil {
		r.cancel()
	}
}

// Done is closed when the loop has exited.
func (r *Relay) Done() <-chan struct{} { return r.done }
