package call

import (
	"context"
	"time"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

// session is the single active call. Owned by the loop goroutine.
type session struct {
	attempt  uint64
	id       domain.SessionID
	remote   domain.UserID
	mode     domain.CallMode
	outgoing bool

	ctx    context.Context
	cancel context.CancelFunc

	media      core.MediaSession
	publishing bool
	published  bool
	local      []core.MediaTrack
	// remote tracks that arrived before the call was answered
	pending []core.MediaTrack

	connectedAt time.Time
	ending      bool
}

// matches reports whether a signal belongs to this session.
func (s *session) matches(sig core.Signal) bool {
	return s != nil && s.id == sig.Room && s.remote == sig.From
}

func (s *session) hold(track core.MediaTrack) {
	for _, t := range s.pending {
		if t.ID() == track.ID() {
			return
		}
	}
	s.pending = append(s.pending, track)
}

func (s *session) release(trackID string) {
	for i, t := range s.pending {
		if t.ID() == trackID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}
