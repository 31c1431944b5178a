package call

import (
	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

// Everything the loop reacts to arrives as one of these.
type message interface{}

// user commands; reply carries the guard result
type (
	cmdEnable struct{ reply chan error }
	cmdDial   struct {
		target domain.UserID
		mode   domain.CallMode
		reply  chan error
	}
	cmdAccept struct{ reply chan error }
	cmdReject struct {
		reason string
		reply  chan error
	}
	cmdHangup struct{ reply chan error }
	cmdMute   struct {
		muted bool
		reply chan error
	}
	cmdCamera struct {
		enabled bool
		reply   chan error
	}
)

// signaling channel
type (
	evSignal       struct{ sig core.Signal }
	evOnline       struct{ users []domain.User }
	evSignalClosed struct{ err error }
	evSignalOpened struct{}
)

// async completions, tagged with the attempt that started them
type (
	evEnabled struct {
		attempt uint64
		cred    core.Credential
		err     error
	}
	evMediaConnected struct {
		attempt uint64
		media   core.MediaSession
		err     error
	}
	evPublished struct {
		attempt uint64
		tracks  []core.MediaTrack
		err     error
	}
	evTeardownDone struct{ attempt uint64 }
)

// media session callbacks
type (
	evTrackSubscribed struct {
		attempt uint64
		track   core.MediaTrack
	}
	evTrackUnsubscribed struct {
		attempt uint64
		trackID string
	}
	evParticipantConnected struct {
		attempt uint64
		p       core.Participant
		tracks  []core.MediaTrack
	}
	evParticipantDisconnected struct {
		attempt uint64
		p       core.Participant
	}
	evMediaDisconnected struct {
		attempt uint64
		reason  string
	}
)

// mediaEvents forwards SDK callbacks of one session attempt into the loop.
type mediaEvents struct {
	c       *Coordinator
	attempt uint64
}

func (e mediaEvents) TrackSubscribed(track core.MediaTrack) {
	if !e.c.post(evTrackSubscribed{attempt: e.attempt, track: track}) {
		e.c.stopLateTrack(track)
	}
}

func (e mediaEvents) TrackUnsubscribed(trackID string) {
	e.c.post(evTrackUnsubscribed{attempt: e.attempt, trackID: trackID})
}

func (e mediaEvents) ParticipantConnected(p core.Participant, tracks []core.MediaTrack) {
	e.c.post(evParticipantConnected{attempt: e.attempt, p: p, tracks: tracks})
}

func (e mediaEvents) ParticipantDisconnected(p core.Participant) {
	e.c.post(evParticipantDisconnected{attempt: e.attempt, p: p})
}

func (e mediaEvents) Disconnected(reason string) {
	e.c.post(evMediaDisconnected{attempt: e.attempt, reason: reason})
}
