package domain

import (
	"fmt"
	"strings"
)

// SessionSeparator joins the two sorted identities of a room name.
// Changing it breaks interoperability with clients that derive names locally.
const SessionSeparator = "_"

// SessionID is the media relay room name both peers converge on.
type SessionID string

func (s SessionID) String() string { return string(s) }

// DeriveSessionID returns the canonical room name for a pair of users.
// The result does not depend on argument order.
func DeriveSessionID(a, b UserID) (SessionID, error) {
	x := strings.TrimSpace(string(a))
	y := strings.TrimSpace(string(b))
	if x == "" || y == "" {
		return "", fmt.Errorf("%w: empty identity", ErrInvalidParticipant)
	}
	if x == y {
		return "", fmt.Errorf("%w: cannot call self (%s)", ErrInvalidParticipant, x)
	}
	if y < x {
		x, y = y, x
	}
	return SessionID(x + SessionSeparator + y), nil
}

type CallMode string

const (
	ModeVoice CallMode = "voice"
	ModeVideo CallMode = "video"
)

func (m CallMode) Valid() bool {
	return m == ModeVoice || m == ModeVideo
}

// ParseCallMode defaults an empty value to voice.
func ParseCallMode(s string) (CallMode, error) {
	switch CallMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeVoice:
		return ModeVoice, nil
	case ModeVideo:
		return ModeVideo, nil
	default:
		return "", fmt.Errorf("unknown call mode %q", s)
	}
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// UnknownSpeaker labels transcript lines whose speaker could not be resolved.
const UnknownSpeaker = "Unknown"
