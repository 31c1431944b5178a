package core

import (
	"context"

	"github.com/pion/rtp"

	"github.com/dkeye/Ring/internal/domain"
)

// PacketWriter receives RTP packets fanned out from a track.
// pion's oggwriter and ivfwriter satisfy it.
type PacketWriter interface {
	WriteRTP(*rtp.Packet) error
}

// MediaTrack is one published audio or video stream, local or remote.
type MediaTrack interface {
	// ID is the relay-assigned track id, stable for the track's lifetime.
	ID() string
	Kind() domain.TrackKind
	Participant() Participant
	// AddTap fans packets out to w under key until RemoveTap(key).
	AddTap(key string, w PacketWriter)
	RemoveTap(key string)
	// Stop releases the underlying media resource. Safe to call more than once.
	Stop() error
}

type Participant struct {
	Identity domain.UserID
	Name     string
}

// MediaEvents is implemented by the call coordinator. Adapters call it from
// their own goroutines; implementations must not block.
type MediaEvents interface {
	TrackSubscribed(track MediaTrack)
	TrackUnsubscribed(trackID string)
	ParticipantConnected(p Participant, tracks []MediaTrack)
	ParticipantDisconnected(p Participant)
	Disconnected(reason string)
}

// MediaSession is a joined relay room.
type MediaSession interface {
	// PublishLocal publishes the local tracks the call mode needs.
	PublishLocal(mode domain.CallMode) ([]MediaTrack, error)
	SetMicrophoneEnabled(enabled bool) error
	SetCameraEnabled(enabled bool) error
	Disconnect()
}

type MediaConnector interface {
	Connect(ctx context.Context, cred Credential, events MediaEvents) (MediaSession, error)
}

// Credential is an opaque, short-lived, single-purpose relay token.
type Credential struct {
	Identity domain.UserID    `json:"identity"`
	Name     string           `json:"name,omitempty"`
	Email    string           `json:"email,omitempty"`
	Token    string           `json:"token"`
	URL      string           `json:"url,omitempty"`
	Room     domain.SessionID `json:"room,omitempty"`
}

// SpeechCredential is consumed only by transcription engines.
type SpeechCredential struct {
	Key    string `json:"key"`
	Region string `json:"region"`
}

type CredentialSource interface {
	VoiceCredential(ctx context.Context) (Credential, error)
	VideoCredential(ctx context.Context, room domain.SessionID) (Credential, error)
}

// Signaler is the client side of the signaling channel.
type Signaler interface {
	Announce(ctx context.Context, user domain.UserID) error
	Send(ctx context.Context, sig Signal) error
}
