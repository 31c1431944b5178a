package domain

import "errors"

// Call errors. Callers match them with errors.Is; adapters wrap them with %w.
var (
	// ErrCredential: token fetch or parse failed. Retry by enabling the device again.
	ErrCredential = errors.New("credential error")
	// ErrDeviceNotReady: the call device is not registered or media negotiation failed.
	ErrDeviceNotReady = errors.New("call device not ready")
	// ErrSessionBusy: another call session is active on this client.
	ErrSessionBusy = errors.New("session busy")
	// ErrInvalidParticipant: room naming precondition violated.
	ErrInvalidParticipant = errors.New("invalid participant")
	// ErrTrack: attach, detach or stop failed. Log only.
	ErrTrack = errors.New("track error")
	// ErrRecognition: speech engine failure. Log only.
	ErrRecognition = errors.New("recognition error")

	ErrNotConnected   = errors.New("no connected call")
	ErrNoIncomingCall = errors.New("no incoming call")
)
