package call

import (
	"fmt"

	"github.com/dkeye/Ring/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateDeviceInitializing
	StateReady
	StateDialing
	StateRingingIncoming
	StateConnected
	StateEnding
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDeviceInitializing:
		return "device_initializing"
	case StateReady:
		return "ready"
	case StateDialing:
		return "dialing"
	case StateRingingIncoming:
		return "ringing_incoming"
	case StateConnected:
		return "connected"
	case StateEnding:
		return "ending"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// busy reports whether a call session occupies the coordinator.
func (s State) busy() bool {
	switch s {
	case StateDialing, StateRingingIncoming, StateConnected, StateEnding:
		return true
	}
	return false
}

// dialGuard maps the current state to the error a new Dial gets.
func dialGuard(s State) error {
	switch {
	case s == StateReady:
		return nil
	case s.busy():
		return fmt.Errorf("%w: %s", domain.ErrSessionBusy, s)
	default:
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotReady, s)
	}
}

func acceptGuard(s State) error {
	switch {
	case s == StateRingingIncoming:
		return nil
	case s.busy():
		return fmt.Errorf("%w: %s", domain.ErrSessionBusy, s)
	case s == StateReady:
		return domain.ErrNoIncomingCall
	default:
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotReady, s)
	}
}
