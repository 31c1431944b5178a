package app

import "github.com/dkeye/Ring/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickConn
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop"
	case KickConn:
		return "kick"
	default:
		return "none"
	}
}

// Policy decides what happens to a signaling connection whose send queue is full.
// dropped is the number of consecutive frames already lost on conn.
type Policy interface {
	OnBackPressure(conn core.ConnID, dropped int) BackpressureAction
}

// SimplePolicy drops frames until MaxDropped consecutive losses, then kicks.
// Presence is snapshot based, so a dropped online_users frame heals on the next one.
type SimplePolicy struct {
	MaxDropped int
}

func (p SimplePolicy) OnBackPressure(_ core.ConnID, dropped int) BackpressureAction {
	if dropped >= p.MaxDropped {
		return KickConn
	}
	return DropFrame
}
