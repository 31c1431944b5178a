package sfu

import (
	"sync/atomic"

	"github.com/dkeye/Ring/internal/core"
)

type TapState int32

const (
	TapStateOk TapState = iota
	TapStateDelete
)

// Tap is one consumer of a relayed track: a recorder, a recognizer, a drain.
type Tap struct {
	W     core.PacketWriter
	state atomic.Int32 // Zero by default (TapStateOk)
}

func NewTap(w core.PacketWriter) *Tap {
	return &Tap{W: w}
}

func (t *Tap) GetState() TapState {
	return TapState(t.state.Load())
}

func (t *Tap) MarkDelete() {
	t.state.Store(int32(TapStateDelete))
}
