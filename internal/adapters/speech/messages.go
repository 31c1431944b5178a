package speech

import "time"

// Messages of the streaming recognition protocol.
const (
	typeBegin       = "Begin"
	typeTurn        = "Turn"
	typeTermination = "Termination"
	typeTerminate   = "Terminate"
)

type envelope struct {
	Type string `json:"type"`
}

type beginMessage struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
}

type turnMessage struct {
	Type            string `json:"type"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type terminateMessage struct {
	Type string `json:"type"`
}
