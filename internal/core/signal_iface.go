package core

import "github.com/dkeye/Ring/internal/domain"

// Frame is a raw encoded signaling payload.
type Frame []byte

// ConnID identifies one signaling transport connection.
type ConnID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() ConnID
	TrySend(Frame) error
	Close()
}

// Signal types exchanged over the signaling channel.
const (
	SignalAnnounce    = "announce"
	SignalOnlineUsers = "online_users"
	SignalInvite      = "call.invite"
	SignalAccept      = "call.accept"
	SignalReject      = "call.reject"
	SignalHangup      = "call.hangup"
	SignalPing        = "ping"
	SignalPong        = "pong"
	SignalError       = "error"
)

// Signal is the call-control envelope. From is stamped by the server.
// Auto marks a reject the client sent without the user deciding, e.g. because
// the device was already busy.
type Signal struct {
	Type   string           `json:"type"`
	From   domain.UserID    `json:"from,omitempty"`
	To     domain.UserID    `json:"to,omitempty"`
	Room   domain.SessionID `json:"room,omitempty"`
	Mode   domain.CallMode  `json:"mode,omitempty"`
	Reason string           `json:"reason,omitempty"`
	Auto   bool             `json:"auto,omitempty"`
}

// OnlineUsers is the snapshot pushed on every presence change.
type OnlineUsers struct {
	Type  string        `json:"type"`
	Users []domain.User `json:"users"`
}
