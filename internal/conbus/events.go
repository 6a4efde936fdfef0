package conbus

import (
	"fmt"
	"time"

	"github.com/conbus/xp/internal/telegram"
)

// ConnectedEvent is delivered on connection_made.
type ConnectedEvent struct {
	SessionID  string
	RemoteAddr string
}

// SentEvent is delivered on telegram_sent, after the transport write
// completed. Frame is the on-wire frame as a Latin-1 display string.
type SentEvent struct {
	Frame string
}

// ReceivedEvent is delivered on telegram_received, once per parsed frame.
type ReceivedEvent struct {
	Telegram telegram.Telegram
}

// Frame returns the received frame as a Latin-1 display string.
func (e ReceivedEvent) Frame() string {
	return e.Telegram.FrameString()
}

// TimeoutEvent is delivered when the rolling inactivity window elapses.
type TimeoutEvent struct {
	Idle time.Duration
}

// FailureKind labels the failure classes the engine reports.
type FailureKind int

const (
	FailureConnect FailureKind = iota
	FailureLost
)

func (k FailureKind) String() string {
	switch k {
	case FailureConnect:
		return "CONNECTION_FAILED"
	case FailureLost:
		return "CONNECTION_LOST"
	default:
		return fmt.Sprintf("FAILURE(%d)", int(k))
	}
}

// FailureEvent is delivered on connection_failed, connection_lost, and the
// aggregated failed signal.
type FailureEvent struct {
	Kind FailureKind
	Err  error
}

// Message renders the failure for user-facing output.
func (e FailureEvent) Message() string {
	switch e.Kind {
	case FailureConnect:
		return fmt.Sprintf("connection failed: %v", e.Err)
	case FailureLost:
		return fmt.Sprintf("connection lost: %v", e.Err)
	default:
		return e.Err.Error()
	}
}
