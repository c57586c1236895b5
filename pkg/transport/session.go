package transport

import (
	"context"
	"fmt"
	"time"
)

// WebSocket close codes used between caster and relay.
const (
	CloseNormal        = 1000
	CloseProtocolError = 1002
	CloseAbnormal      = 1006
	CloseInternalError = 1011
)

// Termination describes how a session ended. Code is the WebSocket close
// code for socket sessions and zero for peer sessions.
type Termination struct {
	Code   int
	Reason string
	Err    error
}

func (t Termination) String() string {
	s := fmt.Sprintf("code=%d", t.Code)
	if t.Reason != "" {
		s += fmt.Sprintf(" reason=%q", t.Reason)
	}
	if t.Err != nil {
		s += fmt.Sprintf(" err=%v", t.Err)
	}
	return s
}

// Session is one attempt to deliver a media source to the relay. Sessions
// are single-use: after Stop or termination, make a new one.
type Session interface {
	ID() string
	Strategy() Strategy
	CreatedAt() time.Time
	// Start connects in the background. Failures are reported through
	// OnTerminated.
	Start(ctx context.Context) error
	// Stop tears the session down and detaches its callbacks. Safe to
	// call many times and before Start.
	Stop()
	OnConnected(f func())
	OnTerminated(f func(Termination))

	session()
}

type callbacks struct {
	onConnected  func()
	onTerminated func(Termination)
}
