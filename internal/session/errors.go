package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNotConnected  = errors.New("session not connected")
	// ErrDesynchronized means late output could not be drained and the next
	// command's output would not be framed reliably.
	ErrDesynchronized = errors.New("session output framing is desynchronized")

	// The following classify failed results; they are never returned as
	// errors by ExecuteOne.
	ErrTimeout           = errors.New("timeout")
	ErrRemoteExecution   = errors.New("remote execution error")
	ErrUnterminatedBlock = errors.New("unterminated block")
)

// ConnectionError reports that the transport could not be established.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConnectionLostError reports that the transport closed mid-command. The
// session is unusable until Reconnect.
type ConnectionLostError struct {
	Label string
	Err   error
}

func (e *ConnectionLostError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("connection lost: %v", e.Err)
	}
	return fmt.Sprintf("connection lost during %q: %v", e.Label, e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// ModeSwitchError reports that the target prompt never appeared. The session
// mode is unchanged.
type ModeSwitchError struct {
	From, To Mode
	Err      error
}

func (e *ModeSwitchError) Error() string {
	return fmt.Sprintf("switch from %s to %s: %v", e.From, e.To, e.Err)
}

func (e *ModeSwitchError) Unwrap() error { return e.Err }

// IsStructural reports whether err leaves no session to continue a batch on.
func IsStructural(err error) bool {
	var (
		connErr *ConnectionError
		lostErr *ConnectionLostError
		modeErr *ModeSwitchError
	)
	return errors.As(err, &connErr) ||
		errors.As(err, &lostErr) ||
		errors.As(err, &modeErr) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrDesynchronized)
}
