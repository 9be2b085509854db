package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidState is returned for operations the current lifecycle
	// state does not allow, such as sending on a destroyed session or
	// using a stopped client.
	ErrInvalidState = errors.New("invalid state")
	// ErrDuplicateSession is returned when a session ID is already in use.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrNotFound is returned when no live or persisted session has the ID.
	ErrNotFound = errors.New("session not found")
	// ErrTimeout is matched by every *TimeoutError.
	ErrTimeout = errors.New("timed out")
	// ErrRemote is matched by every *RemoteError.
	ErrRemote = errors.New("remote error")
)

// TimeoutError reports that a wait expired before its exchange ended. The
// exchange itself keeps running.
type TimeoutError struct {
	SessionID  string
	ExchangeID string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session %s: no response within %s", e.SessionID, e.Timeout)
}

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RemoteError reports a failure raised by the agent service.
type RemoteError struct {
	SessionID  string
	ExchangeID string
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("session %s: remote error: %s", e.SessionID, e.Message)
}

// Is reports whether target is ErrRemote.
func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

func (e *RemoteError) Unwrap() error { return e.Err }
