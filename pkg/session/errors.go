package session

import "github.com/pkg/errors"

// Errors callers of a Session branch on. They are returned wrapped with
// context (channel id, elapsed time, pending count); match with errors.Is.
var (
	// ErrNotConnected is returned by Call before Connect has succeeded,
	// or after the session's socket has gone away.
	ErrNotConnected = errors.New("session not connected")

	// ErrNoExecutor is returned by Call when the session's channel has no
	// executor attached. No request is issued.
	ErrNoExecutor = errors.New("no executor connected to channel")

	// ErrTooManyPending is returned by Call when the pending-request
	// ceiling has been reached. No request is issued.
	ErrTooManyPending = errors.New("too many pending requests")

	// ErrTimeout is returned by Call when no response arrived within the
	// request's timeout. A late response is dropped.
	ErrTimeout = errors.New("request timed out")

	// ErrClosed is returned by every operation on a closed session, and
	// rejects requests still pending when Close is called.
	ErrClosed = errors.New("session closed")
)
