package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthRequired is returned when a push-channel connect is attempted
	// without a credential.
	ErrAuthRequired = errors.New("authentication token required")

	// ErrAuthExpired is returned when either channel rejects the current
	// credential. It is terminal: the caller must obtain a new token.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionEnded is returned when a metadata update is attempted on a
	// completed or cancelled session.
	ErrSessionEnded = errors.New("session already ended")

	// ErrNotConnected is returned when a push-channel send is attempted
	// while the channel is down.
	ErrNotConnected = errors.New("push channel not connected")

	// ErrTimeout is returned when a pull command exceeds its deadline. The
	// outcome of the command is unknown, not failed.
	ErrTimeout = errors.New("request timed out")

	// ErrClosed is returned when an operation is attempted after teardown.
	ErrClosed = errors.New("client closed")
)

// InvalidTransitionError is returned when a status change request is not in
// the state machine for the session's current status. The request is
// rejected locally; no network call is made.
type InvalidTransitionError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	allowed := e.From.AllowedTransitions()
	if len(allowed) == 0 {
		return fmt.Sprintf("session %s: cannot move from terminal status %q to %q", e.SessionID, e.From, e.To)
	}
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = string(s)
	}
	return fmt.Sprintf("session %s: cannot move from %q to %q (allowed: %s)",
		e.SessionID, e.From, e.To, strings.Join(names, ", "))
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
