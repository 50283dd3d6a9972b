package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired means the agent needs a credential that was missing or
	// wrong. The caller may re-prompt and retry Start.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNoSession means the backend reported success without a session.
	ErrNoSession = errors.New("backend returned no session")

	// Guard violations. The controller rejects the call without mutating state.
	ErrNotStarted       = errors.New("session not started")
	ErrAlreadyStarted   = errors.New("session already started")
	ErrStartInProgress  = errors.New("session start in progress")
	ErrTurnInFlight     = errors.New("a turn is already in flight")
	ErrSessionCompleted = errors.New("session is completed")
	ErrEmptyInput       = errors.New("input cannot be empty")
)

// StartError is returned when start-session fails.
type StartError struct {
	AgentSlug string
	Err       error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start session with agent %q: %v", e.AgentSlug, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// AuthRequired reports whether the failure asks for a credential.
func (e *StartError) AuthRequired() bool {
	return errors.Is(e.Err, ErrAuthRequired)
}

// TurnError is returned when a turn fails after the user message was
// appended. The draft reply was discarded; the session stays usable.
type TurnError struct {
	SessionID     string
	UserMessageID string
	Err           error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in session %s: %v", e.SessionID, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}
