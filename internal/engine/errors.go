package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/studysync/internal/mutation"
)

var (
	// ErrAlreadyRunning is returned by Run when another Run is active.
	ErrAlreadyRunning = errors.New("engine: already running")

	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("engine: stopped")
)

// IntentError reports an intent that cannot become a mutation.
type IntentError struct {
	Field   string
	Message string
}

func (e *IntentError) Error() string {
	return fmt.Sprintf("invalid intent: %s: %s", e.Field, e.Message)
}

// IsIntentError reports whether err is or wraps an *IntentError.
func IsIntentError(err error) bool {
	var ie *IntentError
	return errors.As(err, &ie)
}

// StateError reports a user action that does not apply to the record's
// current status, such as retrying a mutation that is still pending.
type StateError struct {
	MutationID string
	Status     mutation.Status
	Action     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s mutation %s in status %s", e.Action, e.MutationID, e.Status)
}

// IsStateError reports whether err is or wraps a *StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}
