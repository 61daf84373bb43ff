package queue

import (
	"errors"
	"fmt"
)

// PersistenceError reports that durable storage could not be read or
// written. It is non-fatal: the engine retries on the next trigger.
type PersistenceError struct {
	// Op is the failed step: "read", "write", "encode" or "clear".
	Op string

	// Key is the storage key involved.
	Key string

	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err wraps a *PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
