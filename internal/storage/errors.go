package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every layer of the engine. Callers test them
// with errors.Is; producers wrap them with operation context.
var (
	// ErrNotFound indicates a missing object, issue, entry, ref or project.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a hash collision with differing bytes, an id
	// that is already allocated or a rename target that already exists.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyExists is returned when identical content is written twice.
	// It is informational: the existing object is valid.
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates input rejected by the project schema.
	ErrValidation = errors.New("validation failed")

	// ErrPermission indicates a refused operation (role, author or time window).
	ErrPermission = errors.New("permission denied")

	// ErrTransport indicates a failed or unlaunchable child process or
	// network exchange.
	ErrTransport = errors.New("transport failure")

	// ErrExhausted indicates a write exceeding a configured size limit.
	ErrExhausted = errors.New("resource exhausted")
)

// Validationf returns an ErrValidation wrapped with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// NotFoundf returns an ErrNotFound wrapped with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// CorruptCommitError reports a commit of a log that could not be parsed.
// The iterator that returned it stays usable.
type CorruptCommitError struct {
	ID  string
	Err error
}

func (e *CorruptCommitError) Error() string {
	return fmt.Sprintf("commit %s: %v", e.ID, e.Err)
}

func (e *CorruptCommitError) Unwrap() error {
	return e.Err
}
