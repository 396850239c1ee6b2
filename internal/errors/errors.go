package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrPersistence      = errors.New("persistence error")
	ErrStateCorruption  = errors.New("state corruption")
	ErrInternal         = errors.New("internal error")
	ErrSnapshotInFlight = errors.New("snapshot in flight")
)

// ValidationError is returned for malformed command arguments. State is left unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NotFoundError reports an operation on a user the store has never seen.
type NotFoundError struct {
	UserID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("user %d not found", e.UserID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PersistenceError wraps snapshot read/write failures.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// StateCorruptionError marks a snapshot that could not be decoded.
type StateCorruptionError struct {
	Source string
	Err    error
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("corrupted state in %s: %v", e.Source, e.Err)
}

func (e *StateCorruptionError) Unwrap() []error { return []error{ErrStateCorruption, e.Err} }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

func Corruption(source string, err error) error {
	return &StateCorruptionError{Source: source, Err: err}
}

func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
