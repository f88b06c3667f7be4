package realtime

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers map them with errors.Is; HTTP adapters map
// them to 401, 403, 400 and 500 respectively.
var (
	ErrAuthentication        = errors.New("authentication failed")
	ErrNotAParticipant       = errors.New("not a participant")
	ErrValidation            = errors.New("validation failed")
	ErrPersistence           = errors.New("persistence failed")
	ErrRateLimited           = errors.New("rate limited")
	ErrUnknownCommand        = errors.New("unknown command")
	ErrSessionClosed         = errors.New("session closed")
	ErrUnknownConnection     = errors.New("unknown connection")
	ErrDuplicateRegistration = errors.New("connection already registered")
)

// ValidationError reports a rejected input field. It unwraps to ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// PersistenceError wraps a store failure. It matches both ErrPersistence and
// the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPersistence, e.Err)
}

func (e PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func persistence(op string, err error) error {
	return PersistenceError{Op: op, Err: err}
}

func invalidField(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}
