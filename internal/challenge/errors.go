package challenge

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation        = errors.New("invalid input")
	ErrNotRegistered     = errors.New("participant not registered")
	ErrAlreadyRegistered = errors.New("participant already registered")
	ErrEliminated        = errors.New("participant eliminated")
	// ErrDayComplete rejects adds once today's threshold is already met.
	ErrDayComplete = errors.New("daily target already reached")
	// ErrDayClosed rejects changes to a day that is already settled or has
	// not started yet.
	ErrDayClosed = errors.New("day is closed")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
