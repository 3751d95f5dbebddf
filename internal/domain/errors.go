package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrInvalidState      = errors.New("job is in a terminal state")
	ErrInvalidParameters = errors.New("invalid generation parameters")
	ErrUnknownProvider   = errors.New("unknown provider")
)

// QuotaExceededError is returned at admission when the requested quantity does
// not fit in the owner's remaining allowance.
type QuotaExceededError struct {
	Kind   JobKind
	Reason string
	Used   int64
	Limit  int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %s (used=%d limit=%d)", e.Kind, e.Reason, e.Used, e.Limit)
}
