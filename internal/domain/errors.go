package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by NotFoundError through errors.Is.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StateError reports an operation that is illegal from the current status.
type StateError struct {
	Op     string
	Status Status
}

func (e StateError) Error() string {
	return fmt.Sprintf("cannot %s a control list in status %s", e.Op, e.Status)
}

// AuthorizationError reports a caller lacking the capability or ownership an
// operation requires.
type AuthorizationError struct {
	UserID     string
	Capability string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("user %s is not allowed to %s", e.UserID, e.Capability)
}

// NotFoundError covers both absence and cross-tenant access.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConcurrencyConflict reports a save against a stale version.
type ConcurrencyConflict struct {
	ID      string
	Version int
}

func (e ConcurrencyConflict) Error() string {
	return fmt.Sprintf("control list %s was modified concurrently (version %d is stale)", e.ID, e.Version)
}

// IsConflict reports whether err carries a ConcurrencyConflict.
func IsConflict(err error) bool {
	var c ConcurrencyConflict
	return errors.As(err, &c)
}
