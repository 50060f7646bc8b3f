package lifecycle

import (
	"errors"
	"fmt"

	"github.com/xpadev-net/live-event-orchestrator/internal/db"
)

var (
	// ErrNotFound is returned when an event or its domain does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUpstream wraps failures of the session provider that abort an operation.
	ErrUpstream = errors.New("session provider error")
	// ErrValidation wraps malformed input.
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition matches every *TransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TransitionError rejects a status change.
type TransitionError struct {
	From db.EventStatus
	To   db.EventStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot change status from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// mapStoreError translates repository sentinels into lifecycle ones.
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, db.ErrEventNotFound):
		return fmt.Errorf("%w: event", ErrNotFound)
	case errors.Is(err, db.ErrDomainNotFound):
		return fmt.Errorf("%w: domain", ErrNotFound)
	default:
		return err
	}
}

// ValidateTransition checks a status change. Re-entering the current status
// is always allowed. In strict mode an event advances one step at a time,
// except that it may be closed from any status. Without strict
// mode any valid status may follow any other.
func ValidateTransition(from, to db.EventStatus, strict bool) error {
	if !to.Valid() {
		return validationErrorf("unknown status %q", to)
	}
	if from == to || !strict {
		return nil
	}
	if to == db.StatusClosed || to.Rank() == from.Rank()+1 {
		return nil
	}
	return &TransitionError{From: from, To: to}
}
