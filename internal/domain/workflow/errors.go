package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when input is malformed or missing before
	// any store access happens
	ErrValidation = errors.New("validation failed")

	// ErrStageMismatch is returned when a request is not awaiting the
	// targeted stage
	ErrStageMismatch = errors.New("request not awaiting this stage")

	// ErrAlreadyActed is returned when the targeted stage has already been
	// approved or rejected
	ErrAlreadyActed = errors.New("stage has already acted")

	// ErrEditWindowClosed is returned when a request can no longer be edited
	// (HR has acted, or the request left the pending state)
	ErrEditWindowClosed = errors.New("edit window closed")

	// ErrNotFound is returned when the request does not exist
	ErrNotFound = errors.New("request not found")

	// ErrCancelNotAllowed is returned when cancellation is attempted from a
	// terminal state
	ErrCancelNotAllowed = errors.New("request cannot be cancelled")

	// ErrStoreConflict is returned when a conditional write lost a race;
	// safe to retry once
	ErrStoreConflict = errors.New("conflicting concurrent update")

	// ErrStoreUnavailable is returned on infrastructure failure; retry with
	// backoff
	ErrStoreUnavailable = errors.New("store unavailable")
)

// UnauthorizedError is returned when the actor is outside the authorization
// scope for the stage. Outside carries the number of subjects out of scope
// for bulk operations (1 for single-request operations).
type UnauthorizedError struct {
	Outside int
}

func (e *UnauthorizedError) Error() string {
	if e.Outside > 1 {
		return fmt.Sprintf("not authorized: %d requests outside approver scope", e.Outside)
	}
	return "not authorized for this stage"
}

// PartialEligibilityError is returned by a bulk transition when at least one
// member is not awaiting the targeted stage. No writes are performed.
type PartialEligibilityError struct {
	Ineligible int
}

func (e *PartialEligibilityError) Error() string {
	return fmt.Sprintf("bulk transition aborted: %d requests not eligible", e.Ineligible)
}
