package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrEmptyCart       = errors.New("empty cart")
	ErrListingNotFound = errors.New("listing not found")
	ErrValidation      = errors.New("validation failed")
	ErrEngineStopped   = errors.New("pricing engine stopped")
	ErrEngineRunning   = errors.New("pricing engine already running")
	ErrAlreadyExists   = errors.New("already exists")
	ErrRateLimited     = errors.New("rate limited")
	ErrLockHeld        = errors.New("lock already held")
	ErrLockLost        = errors.New("lock lost")
	ErrUnavailable     = errors.New("dependency unavailable")
)

// ListingNotFoundError reports a checkout line that references a listing
// absent from the current catalog snapshot.
type ListingNotFoundError struct {
	ListingID string
}

func (e *ListingNotFoundError) Error() string {
	return fmt.Sprintf("listing %q not found", e.ListingID)
}

// Is makes errors.Is(err, ErrListingNotFound) hold.
func (e *ListingNotFoundError) Is(target error) bool {
	return target == ErrListingNotFound
}

// ValidationError reports malformed checkout or listing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
