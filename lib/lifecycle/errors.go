package lifecycle

import "errors"

var (
	// ErrInvalidState is returned by State.CanTransitionTo for a
	// disallowed transition.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrProfileNotFound is returned when a profile boot names an
	// unknown OS profile tag.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrInvalidRequest is returned for a LaunchRequest missing a field
	// its Kind requires.
	ErrInvalidRequest = errors.New("invalid launch request")
)
