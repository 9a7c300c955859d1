package services

import (
	"errors"
	"fmt"
)

// Error taxonomy. Validation and not-found errors are terminal for the
// calling request; conflicts are retryable (caller re-reads and retries
// a bounded number of times).
var (
	ErrRitualNotFound        = errors.New("ritual not found")
	ErrParticipationNotFound = errors.New("participation not found")

	// ErrVersionConflict means the stored phase version no longer
	// matches the one the caller observed. Expected under concurrency.
	ErrVersionConflict = errors.New("ritual phase version conflict")

	ErrNotAcceptingContributions = errors.New("ritual is not accepting contributions in its current phase")
	ErrJoinsClosed               = errors.New("ritual is not accepting joins in its current phase")
	ErrParticipationWithdrawn    = errors.New("participation is withdrawn; re-joining is a separate action")
	ErrIllegalTransition         = errors.New("target phase is not a legal successor of the current phase")
	ErrOverrideRequired          = errors.New("skipping phases requires override authority")
	ErrCampusMismatch            = errors.New("participation campus does not match ritual campus")
	ErrRitualFull                = errors.New("ritual has reached its member cap")
)

// ValidationError reports a malformed archetype configuration with the
// offending field and the constraint it violated. Never partially applied.
type ValidationError struct {
	Field      string
	Constraint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: field %q %s", e.Field, e.Constraint)
}

func invalid(field, constraint string) error {
	return &ValidationError{Field: field, Constraint: constraint}
}

// IsRetryable reports whether the caller should re-read and retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
