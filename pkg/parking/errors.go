package parking

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by a store when a compare-and-set loses a race.
	// The losing writer discards its update and re-reads next cycle.
	ErrConflict = errors.New("store conflict")

	// ErrNotFound is returned when a job or state record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrResourceExhausted means no browser session could be acquired in time.
	// The task is deferred, not failed.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidToken is returned for unknown, forged or already consumed resume tokens.
	ErrInvalidToken = errors.New("invalid or consumed resume token")
)

// ProbeError is a transient probe failure. It is retried on the next cadence
// and never surfaced to subscribers.
type ProbeError struct {
	Err    error
	Reason FailureReason
}

func (e *ProbeError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

// ProbeFailure extracts the failure reason from err, if it is a ProbeError.
func ProbeFailure(err error) (FailureReason, bool) {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return "", false
}

// ConfigurationError describes a malformed resort profile. It disables the
// affected resort only.
type ConfigurationError struct {
	Resort string
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("resort %q: %s", e.Resort, e.Reason)
	}
	return fmt.Sprintf("resort %q: %s: %s", e.Resort, e.Field, e.Reason)
}

// IsConfigurationError checks if an error is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
