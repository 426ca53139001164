package core

import (
	"errors"
	"fmt"
)

// Classification sentinels. Concrete errors wrap one of these so callers can
// branch on the category with errors.Is without matching message text.
var (
	// ErrConflict covers stale append preconditions, duplicate session ids,
	// confirmation id mismatches and busy sessions.
	ErrConflict = errors.New("conflict")

	// ErrNotFound covers unknown sessions and invocations.
	ErrNotFound = errors.New("not found")
)

// Specific errors surfaced by stores, the confirmation gate and the runner.
var (
	// ErrSessionExists is returned by SessionStore.Create for a taken id.
	ErrSessionExists = fmt.Errorf("session already exists: %w", ErrConflict)

	// ErrSessionNotFound is returned by SessionStore.Get for an unknown id.
	ErrSessionNotFound = fmt.Errorf("session: %w", ErrNotFound)

	// ErrInvocationNotFound is returned when resuming or cancelling an
	// invocation the runner does not track.
	ErrInvocationNotFound = fmt.Errorf("invocation: %w", ErrNotFound)

	// ErrStaleAppend is returned by AppendEvent when the caller's expected
	// last-sequence precondition no longer matches the log.
	ErrStaleAppend = fmt.Errorf("stale append precondition: %w", ErrConflict)

	// ErrSessionBusy is returned when a session already has an active
	// (running or suspended) invocation.
	ErrSessionBusy = fmt.Errorf("session busy: %w", ErrConflict)

	// ErrConfirmationMismatch is returned when a resume decision names a
	// confirmation/invocation pair that does not match the outstanding
	// pending request. The pending request is left untouched.
	ErrConfirmationMismatch = fmt.Errorf("confirmation mismatch: %w", ErrConflict)

	// ErrConfirmationResolved is returned on a second resolution attempt for
	// a request that has already been resolved.
	ErrConfirmationResolved = fmt.Errorf("confirmation already resolved: %w", ErrConflict)

	// ErrConfirmationTimeout is returned when a pending confirmation expired
	// before the decision arrived. The request is auto-rejected.
	ErrConfirmationTimeout = errors.New("confirmation timed out")

	// ErrStepLimitExceeded terminates an invocation whose model/tool loop
	// exceeded the configured maximum step count.
	ErrStepLimitExceeded = errors.New("step limit exceeded")

	// ErrProviderUnavailable is surfaced after the provider retry policy is
	// exhausted on transient (rate-limit / server) failures.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// StateError reports a state delta value that could not be serialized. The
// enclosing append is rejected as a whole.
type StateError struct {
	Key string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state value for %q is not serializable: %v", e.Key, e.Err)
}

// Unwrap returns the underlying serialization error.
func (e *StateError) Unwrap() error { return e.Err }
