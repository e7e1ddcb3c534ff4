package api

import "errors"

// Error taxonomy surfaced by the services. Wrapped occurrences carry a
// human-readable message; callers classify with errors.Is.
var (
	// ErrValidation marks bad input. Never retried.
	ErrValidation = errors.New("invalid input")

	// ErrNotFound marks a missing conversation, message or user.
	ErrNotFound = errors.New("not found")

	// ErrUnauthenticated marks a request without a verified user id. The
	// gateway rejects these before any service runs.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnavailable marks a transient store failure that survived the
	// bounded retries. Safe to retry later.
	ErrUnavailable = errors.New("temporarily unavailable")
)
