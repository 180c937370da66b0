package outbox

import "errors"

var (
	// ErrNoActiveTransaction is returned by the scheduling operations when
	// the caller's context does not carry an open business transaction under
	// the configured key. This is a programmer error, not a condition to
	// retry.
	ErrNoActiveTransaction = errors.New("an active business transaction was expected in the context")

	// ErrInvalidPayloadVersion is returned when the payload version of a
	// scheduling request is not a valid semantic version (e.g. "1.0.0").
	ErrInvalidPayloadVersion = errors.New("the payload version is not a valid semantic version")

	// ErrPayloadSchemaViolation is returned when a registered validator
	// rejects the payload of a scheduling request. No outbox entry is
	// persisted in that case.
	ErrPayloadSchemaViolation = errors.New("the payload does not conform to its registered schema")
)
