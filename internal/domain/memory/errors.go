package memory

import "errors"

// Failure classes shared by the memory pipeline. Call sites wrap them with
// fmt.Errorf("...: %w") and callers classify with errors.Is.
var (
	// ErrProviderUnavailable marks an embedding or LLM network failure or timeout.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrMalformedResponse marks LLM output that is not the requested JSON shape.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrValidationRejected marks an unknown type or out-of-range value.
	ErrValidationRejected = errors.New("validation rejected")
	// ErrNotFound marks a lookup of a record or user that does not exist.
	ErrNotFound = errors.New("not found")
)
