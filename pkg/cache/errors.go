package cache

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an operation is attempted while the
// connection manager reports the backend as unreachable. It is retried by the
// retry wrapper like any other failure.
var ErrNotConnected = errors.New("cache: redis client is not connected")

// OperationError reports a cache operation that failed on every attempt.
type OperationError struct {
	Op      string
	Retries int
	Err     error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("cache operation %q failed after %d retries: %v", e.Op, e.Retries, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// ValidationError reports a cached hash that is present but malformed.
// It signals corruption and is never returned for a plain miss.
type ValidationError struct {
	Key    string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cache: invalid data at %s: field %q %s", e.Key, e.Field, e.Reason)
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
