package catalog

import (
	"errors"
	"fmt"
)

// ErrDuplicate is returned by a Repository when a write violates a
// uniqueness constraint.
var ErrDuplicate = errors.New("duplicate product")

// Kind classifies a catalog error for the outer surface.
type Kind string

const (
	KindConflict Kind = "conflict"
	KindNotFound Kind = "not_found"
	KindDatabase Kind = "database"
	KindInvalid  Kind = "invalid"
)

// Error is the only error type the Service returns.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf returns the kind of err, or "" when err is not a catalog error.
func KindOf(err error) Kind {
	var catErr *Error
	if errors.As(err, &catErr) {
		return catErr.Kind
	}
	return ""
}

// IsConflict reports whether err is a uniqueness violation.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsNotFound reports whether err names a product that does not exist.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsInvalid reports whether err rejects the caller's input.
func IsInvalid(err error) bool { return KindOf(err) == KindInvalid }

func notFound(id int64) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("product %d not found", id)}
}

func invalid(message string, err error) *Error {
	return &Error{Kind: KindInvalid, Message: message, Err: err}
}

// fromRepository converts a persistence failure into a catalog error.
func fromRepository(err error) *Error {
	if errors.Is(err, ErrDuplicate) {
		return &Error{Kind: KindConflict, Message: "product already exists", Err: err}
	}
	return &Error{Kind: KindDatabase, Message: "database operation failed", Err: err}
}
