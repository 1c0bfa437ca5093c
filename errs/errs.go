// Package errs classifies errors crossing the sandbox/VFS boundary into
// the small taxonomy the SFTP protocol engine maps onto wire status codes.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the classification of an error as it crosses from the sandbox or
// VFS layer into the SFTP protocol engine.
type Kind int

const (
	// Other is the zero value; it should never appear on a classified error.
	Other Kind = iota
	NotFound
	PermissionDenied
	InvalidInput
	Unsupported
	IoFailure
	AuthFailure
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case PermissionDenied:
		return "permission_denied"
	case InvalidInput:
		return "invalid_input"
	case Unsupported:
		return "unsupported"
	case IoFailure:
		return "io_failure"
	case AuthFailure:
		return "auth_failure"
	default:
		return "other"
	}
}

// Error is a classified error with an optional wrapped cause and op tag.
type Error struct {
	kind  Kind
	op    string
	cause error
}

func (e *Error) Error() string {
	if e.op != "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.op, e.kind, e.cause)
		}
		return fmt.Sprintf("%s: %s", e.op, e.kind)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.kind, e.cause)
	}
	return e.kind.String()
}

// Unwrap returns the wrapped cause, if any, for errors.Is/As compatibility.
func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the classification of err, or Other if err is not a
// classified error (or is nil).
func KindOf(err error) Kind {
	if err == nil {
		return Other
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Other
}

func newErr(kind Kind, op string, cause error) *Error {
	return &Error{kind: kind, op: op, cause: cause}
}

// New constructs a classified error from a kind and message, with no cause.
func New(kind Kind, op, msg string) *Error {
	return newErr(kind, op, errors.New(msg))
}

// Wrap classifies cause as kind, tagging it with op for context.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return newErr(kind, op, cause)
}

func NotFoundf(op, format string, args ...interface{}) *Error {
	return newErr(NotFound, op, fmt.Errorf(format, args...))
}

func PermissionDeniedf(op, format string, args ...interface{}) *Error {
	return newErr(PermissionDenied, op, fmt.Errorf(format, args...))
}

func InvalidInputf(op, format string, args ...interface{}) *Error {
	return newErr(InvalidInput, op, fmt.Errorf(format, args...))
}

func Unsupportedf(op, format string, args ...interface{}) *Error {
	return newErr(Unsupported, op, fmt.Errorf(format, args...))
}

func IoFailuref(op, format string, args ...interface{}) *Error {
	return newErr(IoFailure, op, fmt.Errorf(format, args...))
}

func AuthFailuref(op, format string, args ...interface{}) *Error {
	return newErr(AuthFailure, op, fmt.Errorf(format, args...))
}
