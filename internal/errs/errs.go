// Package errs defines the small typed-error taxonomy used across the
// mesh ingress (BadRequest, Timeout, RegistryNotFound, SendFailed,
// Serde, Internal) as Go error values that wrap an underlying cause
// with %w.
package errs

import "fmt"

// Kind identifies which bucket of the taxonomy an error belongs to.
type Kind string

const (
	BadRequest      Kind = "bad_request"
	Timeout         Kind = "timeout"
	RegistryNotFound Kind = "registry_not_found"
	SendFailed      Kind = "send_failed"
	Serde           Kind = "serde"
	Internal        Kind = "internal"
)

// Error is a typed error carrying a Kind plus a wrapped cause.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's taxonomy bucket.
func (e *Error) Kind() Kind { return e.kind }

func newErr(k Kind, message string, cause error) *Error {
	return &Error{kind: k, message: message, cause: cause}
}

func BadRequestf(cause error, format string, args ...any) error {
	return newErr(BadRequest, fmt.Sprintf(format, args...), cause)
}

func TimeoutErr(message string) error {
	return newErr(Timeout, message, nil)
}

func RegistryNotFoundErr(message string) error {
	return newErr(RegistryNotFound, message, nil)
}

func SendFailedf(cause error, format string, args ...any) error {
	return newErr(SendFailed, fmt.Sprintf(format, args...), cause)
}

func Serdef(cause error, format string, args ...any) error {
	return newErr(Serde, fmt.Sprintf(format, args...), cause)
}

func Internalf(format string, args ...any) error {
	return newErr(Internal, fmt.Sprintf(format, args...), nil)
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if asErr, ok := err.(*Error); ok {
			e = asErr
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.kind, true
}
