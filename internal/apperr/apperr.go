// Package apperr defines the error kinds shared by the domain packages and
// the transport layers that map them to status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kinds. Every error returned by a domain operation matches exactly one of
// these through errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrDecode          = errors.New("field unreadable")
	ErrInternal        = errors.New("internal error")
)

var kinds = []error{
	ErrValidation,
	ErrNotFound,
	ErrConflict,
	ErrUnauthenticated,
	ErrForbidden,
	ErrDecode,
	ErrInternal,
}

// Reason is a specific, user-visible cause belonging to one kind.
// Reasons are declared once as package-level values and compared with errors.Is.
type Reason struct {
	Kind error
	Code string
	Msg  string
}

// New declares a reason of the given kind.
func New(kind error, code, msg string) *Reason {
	return &Reason{Kind: kind, Code: code, Msg: msg}
}

func (r *Reason) Error() string {
	if r.Msg != "" {
		return r.Msg
	}
	return r.Code
}

// Unwrap exposes the kind so errors.Is(reason, ErrConflict) holds.
func (r *Reason) Unwrap() error { return r.Kind }

// OpError records the operation that failed.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// Op wraps err with the operation name. A nil err stays nil.
func Op(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// Validation returns a validation error carrying a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Internal marks an unexpected failure, usually from storage.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != ErrInternal {
		return err
	}
	if errors.Is(err, ErrInternal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}

// KindOf returns the kind matched by err, or ErrInternal when none matches.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// CodeOf returns the reason code of err, or a code derived from its kind.
func CodeOf(err error) string {
	var r *Reason
	if errors.As(err, &r) {
		return r.Code
	}
	switch KindOf(err) {
	case ErrValidation:
		return "invalid_input"
	case ErrNotFound:
		return "not_found"
	case ErrConflict:
		return "conflict"
	case ErrUnauthenticated:
		return "unauthenticated"
	case ErrForbidden:
		return "forbidden"
	case ErrDecode:
		return "degraded"
	default:
		return "internal"
	}
}
