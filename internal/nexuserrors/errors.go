// Package nexuserrors defines the error taxonomy shared by every Nexus
// component. A Kind maps one-to-one to a stable JSON-RPC error code so the
// RPC surface never has to guess how to shape a failure.
package nexuserrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry policy and wire-protocol mapping.
type Kind string

const (
	InvalidArgument    Kind = "invalid_argument"
	Unauthenticated    Kind = "unauthenticated"
	PermissionDenied   Kind = "permission_denied"
	NotFound           Kind = "not_found"
	AlreadyExists      Kind = "already_exists"
	FailedPrecondition Kind = "failed_precondition"
	Conflict           Kind = "conflict"
	Unavailable        Kind = "unavailable"
	Timeout            Kind = "timeout"
	Internal           Kind = "internal"
)

// Retriable reports whether callers should retry an error of this kind.
// Conflict, Unavailable and Timeout are retriable; FailedPrecondition is
// "sometimes" per spec and left to the caller to decide case by case.
func (k Kind) Retriable() bool {
	switch k {
	case Conflict, Unavailable, Timeout:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a Kind and optional structured
// detail. Only Internal should ever be constructed from an unexpected
// state; every routine denial uses one of the other kinds.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// Detail carries the subject/permission/object triple for
	// PermissionDenied errors, per spec.md §7, so an operator can
	// reproduce the decision via rebac_explain.
	Detail map[string]string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error without losing it.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Denied builds a PermissionDenied error carrying the reproducible
// decision triple required by spec.md §7.
func Denied(subject, permission, object string) *Error {
	return &Error{
		Kind:    PermissionDenied,
		Message: fmt.Sprintf("%s lacks %s on %s", subject, permission, object),
		Detail: map[string]string{
			"subject":    subject,
			"permission": permission,
			"object":     object,
		},
	}
}

// KindOf extracts the Kind of err, defaulting to Internal when err does
// not carry one. Internal is the correct default: an error nobody
// classified is, by definition, a bug rather than a routine denial.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

var (
	ErrNotMounted       = New(NotFound, "no mount covers this path")
	ErrMountExists      = New(AlreadyExists, "a mount is already registered at this prefix")
	ErrContentNotFound  = New(NotFound, "content blob not found")
	ErrInvalidPath      = New(InvalidArgument, "invalid virtual path")
	ErrDepthCapExceeded = New(Internal, "rewrite graph depth cap exceeded")
	ErrInvalidNamespace = New(FailedPrecondition, "malformed namespace configuration")
	ErrSingleWriter     = New(FailedPrecondition, "metadata store does not support the multi-writer role")
)
