// Package apperr defines the typed error taxonomy shared by every tool
// implementation. The dispatcher maps these kinds onto JSON-RPC error codes
// and HTTP statuses; implementations only ever return an *Error.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the wire taxonomy.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindPermissionDenied
	KindValidation
	KindNotFound
	KindAlreadyExists
	KindInvalidTransition
	KindInvalidRelation
	KindConflict
	KindResourceExhausted
	KindDeadline
	KindUnavailable
	KindSecurity
)

// Error is a classified error with an optional field path for validation
// failures. The message is user-visible and must never contain secrets.
type Error struct {
	Kind  Kind
	Field string
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindPermissionDenied:
		return "permission_denied"
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindInvalidRelation:
		return "invalid_relation"
	case KindConflict:
		return "conflict"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindDeadline:
		return "deadline"
	case KindUnavailable:
		return "unavailable"
	case KindSecurity:
		return "security_error"
	default:
		return "internal"
	}
}

// JSONRPCCode returns the JSON-RPC error code for the kind.
func (k Kind) JSONRPCCode() int {
	switch k {
	case KindUnauthenticated:
		return -32001
	case KindPermissionDenied:
		return -32002
	case KindValidation:
		return -32602
	case KindNotFound:
		return -32004
	case KindAlreadyExists:
		return -32005
	case KindInvalidTransition:
		return -32010
	case KindInvalidRelation:
		return -32011
	case KindConflict:
		return -32012
	case KindResourceExhausted:
		return -32020
	case KindDeadline:
		return -32021
	case KindUnavailable:
		return -32030
	case KindSecurity:
		return -32040
	default:
		return -32000
	}
}

// HTTPStatus returns the HTTP status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthenticated:
		return 401
	case KindPermissionDenied, KindSecurity:
		return 403
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindAlreadyExists, KindInvalidTransition, KindInvalidRelation, KindConflict:
		return 409
	case KindResourceExhausted:
		return 429
	case KindDeadline:
		return 504
	case KindUnavailable:
		return 503
	default:
		return 500
	}
}

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, preserving it for errors.Is/As chains.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: err}
}

// Validation creates a validation error carrying the offending field path.
func Validation(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from an error chain. Unknown errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
