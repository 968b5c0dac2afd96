package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so it stays distinguishable at the API boundary.
// Every error crossing a package boundary carries exactly one Kind.
type Kind string

const (
	KindValidation                 Kind = "validation"
	KindUnauthenticated            Kind = "unauthenticated"
	KindForbidden                  Kind = "forbidden"
	KindNotFound                   Kind = "not_found"
	KindConflict                   Kind = "conflict"
	KindAlreadyGlobal              Kind = "already_global"
	KindSessionAlreadyDisconnected Kind = "session_already_disconnected"
	KindTokenExpired               Kind = "token_expired"
	KindInvalidToken               Kind = "invalid_token"
	KindSessionIDMismatch          Kind = "session_id_mismatch"
	KindStorageUnavailable         Kind = "storage_unavailable"
	KindProviderUnavailable        Kind = "provider_unavailable"
	KindProviderTimeout            Kind = "provider_timeout"
	KindRateLimited                Kind = "rate_limited"
	KindInternal                   Kind = "internal"
)

// Error is the structured error used throughout the Archon core.
// Field carries a field path for validation failures; Details is an optional
// free-form payload surfaced to API clients.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Details map[string]interface{}
	wrapped error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is lets errors.Is match on Kind: errors.Is(err, &Error{Kind: KindConflict}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E constructs an Error of the given kind.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// ValidationField builds a validation error carrying the offending field path.
func ValidationField(field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Field: field}
}

// KindOf extracts the Kind from any error. Unclassified errors report
// KindInternal so nothing leaks through the boundary untyped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the HTTP status defined in the error
// handling design. Specialized MCP and document kinds map onto their
// conflict/not-found base statuses.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated, KindTokenExpired, KindInvalidToken:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindAlreadyGlobal, KindSessionAlreadyDisconnected, KindSessionIDMismatch:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindStorageUnavailable, KindProviderUnavailable, KindProviderTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether callers may retry the failed operation.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindStorageUnavailable, KindProviderUnavailable, KindProviderTimeout, KindRateLimited:
		return true
	}
	return false
}
