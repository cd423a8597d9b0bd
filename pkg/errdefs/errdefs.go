package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error identifier carried across component boundaries and
// surfaced verbatim in API error envelopes.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindDirectiveNotFound Kind = "directive_not_found"
	KindHostNotFound      Kind = "host_not_found"
	KindRunNotFound       Kind = "run_not_found"
	KindNotFound          Kind = "not_found"
	KindNoEligibleHost    Kind = "no_eligible_host"
	KindImageNotAllowed   Kind = "image_not_allowed"
	KindInsufficientVRAM  Kind = "insufficient_vram"
	KindDispatchFailed    Kind = "dispatch_failed"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindHostUnhealthy     Kind = "host_unhealthy"
	KindInternal          Kind = "internal"
)

// Error carries a kind and a short, non-sensitive message.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates an Error with the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation is shorthand for a validation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// Internal wraps an unexpected error, keeping only its message text.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: err.Error()}
}

// KindOf extracts the kind from err, mapping unknown errors to internal.
func KindOf(err error) Kind {
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

// AsError converts any error into an *Error, preserving an existing one.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// HTTPStatus maps an error kind to its HTTP response code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindDirectiveNotFound, KindHostNotFound, KindRunNotFound, KindNotFound:
		return http.StatusNotFound
	case KindNoEligibleHost, KindImageNotAllowed, KindInsufficientVRAM:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return http.StatusConflict
	case KindHostUnhealthy, KindDispatchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
