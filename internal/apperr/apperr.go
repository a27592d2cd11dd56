// Package apperr holds the error taxonomy shared by the dispatch core and its
// transports. Callers wrap a sentinel with context and test with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrStateConflict       = errors.New("state conflict")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidCode         = errors.New("invalid code")
	ErrOTPLocked           = errors.New("too many otp attempts")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

func Unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

func Upstream(service string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, service, err)
}

// Code returns the wire code clients receive for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCode):
		return "INVALID_CODE"
	case errors.Is(err, ErrOTPLocked):
		return "OTP_LOCKED"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrStateConflict):
		return "STATE_CONFLICT"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "INVALID_CODE":
		return http.StatusUnprocessableEntity
	case "OTP_LOCKED":
		return http.StatusTooManyRequests
	case "VALIDATION_ERROR":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "STATE_CONFLICT":
		return http.StatusConflict
	case "UNAUTHORIZED":
		return http.StatusForbidden
	case "UPSTREAM_UNAVAILABLE":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Expected reports whether err is an ordinary outcome of concurrent or
// user-driven flows rather than a fault worth logging at error level.
func Expected(err error) bool {
	switch Code(err) {
	case "INTERNAL", "UPSTREAM_UNAVAILABLE":
		return false
	default:
		return true
	}
}
