// Package apperr provides the structured error type shared by the realtime
// core and its transports.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code sent to clients in error frames.
type Code string

const (
	CodeInternal        Code = "INTERNAL"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeUnavailable     Code = "UNAVAILABLE"

	// Combat validation
	CodeNotYourTurn       Code = "NOT_YOUR_TURN"
	CodeActionAlreadyUsed Code = "ACTION_ALREADY_USED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeStaleTurn         Code = "STALE_TURN"

	// Identity and permissions
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"

	// Rooms and resync
	CodeSessionArchived     Code = "SESSION_ARCHIVED"
	CodeSequenceGapTooLarge Code = "SEQUENCE_GAP_TOO_LARGE"
)

// Class groups codes by how a client is expected to recover.
type Class string

const (
	ClassValidation    Class = "validation"
	ClassAuthorization Class = "authorization"
	ClassStaleness     Class = "staleness"
	ClassTransport     Class = "transport"
	ClassInternal      Class = "internal"
)

// Class reports the recovery class for the code.
func (c Code) Class() Class {
	switch c {
	case CodeInvalidArgument, CodeNotFound, CodeNotYourTurn, CodeActionAlreadyUsed,
		CodeInvalidTransition, CodeStaleTurn, CodeSessionArchived:
		return ClassValidation
	case CodeUnauthenticated, CodeForbidden:
		return ClassAuthorization
	case CodeSequenceGapTooLarge:
		return ClassStaleness
	case CodeRateLimited, CodeUnavailable:
		return ClassTransport
	default:
		return ClassInternal
	}
}

// Retryable reports whether resending the same request may succeed.
func (c Code) Retryable() bool {
	return c == CodeUnavailable || c == CodeRateLimited
}

// HTTPStatus maps the code to the status used by the HTTP routes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument, CodeNotYourTurn, CodeActionAlreadyUsed, CodeInvalidTransition:
		return http.StatusBadRequest
	case CodeStaleTurn, CodeSessionArchived:
		return http.StatusConflict
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeSequenceGapTooLarge:
		return http.StatusGone
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the domain error type with a code and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf returns the client-facing message for err. Errors without a
// code never leak their text.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}
