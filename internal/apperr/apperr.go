// Package apperr implements the platform's single error taxonomy: a closed
// set of Kinds that map to an HTTP status and a machine-readable envelope
// code, shared by all three services so a client sees one error shape
// regardless of which service produced it.
package apperr

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Kind is a closed enum. Adding a Kind requires updating StatusOf.
type Kind int

const (
	KindValidation Kind = iota
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
	KindRateLimited
	KindUpstreamUnavailable
	KindInternal
)

// Error is the error type every service-layer operation returns. Handlers
// type-assert (via As) down to *Error and render the envelope; anything
// that isn't an *Error is treated as KindInternal.
type Error struct {
	Kind    Kind
	Code    string // machine-readable envelope code, e.g. AUTHENTICATION_ERROR
	Message string
	Details map[string]any
	Err     error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Constructors for the common cases, matching §4.13's table.

func Validation(message string, fields ...string) *Error {
	e := New(KindValidation, "VALIDATION_ERROR", message)
	if len(fields) > 0 {
		e.Details = map[string]any{"fields": fields}
	}
	return e
}

// AuthenticationError is always surfaced with a single stable message at the
// API boundary — "invalid credentials" — never leaking which of
// user-unknown / wrong-password / inactive occurred. subReason is logged,
// never rendered to the client.
func AuthenticationError(subReason string) *Error {
	slog.Info("authentication failed", "subReason", subReason)
	return New(KindAuthentication, "AUTHENTICATION_ERROR", "invalid credentials")
}

func MissingToken() *Error {
	return New(KindAuthentication, "AUTHENTICATION_ERROR", "missing token").WithDetails(map[string]any{"subReason": "MISSING_TOKEN"})
}

func InvalidToken() *Error {
	return New(KindAuthentication, "AUTHENTICATION_ERROR", "invalid token").WithDetails(map[string]any{"subReason": "INVALID_TOKEN"})
}

func TokenExpired() *Error {
	return New(KindAuthentication, "AUTHENTICATION_ERROR", "token expired").WithDetails(map[string]any{"subReason": "TOKEN_EXPIRED"})
}

func Authorization(message string) *Error {
	return New(KindAuthorization, "AUTHORIZATION_ERROR", message)
}

func NotFound(resource string) *Error {
	return New(KindNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *Error {
	return New(KindConflict, "CONFLICT", message)
}

func RateLimited(message string) *Error {
	return New(KindRateLimited, "RATE_LIMIT_EXCEEDED", message)
}

// ProxyError is the downstream-5xx/connection-error case (§4.4 point 4).
func ProxyError(service string, cause error) *Error {
	return Wrap(KindUpstreamUnavailable, "PROXY_ERROR", fmt.Sprintf("upstream %s unavailable", service), cause).
		WithDetails(map[string]any{"service": service})
}

func StorageServiceError(cause error) *Error {
	return Wrap(KindUpstreamUnavailable, "STORAGE_SERVICE_ERROR", "catalog store unavailable", cause)
}

func Internal(message string, cause error) *Error {
	return Wrap(KindInternal, "INTERNAL_SERVER_ERROR", message, cause)
}

// NoProvider and InvalidProviderConfig are LLM-dispatcher-specific leaves of
// KindValidation (§7 "Provider dispatcher misconfiguration").
func NoProvider() *Error {
	return New(KindValidation, "NO_PROVIDER", "no active provider available for this purpose")
}

func InvalidProviderConfig(message string) *Error {
	return New(KindValidation, "INVALID_CONFIG", message)
}

// StatusOf returns the HTTP status for a Kind, per §4.13.
func StatusOf(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// As extracts an *Error from any error, synthesizing a KindInternal wrapper
// for errors that didn't originate from this package.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal server error", err)
}
