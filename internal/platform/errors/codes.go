// Package errors provides structured error handling for the sync engine.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeAuth indicates a missing or invalid bearer token. Not retried.
	CodeAuth Code = "AUTH_TOKEN_INVALID"

	// CodeForbidden indicates the caller is not a member or holds an
	// insufficient token balance. Not retried.
	CodeForbidden Code = "ACCESS_FORBIDDEN"

	// CodeInvalid indicates a malformed payload. Not retried.
	CodeInvalid Code = "INVALID_PAYLOAD"

	// CodeTransient indicates a timeout or connection drop. Subscription
	// streams retry these; mutation calls do not.
	CodeTransient Code = "TRANSIENT_NETWORK"

	// CodeConflict indicates a duplicate unique constraint, e.g. a
	// membership race.
	CodeConflict Code = "CONFLICT"

	// CodeNotFound indicates the referenced resource does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeRateLimited indicates the local spam guard denied a write.
	CodeRateLimited Code = "RATE_LIMITED"
)

// HTTPStatus maps an error code to the HTTP status the mutation API uses
// for that class of failure.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// CodeFromHTTPStatus maps a mutation API response status to an error code.
func CodeFromHTTPStatus(status int) Code {
	switch status {
	case http.StatusUnauthorized:
		return CodeAuth
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusBadRequest:
		return CodeInvalid
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusTooManyRequests:
		return CodeRateLimited
	default:
		if status >= 500 {
			return CodeTransient
		}
		return CodeUnknown
	}
}

// Retryable reports whether subscription streams may retry this class of
// failure. Mutation calls never auto-retry regardless of code.
func (c Code) Retryable() bool {
	return c == CodeTransient
}
