package server

import (
	"fmt"
	"net/http"
)

// Error codes surfaced in the {ok:false,code,message} envelope.
const (
	CodeValidation         = "validation_error"
	CodeUnauthenticated    = "unauthenticated"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeInsufficientPoints = "insufficient_points"
	CodeStateInvalid       = "state_invalid"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal"
)

// APIError is the single error shape handlers return. Anything else that
// escapes a handler is treated as internal and logged with the request id.
type APIError struct {
	Status  int
	Code    string
	Message string
	Issues  []string

	// RetryAfter, in seconds, is surfaced as a Retry-After header on
	// rate-limit responses.
	RetryAfter int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errValidation(msg string, issues ...string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeValidation, Message: msg, Issues: issues}
}

func errUnauthenticated(msg string) *APIError {
	return &APIError{Status: http.StatusUnauthorized, Code: CodeUnauthenticated, Message: msg}
}

func errForbidden(msg string) *APIError {
	return &APIError{Status: http.StatusForbidden, Code: CodeForbidden, Message: msg}
}

func errNotFound(msg string) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: msg}
}

func errConflict(msg string) *APIError {
	return &APIError{Status: http.StatusConflict, Code: CodeConflict, Message: msg}
}

func errInsufficientPoints() *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeInsufficientPoints, Message: "insufficient points"}
}

func errRateLimited(retryAfterSeconds int) *APIError {
	return &APIError{
		Status:     http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		Message:    "too many requests",
		RetryAfter: retryAfterSeconds,
	}
}

func errStateInvalid(msg string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeStateInvalid, Message: msg}
}

func errInternal() *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal error"}
}
