package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrInvalidState       = "INVALID_STATE"
	ErrRateLimited        = "RATE_LIMITED"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Run-specific error codes.
const (
	ErrAllProvidersExhausted = "ALL_PROVIDERS_EXHAUSTED"
	ErrMalformedExtraction   = "MALFORMED_EXTRACTION"
	ErrSearchUnavailable     = "SEARCH_UNAVAILABLE"
	ErrApprovalTimeout       = "APPROVAL_TIMEOUT"
	ErrSynthesisUnavailable  = "SYNTHESIS_UNAVAILABLE"
	ErrRunNotActive          = "RUN_NOT_ACTIVE"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsEnvelope coerces any error into an ErrorEnvelope. Non-envelope errors
// map to INTERNAL_ERROR with their message preserved.
func AsEnvelope(err error) *ErrorEnvelope {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}
	return &ErrorEnvelope{Code: ErrInternalError, Message: err.Error()}
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInvalidStateError returns an INVALID_STATE error. Used when an API call
// is valid in form but not in the run's current state, e.g. resolving an
// approval on a run that has none pending.
func NewInvalidStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidState, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewAllProvidersExhaustedError returns the terminal failure for a single
// gateway call after every provider in the chain has been attempted.
func NewAllProvidersExhaustedError(attempts int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAllProvidersExhausted,
		Message: fmt.Sprintf("all %d providers in the fallback chain failed", attempts),
	}
}

// NewMalformedExtractionError returns a MALFORMED_EXTRACTION error. Callers
// must treat this as a retryable step, not a fatal run failure.
func NewMalformedExtractionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMalformedExtraction, Message: msg}
}

// NewSearchUnavailableError identifies the failing search backend.
func NewSearchUnavailableError(backend string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSearchUnavailable,
		Message: fmt.Sprintf("search backend %q is unavailable", backend),
	}
}

// NewApprovalTimeoutError returns an APPROVAL_TIMEOUT error.
func NewApprovalTimeoutError(approvalID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrApprovalTimeout,
		Message: fmt.Sprintf("approval %q was not resolved within the configured window", approvalID),
	}
}

// NewSynthesisUnavailableError returns a SYNTHESIS_UNAVAILABLE error. The
// run's gathered evidence is retained for a later retry.
func NewSynthesisUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSynthesisUnavailable,
		Message: "assessment synthesis failed after provider exhaustion; evidence retained",
	}
}

// NewRunNotActiveError returns a RUN_NOT_ACTIVE error.
func NewRunNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrRunNotActive, Message: msg}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The backend service did not respond in time",
	}
}
