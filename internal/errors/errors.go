package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Protocol errors. Services wrap these with fmt.Errorf("%w: ...") and
// callers match with errors.Is.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidState      = errors.New("invalid state transition")
	ErrDriverUnavailable = errors.New("driver unavailable")
	ErrOfferExpired      = errors.New("offer expired")
	ErrBadRequest        = errors.New("bad request")

	ErrIdempotencyConflict = errors.New("idempotency key conflict")
)

// APIError represents a structured API error
type APIError struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

// NewAPIError creates a new API error
func NewAPIError(code, message string, statusCode int) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

func NotFound(resource string) *APIError {
	return NewAPIError("not_found", fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func BadRequest(message string) *APIError {
	return NewAPIError("bad_request", message, http.StatusBadRequest)
}

func InternalError(message string) *APIError {
	return NewAPIError("internal_error", message, http.StatusInternalServerError)
}

func InvalidState(message string) *APIError {
	return NewAPIError("invalid_state", message, http.StatusConflict)
}

func DriverUnavailable(message string) *APIError {
	return NewAPIError("driver_unavailable", message, http.StatusConflict)
}

func OfferExpired(message string) *APIError {
	return NewAPIError("offer_expired", message, http.StatusGone)
}

func IdempotencyConflict() *APIError {
	return NewAPIError("idempotency_conflict", "idempotency key already used with different request", http.StatusConflict)
}

// FromError maps a service error onto its API representation. The wrapped
// message is kept so callers see which job or driver was involved.
func FromError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return NewAPIError("not_found", err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidState):
		return InvalidState(err.Error())
	case errors.Is(err, ErrDriverUnavailable):
		return DriverUnavailable(err.Error())
	case errors.Is(err, ErrOfferExpired):
		return OfferExpired(err.Error())
	case errors.Is(err, ErrBadRequest):
		return BadRequest(err.Error())
	case errors.Is(err, ErrIdempotencyConflict):
		return IdempotencyConflict()
	default:
		return InternalError("internal server error")
	}
}
