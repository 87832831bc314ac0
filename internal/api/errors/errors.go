package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/pkg/client"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict represents a conflict error
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeUnavailable means a dependency such as the push connection is down
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeUpstream means the backend or token provider failed
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeTimeout represents a timeout error
	ErrorTypeTimeout ErrorType = "timeout"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"` // Not serialized
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

func newError(t ErrorType, status int, code, message string) *APIError {
	return &APIError{Type: t, Code: code, Message: message, HTTPCode: status}
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, code, message)
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, code, message)
}

// ConflictError creates a new conflict error
func ConflictError(code string, message string) *APIError {
	return newError(ErrorTypeConflict, http.StatusConflict, code, message)
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, code, message)
}

// UnavailableError creates a new service unavailable error
func UnavailableError(code string, message string) *APIError {
	return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, code, message)
}

// UpstreamError creates a new bad gateway error
func UpstreamError(code string, message string) *APIError {
	return newError(ErrorTypeUpstream, http.StatusBadGateway, code, message)
}

// TimeoutError creates a new timeout error
func TimeoutError(code string, message string) *APIError {
	return newError(ErrorTypeTimeout, http.StatusGatewayTimeout, code, message)
}

// FromError maps a Go error, including the domain taxonomy, onto an API error
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	// Check if it's already an APIError
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case stderrors.Is(err, domain.ErrNotFound):
		return NotFoundError("not_found", err.Error())
	case stderrors.Is(err, domain.ErrValidation):
		return ValidationError("invalid_payload", err.Error())
	case stderrors.Is(err, domain.ErrInvalidTransition):
		return ConflictError("invalid_transition", err.Error())
	case stderrors.Is(err, domain.ErrNotConnected), stderrors.Is(err, domain.ErrExhaustedRetry):
		return UnavailableError("not_connected", err.Error())
	case stderrors.Is(err, domain.ErrQueueFull):
		return UnavailableError("queue_full", err.Error())
	case stderrors.Is(err, context.DeadlineExceeded):
		return TimeoutError("timeout", err.Error())
	}

	var statusErr *client.StatusError
	if stderrors.As(err, &statusErr) {
		return UpstreamError("upstream_error", err.Error())
	}

	// Default to an internal server error
	return InternalError("internal_error", err.Error())
}
