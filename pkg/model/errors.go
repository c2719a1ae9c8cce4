package model

import "fmt"

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrForbidden    ErrorCode = "FORBIDDEN"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the broker API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// NewForbiddenError creates a FORBIDDEN APIError.
func NewForbiddenError(msg string) *APIError {
	return &APIError{Code: ErrForbidden, Message: msg}
}

// NewDuplicateHostError is returned when registering a host id that is
// already active.
func NewDuplicateHostError(id string) *APIError {
	return &APIError{
		Code:    ErrConflict,
		Message: fmt.Sprintf("host '%s' is already registered and active", id),
	}
}

// NewUnknownHostError is returned for operations on an unregistered host.
func NewUnknownHostError(id string) *APIError {
	return NewNotFoundError("host", id)
}

// NewHostBusyError is returned when deregistering a host with a live job.
func NewHostBusyError(id, jobID string) *APIError {
	return &APIError{
		Code:    ErrConflict,
		Message: fmt.Sprintf("host '%s' is busy with job '%s'", id, jobID),
	}
}

// NewNotCancellableError is returned when cancelling a terminal job.
func NewNotCancellableError(id string, status JobStatus) *APIError {
	return &APIError{
		Code:    ErrConflict,
		Message: fmt.Sprintf("job '%s' is %s and cannot be cancelled", id, status),
	}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition from %s to %s (id %s)", e.Entity, e.From, e.To, e.ID)
}
