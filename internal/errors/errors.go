// Package errors classifies failures of the import pipeline. The category decides the HTTP
// status on the submission path and whether the worker hands a job back to the queue.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/finance-importer/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategoryValidation represents validation errors, including permanent pipeline faults
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents integrity violations
	CategoryConflict ErrorCategory = "conflict"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryQueue represents job queue errors
	CategoryQueue ErrorCategory = "queue"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

func newError(category ErrorCategory, status int, code, message string) *CategorizedError {
	return &CategorizedError{Category: category, StatusCode: status, Code: code, Message: message}
}

func (e *CategorizedError) with(key string, value interface{}) *CategorizedError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *CategorizedError) causedBy(cause error) *CategorizedError {
	e.Cause = cause
	return e
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the wire error shape
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Submission errors (4xx)

// NewInvalidMappingError creates an error for a column mapping missing a required role
func NewInvalidMappingError(field string) *CategorizedError {
	return newError(CategoryUserInput, http.StatusBadRequest, "INVALID_MAPPING",
		fmt.Sprintf("column mapping must assign the %s column", field)).
		with("field", field)
}

// NewPayloadTooLargeError creates an error for CSV uploads above the configured limit
func NewPayloadTooLargeError(size, limit int) *CategorizedError {
	return newError(CategoryUserInput, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE",
		fmt.Sprintf("csv payload is %d bytes, limit is %d", size, limit)).
		with("size", size).
		with("limit", limit)
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return newError(CategoryAuthorization, http.StatusUnauthorized, "UNAUTHORIZED", message)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return newError(CategoryNotFound, http.StatusNotFound, "NOT_FOUND",
		fmt.Sprintf("%s not found: %s", resource, id)).
		with("resource", resource).
		with("id", id)
}

// NewRateLimitError creates a rate limit error. retryAfter is in seconds.
func NewRateLimitError(retryAfter int) *CategorizedError {
	return newError(CategoryRateLimit, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded").
		with("retryAfter", retryAfter)
}

// Pipeline faults (permanent)

// NewMalformedCSVError creates the fault raised when the whole file cannot be parsed
func NewMalformedCSVError(cause error) *CategorizedError {
	return newError(CategoryValidation, http.StatusUnprocessableEntity, "MALFORMED_CSV",
		"El archivo CSV no tiene un formato válido").
		causedBy(cause)
}

// NewNoActiveAccountsError creates the fault raised when the user has nothing to import into
func NewNoActiveAccountsError(userID string) *CategorizedError {
	return newError(CategoryValidation, http.StatusUnprocessableEntity, "NO_ACTIVE_ACCOUNTS",
		"No hay cuentas disponibles para importar").
		with("userId", userID)
}

// NewConstraintError wraps an integrity violation raised while persisting a single row
func NewConstraintError(constraint string, cause error) *CategorizedError {
	return newError(CategoryConflict, http.StatusConflict, "CONSTRAINT_VIOLATION",
		"No se pudo guardar la transacción").
		with("constraint", constraint).
		causedBy(cause)
}

// Infrastructure errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return newError(CategorySystem, http.StatusInternalServerError, "INTERNAL_ERROR", message).
		causedBy(cause)
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return newError(CategoryDatabase, http.StatusInternalServerError, "DATABASE_ERROR",
		fmt.Sprintf("database error during %s", operation)).
		with("operation", operation).
		causedBy(cause)
}

// NewQueueError creates a job queue error
func NewQueueError(operation string, cause error) *CategorizedError {
	return newError(CategoryQueue, http.StatusServiceUnavailable, "QUEUE_ERROR",
		fmt.Sprintf("queue error during %s", operation)).
		with("operation", operation).
		causedBy(cause)
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return newError(CategorySystem, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
		fmt.Sprintf("service unavailable: %s", service)).
		with("service", service)
}

// serviceErrorCodes maps wire error codes back to a category and status
var serviceErrorCodes = map[string]struct {
	category ErrorCategory
	status   int
}{
	"INVALID_MAPPING":     {CategoryUserInput, http.StatusBadRequest},
	"INVALID_INPUT":       {CategoryUserInput, http.StatusBadRequest},
	"PAYLOAD_TOO_LARGE":   {CategoryUserInput, http.StatusRequestEntityTooLarge},
	"MALFORMED_CSV":       {CategoryValidation, http.StatusUnprocessableEntity},
	"NOT_FOUND":           {CategoryNotFound, http.StatusNotFound},
	"UNAUTHORIZED":        {CategoryAuthorization, http.StatusUnauthorized},
	"RATE_LIMIT_EXCEEDED": {CategoryRateLimit, http.StatusTooManyRequests},
}

// Categorize categorizes an existing error. Wrapped CategorizedErrors are found with errors.As.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		known, ok := serviceErrorCodes[svcErr.Code]
		if !ok {
			known.category, known.status = CategorySystem, http.StatusInternalServerError
		}
		categorized := newError(known.category, known.status, svcErr.Code, svcErr.Message)
		categorized.Details = svcErr.Details
		return categorized
	}

	return NewInternalError("unexpected error", err)
}

// IsRetryable determines if a job-level error is transient and worth a redelivery
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryDatabase, CategoryQueue:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsCategory reports whether err carries the given category
func IsCategory(err error, category ErrorCategory) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == category
}
