package errors

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeTransient   ErrorType = "transient"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeInternal    ErrorType = "internal"
)

// AppError represents an application error with context
type AppError struct {
	Type          ErrorType         `json:"type"`
	Code          string            `json:"code"`
	Message       string            `json:"message"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Cause         error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithCorrelationID adds a correlation ID to the error
func (e *AppError) WithCorrelationID(correlationID string) *AppError {
	e.CorrelationID = correlationID
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// NewTransientError creates an error for a provider failure that is expected
// to be temporary (network faults, 5xx responses, connection resets).
func NewTransientError(provider, message string) *AppError {
	return NewAppError(ErrorTypeTransient, "TRANSIENT_PROVIDER_ERROR", message).
		WithDetail("provider", provider)
}

func NewRateLimitError(provider string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED",
		fmt.Sprintf("provider %s rate limited the request", provider)).
		WithDetail("provider", provider)
}

// NewCircuitOpenError creates the synthetic error returned when a circuit
// breaker rejects a call. It is signal data for the fallback layer and is
// never retried at the retry layer.
func NewCircuitOpenError(name string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker %s is open", name)).
		WithDetail("breaker", name)
}

// NewTimeoutError creates the structured timeout failure returned when an
// operation exceeds its computed deadline. The timeout value and retry
// count ride along so callers branch on data instead of parsing messages.
func NewTimeoutError(operation string, timeout time.Duration, retryCount int) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT",
		fmt.Sprintf("%s timed out after %s", operation, timeout)).
		WithDetail("operation", operation).
		WithDetail("timeout", timeout.String()).
		WithDetail("retry_count", fmt.Sprintf("%d", retryCount))
}

// ProviderAttempt records the outcome of a single provider attempt inside
// an aggregate failure.
type ProviderAttempt struct {
	Provider string        `json:"provider"`
	Err      error         `json:"-"`
	Error    string        `json:"error"`
	Elapsed  time.Duration `json:"elapsed"`
}

// AllProvidersFailedError is the aggregate error returned when every
// provider in a fallback chain has been exhausted. It carries each
// attempt's error so callers and operators see the full picture.
type AllProvidersFailedError struct {
	Category string            `json:"category"`
	Attempts []ProviderAttempt `json:"attempts"`
}

// Error implements the error interface
func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Provider, a.Error))
	}
	return fmt.Sprintf("all providers failed for category %s: [%s]", e.Category, strings.Join(parts, "; "))
}

// NewAllProvidersFailedError creates an aggregate failure from the recorded attempts
func NewAllProvidersFailedError(category string, attempts []ProviderAttempt) *AllProvidersFailedError {
	return &AllProvidersFailedError{
		Category: category,
		Attempts: attempts,
	}
}

// IsAllProvidersFailed checks if the error is an aggregate provider failure
func IsAllProvidersFailed(err error) bool {
	_, ok := err.(*AllProvidersFailedError)
	return ok
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsRetryable reports whether an error should be retried by default.
// Transient, timeout and rate-limit errors are retryable; validation
// errors and circuit-open rejections are not. Unclassified errors are
// treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := err.(*AppError); ok {
		switch appErr.Type {
		case ErrorTypeTransient, ErrorTypeTimeout, ErrorTypeRateLimit:
			return true
		default:
			return false
		}
	}
	if IsAllProvidersFailed(err) {
		return false
	}
	return true
}

// CountsTowardBreaker reports whether an error should count as a failure
// for circuit breaker purposes. Caller mistakes (validation, not found)
// and caller-initiated cancellation say nothing about provider health and
// are excluded. Deadline expiry does count.
func CountsTowardBreaker(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled {
		return false
	}
	if appErr, ok := err.(*AppError); ok {
		switch appErr.Type {
		case ErrorTypeValidation, ErrorTypeNotFound, ErrorTypeCircuitOpen:
			return false
		}
	}
	return true
}
