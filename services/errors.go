package services

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeRejected             ErrorType = "rejected"
	ErrorTypeCircuitOpen          ErrorType = "circuit_open"
	ErrorTypeAuditDropped         ErrorType = "audit_dropped"
	ErrorTypeConfigurationInvalid ErrorType = "configuration_invalid"
	ErrorTypeValidation           ErrorType = "validation"
	ErrorTypeNotFound             ErrorType = "not_found"
	ErrorTypeUnauthorized         ErrorType = "unauthorized"
	ErrorTypeForbidden            ErrorType = "forbidden"
	ErrorTypeInternal             ErrorType = "internal"
	ErrorTypeExternal             ErrorType = "external"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError of the same type.
// CircuitOpen is a specialization of Rejected, so it also matches ErrRejected.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Type == t.Type {
		return true
	}
	return e.Type == ErrorTypeCircuitOpen && t.Type == ErrorTypeRejected
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is comparisons. Never attach details to these;
// use the constructors below to build request-specific errors.
var (
	ErrRejected             = NewDomainError(ErrorTypeRejected, "request rejected", nil)
	ErrCircuitOpen          = NewDomainError(ErrorTypeCircuitOpen, "circuit open", nil)
	ErrAuditDropped         = NewDomainError(ErrorTypeAuditDropped, "audit event dropped", nil)
	ErrConfigurationInvalid = NewDomainError(ErrorTypeConfigurationInvalid, "invalid configuration", nil)
	ErrInvalidInput         = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrNotFound             = NewDomainError(ErrorTypeNotFound, "not found", nil)
	ErrUnauthorized         = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrForbidden            = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInternal             = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// NewRateLimitedError builds a Rejected error carrying the retry-after hint
func NewRateLimitedError(route string, retryAfter time.Duration) *DomainError {
	return NewDomainError(ErrorTypeRejected, "rate limit exceeded", nil).
		WithDetail("route", route).
		WithDetail("retry_after_seconds", RetryAfterSeconds(retryAfter))
}

// NewCircuitOpenError builds a CircuitOpen error for a dependency
func NewCircuitOpenError(dependency string) *DomainError {
	return NewDomainError(ErrorTypeCircuitOpen, "dependency unavailable", nil).
		WithDetail("dependency", dependency)
}

// NewConfigurationError builds a ConfigurationInvalid error.
// Only ever returned at load time.
func NewConfigurationError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeConfigurationInvalid, message, err)
}

// NewNotFoundError builds a NotFound error for a named resource
func NewNotFoundError(resource, name string) *DomainError {
	return NewDomainError(ErrorTypeNotFound, resource+" not found", nil).
		WithDetail(resource, name)
}

// RetryAfterSeconds rounds a retry-after duration up to whole seconds.
// A negative result means the request can never be satisfied.
func RetryAfterSeconds(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// Error type checking helper functions

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsRejectedError reports rate-limit and circuit rejections alike
func IsRejectedError(err error) bool {
	return hasType(err, ErrorTypeRejected) || hasType(err, ErrorTypeCircuitOpen)
}

// IsCircuitOpenError checks if an error is a circuit-open rejection
func IsCircuitOpenError(err error) bool {
	return hasType(err, ErrorTypeCircuitOpen)
}

// IsAuditDroppedError checks if an error is a dropped audit event
func IsAuditDroppedError(err error) bool {
	return hasType(err, ErrorTypeAuditDropped)
}

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	return hasType(err, ErrorTypeConfigurationInvalid)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return hasType(err, ErrorTypeUnauthorized)
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return hasType(err, ErrorTypeForbidden)
}

// IsExternalError checks if an error is a downstream dependency error
func IsExternalError(err error) bool {
	return hasType(err, ErrorTypeExternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as a downstream dependency error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
