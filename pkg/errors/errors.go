package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeProcess       ErrorType = "process"
	ErrorTypeService       ErrorType = "service"
	ErrorTypeHealthCheck   ErrorType = "health_check"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeTemplate      ErrorType = "template"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypePermission    ErrorType = "permission"
	ErrorTypeIO            ErrorType = "io"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeCancelled     ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewServiceError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeService, message, cause)
}

func NewHealthCheckError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeHealthCheck, message, cause)
}

// NewConfigurationError reports missing or malformed configuration data.
func NewConfigurationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfiguration, message, cause)
}

// NewTemplateError reports a unit template that could not be resolved or rendered.
func NewTemplateError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTemplate, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

// Error checking helpers
func IsValidationError(err error) bool    { return isType(err, ErrorTypeValidation) }
func IsNotFoundError(err error) bool      { return isType(err, ErrorTypeNotFound) }
func IsConflictError(err error) bool      { return isType(err, ErrorTypeConflict) }
func IsProcessError(err error) bool       { return isType(err, ErrorTypeProcess) }
func IsServiceError(err error) bool       { return isType(err, ErrorTypeService) }
func IsHealthCheckError(err error) bool   { return isType(err, ErrorTypeHealthCheck) }
func IsConfigurationError(err error) bool { return isType(err, ErrorTypeConfiguration) }
func IsTemplateError(err error) bool      { return isType(err, ErrorTypeTemplate) }
func IsTimeoutError(err error) bool       { return isType(err, ErrorTypeTimeout) }
func IsPermissionError(err error) bool    { return isType(err, ErrorTypePermission) }
func IsIOError(err error) bool            { return isType(err, ErrorTypeIO) }
func IsNetworkError(err error) bool       { return isType(err, ErrorTypeNetwork) }
func IsInternalError(err error) bool      { return isType(err, ErrorTypeInternal) }
func IsCancelledError(err error) bool     { return isType(err, ErrorTypeCancelled) }

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}

// GeneratorError aggregates per-service generation failures.
// Services that generated successfully are not listed.
type GeneratorError struct {
	Failures map[string]error
	order    []string
}

func NewGeneratorError() *GeneratorError {
	return &GeneratorError{Failures: make(map[string]error)}
}

func (e *GeneratorError) Add(service string, err error) {
	if err == nil {
		return
	}
	if _, exists := e.Failures[service]; !exists {
		e.order = append(e.order, service)
	}
	e.Failures[service] = err
}

// Services returns failed service names in the order they failed.
func (e *GeneratorError) Services() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

func (e *GeneratorError) HasErrors() bool {
	return len(e.Failures) > 0
}

func (e *GeneratorError) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func (e *GeneratorError) Error() string {
	parts := make([]string, 0, len(e.order))
	for _, name := range e.order {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return fmt.Sprintf("failed to generate %d service(s): %s", len(e.order), strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is / errors.As.
func (e *GeneratorError) Unwrap() []error {
	out := make([]error, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.Failures[name])
	}
	return out
}

func IsGeneratorError(err error) bool {
	var genErr *GeneratorError
	return errors.As(err, &genErr)
}
