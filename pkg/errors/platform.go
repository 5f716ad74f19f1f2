package errors

import (
	"errors"
	"fmt"
)

// FailureCategory tags a PlatformError. Recovery strategies are matched on this value.
type FailureCategory string

const (
	CategoryEnvironment   FailureCategory = "environment"
	CategoryService       FailureCategory = "service"
	CategoryConfiguration FailureCategory = "configuration"
	CategoryDependency    FailureCategory = "dependency"
)

// PlatformError is a runtime failure routed through the recovery engine.
// Only the payload fields of its Category are meaningful.
type PlatformError struct {
	Category    FailureCategory
	Code        string
	Message     string
	Recoverable bool
	Cause       error
	Context     map[string]interface{}

	// environment
	Component string
	// service
	Service string
	// configuration
	FilePath string
	// dependency
	Package   string
	Ecosystem string
}

func (e *PlatformError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Category, e.Code, e.Message)
}

func (e *PlatformError) Unwrap() error {
	return e.Cause
}

func (e *PlatformError) WithContext(key string, value interface{}) *PlatformError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause sets the underlying error.
func (e *PlatformError) WithCause(cause error) *PlatformError {
	e.Cause = cause
	return e
}

// NonRecoverable marks the failure as one that skips strategy matching.
func (e *PlatformError) NonRecoverable() *PlatformError {
	e.Recoverable = false
	return e
}

func newPlatformError(category FailureCategory, code, message string) *PlatformError {
	return &PlatformError{
		Category:    category,
		Code:        code,
		Message:     message,
		Recoverable: true,
		Context:     make(map[string]interface{}),
	}
}

func NewEnvironmentFailure(component, message string) *PlatformError {
	e := newPlatformError(CategoryEnvironment, "ENV_COMPONENT_MISSING", message)
	e.Component = component
	return e.WithContext("component", component)
}

func NewServiceFailure(service, message string) *PlatformError {
	e := newPlatformError(CategoryService, "SERVICE_FAILURE", message)
	e.Service = service
	return e.WithContext("service", service)
}

func NewConfigurationFailure(filePath, message string) *PlatformError {
	e := newPlatformError(CategoryConfiguration, "CONFIG_INVALID", message)
	e.FilePath = filePath
	return e.WithContext("file_path", filePath)
}

func NewDependencyFailure(pkg, ecosystem, message string) *PlatformError {
	e := newPlatformError(CategoryDependency, "DEPENDENCY_MISSING", message)
	e.Package = pkg
	e.Ecosystem = ecosystem
	return e.WithContext("package", pkg).WithContext("ecosystem", ecosystem)
}

// AsPlatformError extracts a PlatformError from err's chain.
func AsPlatformError(err error) (*PlatformError, bool) {
	var platformErr *PlatformError
	if errors.As(err, &platformErr) {
		return platformErr, true
	}
	return nil, false
}
