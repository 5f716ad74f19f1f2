package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"configuration", NewConfigurationError("missing field", nil), IsConfigurationError},
		{"template", NewTemplateError("no template", nil), IsTemplateError},
		{"not found", NewNotFoundError("unknown service", nil), IsNotFoundError},
		{"wrapped service", fmt.Errorf("outer: %w", NewServiceError("start failed", nil)), IsServiceError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.False(t, IsTimeoutError(tt.err))
		})
	}
}

func TestDomainErrorWithContext(t *testing.T) {
	err := NewConfigurationError("missing description", nil).WithContext("service", "redis")
	assert.Equal(t, "redis", err.Context["service"])
	assert.Equal(t, "configuration: missing description", err.Error())
}

func TestGeneratorErrorNamesEveryFailedService(t *testing.T) {
	genErr := NewGeneratorError()
	genErr.Add("worker", NewConfigurationError("missing exec_start", nil))
	genErr.Add("redis", nil)
	genErr.Add("scheduler", NewTemplateError("render failed", nil))

	require.True(t, genErr.HasErrors())
	assert.Equal(t, []string{"worker", "scheduler"}, genErr.Services())
	assert.Contains(t, genErr.Error(), "worker")
	assert.Contains(t, genErr.Error(), "scheduler")
	assert.NotContains(t, genErr.Error(), "redis")

	err := genErr.ToError()
	assert.True(t, IsGeneratorError(err))
	assert.True(t, IsConfigurationError(err))
	assert.True(t, IsTemplateError(err))
}

func TestEmptyGeneratorErrorIsNil(t *testing.T) {
	assert.NoError(t, NewGeneratorError().ToError())
}

func TestPlatformErrorCategories(t *testing.T) {
	dep := NewDependencyFailure("requests", "python", "module not found")
	assert.Equal(t, CategoryDependency, dep.Category)
	assert.True(t, dep.Recoverable)
	assert.Equal(t, "requests", dep.Package)
	assert.Equal(t, "python", dep.Ecosystem)

	svc := NewServiceFailure("worker", "worker crashed").NonRecoverable()
	assert.False(t, svc.Recoverable)

	wrapped := fmt.Errorf("monitor: %w", NewConfigurationFailure("/etc/estate/app.yaml", "bad yaml"))
	platformErr, ok := AsPlatformError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CategoryConfiguration, platformErr.Category)
	assert.Equal(t, "/etc/estate/app.yaml", platformErr.FilePath)

	_, ok = AsPlatformError(NewIOError("disk", nil))
	assert.False(t, ok)
}
