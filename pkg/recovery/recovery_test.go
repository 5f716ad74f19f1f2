package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-platform/pkg/command"
	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

type fakeServices struct {
	calls    []string
	stopErr  error
	startErr error
}

func (f *fakeServices) Stop(ctx context.Context, name string) error {
	f.calls = append(f.calls, "stop "+name)
	return f.stopErr
}

func (f *fakeServices) Start(ctx context.Context, name string) error {
	f.calls = append(f.calls, "start "+name)
	return f.startErr
}

type recordingRunner struct {
	commands []string
	err      error
}

func (r *recordingRunner) Run(ctx context.Context, name string, args ...string) (command.Result, error) {
	r.commands = append(r.commands, strings.Join(append([]string{name}, args...), " "))
	return command.Result{}, r.err
}

type recordingNotifier struct {
	reports []*FailureReport
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(ctx context.Context, report *FailureReport) error {
	n.reports = append(n.reports, report)
	return nil
}

type panickingStrategy struct {
	*attempts
}

func (p *panickingStrategy) Name() string { return "panicking" }

func (p *panickingStrategy) Recover(ctx context.Context, err *errors.PlatformError, rc Context) (bool, error) {
	panic("strategy bug")
}

func TestCapabilityTable(t *testing.T) {
	assert.True(t, Handles(errors.CategoryService, KindServiceRestart))
	assert.True(t, Handles(errors.CategoryDependency, KindDependencyInstall))
	assert.True(t, Handles(errors.CategoryConfiguration, KindConfigurationRepair))
	assert.False(t, Handles(errors.CategoryService, KindDependencyInstall))
	assert.False(t, Handles(errors.CategoryEnvironment, KindServiceRestart))
	assert.False(t, Handles("bogus", KindServiceRestart))
}

func TestStrategyAttemptCeiling(t *testing.T) {
	services := &fakeServices{startErr: fmt.Errorf("unit failed")}
	s := NewServiceRestart(services, 2, logging.NewNopLogger())
	failure := errors.NewServiceFailure("worker", "worker died")

	for i := 0; i < 2; i++ {
		require.True(t, s.CanRecover(failure))
		recovered, err := s.Recover(context.Background(), failure, nil)
		assert.False(t, recovered)
		assert.Error(t, err)
	}
	assert.False(t, s.CanRecover(failure))
	assert.Equal(t, 2, s.Attempts())
}

func TestServiceRestartStopsThenStarts(t *testing.T) {
	services := &fakeServices{}
	s := NewServiceRestart(services, 3, logging.NewNopLogger())

	recovered, err := s.Recover(context.Background(), errors.NewServiceFailure("redis", "redis died"), nil)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, []string{"stop redis", "start redis"}, services.calls)
}

func TestServiceRestartAbortsOnStopFailure(t *testing.T) {
	services := &fakeServices{stopErr: fmt.Errorf("stop timed out")}
	s := NewServiceRestart(services, 3, logging.NewNopLogger())

	recovered, err := s.Recover(context.Background(), errors.NewServiceFailure("redis", "redis died"), nil)
	assert.False(t, recovered)
	assert.Error(t, err)
	assert.Equal(t, []string{"stop redis"}, services.calls)
}

func TestInstallCommand(t *testing.T) {
	tests := []struct {
		ecosystem string
		pkg       string
		expected  string
		valid     bool
	}{
		{"python", "celery", "pip install celery", true},
		{"node", "tailwindcss", "npm install --no-save tailwindcss", true},
		{"system", "redis-server", "apt-get install -y redis-server", true},
		{"go", "github.com/go-task/task/v3/cmd/task", "go install github.com/go-task/task/v3/cmd/task@latest", true},
		{"go", "golang.org/x/tools/gopls@v0.16.0", "go install golang.org/x/tools/gopls@v0.16.0", true},
		{"cobol", "anything", "", false},
		{"python", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.ecosystem+"/"+tt.pkg, func(t *testing.T) {
			cmd, err := InstallCommand(tt.ecosystem, tt.pkg)
			if !tt.valid {
				assert.True(t, errors.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, strings.Join(cmd, " "))
		})
	}
}

func TestDependencyInstall(t *testing.T) {
	runner := &recordingRunner{}
	s := NewDependencyInstall(runner, 3, logging.NewNopLogger())

	recovered, err := s.Recover(context.Background(), errors.NewDependencyFailure("celery", "python", "module missing"), nil)
	require.NoError(t, err)
	assert.True(t, recovered)
	assert.Equal(t, []string{"pip install celery"}, runner.commands)

	runner.err = errors.NewProcessError("exit 1", nil)
	recovered, err = s.Recover(context.Background(), errors.NewDependencyFailure("celery", "python", "module missing"), nil)
	assert.False(t, recovered)
	assert.Error(t, err)
}

func TestConfigurationRepair(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broken: [\n"), 0644))

	s := NewConfigurationRepair(nil, 3, logging.NewNopLogger())
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	failure := errors.NewConfigurationFailure(path, "invalid YAML")
	recovered, err := s.Recover(context.Background(), failure, Context{DefaultConfigKey: "debug: false\n"})
	require.NoError(t, err)
	assert.True(t, recovered)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug: false\n", string(content))

	backup, err := os.ReadFile(path + ".backup.20260102_030405")
	require.NoError(t, err)
	assert.Equal(t, "broken: [\n", string(backup))
}

func TestConfigurationRepairUsesConfiguredDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "generated", "global.yaml")
	defaults := filepath.Join(dir, "global.default.yaml")
	require.NoError(t, os.WriteFile(defaults, []byte("user: estate\n"), 0644))

	s := NewConfigurationRepair(map[string]string{path: defaults}, 3, logging.NewNopLogger())
	recovered, err := s.Recover(context.Background(), errors.NewConfigurationFailure(path, "missing"), nil)
	require.NoError(t, err)
	assert.True(t, recovered)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "user: estate\n", string(content))
}

func TestConfigurationRepairRequiresDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0644))

	s := NewConfigurationRepair(nil, 3, logging.NewNopLogger())
	recovered, err := s.Recover(context.Background(), errors.NewConfigurationFailure(path, "invalid"), nil)
	assert.False(t, recovered)
	assert.True(t, errors.IsNotFoundError(err))

	content, _ := os.ReadFile(path)
	assert.Equal(t, "original", string(content))
}

func TestEngineFirstSuccessfulStrategyWins(t *testing.T) {
	dir := t.TempDir()
	engine := NewEngine(dir, logging.NewNopLogger())
	notifier := &recordingNotifier{}
	engine.AddNotifier(notifier)

	failing := NewServiceRestart(&fakeServices{startErr: fmt.Errorf("unit failed")}, 3, logging.NewNopLogger())
	working := &fakeServices{}
	engine.AddStrategy(NewDependencyInstall(&recordingRunner{}, 3, logging.NewNopLogger()))
	engine.AddStrategy(failing)
	engine.AddStrategy(NewServiceRestart(working, 3, logging.NewNopLogger()))

	ok := engine.Handle(context.Background(), errors.NewServiceFailure("worker", "worker died"), nil)
	assert.True(t, ok)
	assert.Equal(t, 1, failing.Attempts())
	assert.Equal(t, []string{"stop worker", "start worker"}, working.calls)
	assert.Empty(t, notifier.reports)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "error_report_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var report FailureReport
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, "service", report.Category)
	assert.Equal(t, "SERVICE_FAILURE", report.Code)
	assert.True(t, report.Recovered)
	assert.Equal(t, "service-restart", report.Strategy)
	assert.NotEmpty(t, report.Stack)
}

func TestEngineNotifiesWhenNothingRecovers(t *testing.T) {
	engine := NewEngine("", logging.NewNopLogger())
	notifier := &recordingNotifier{}
	engine.AddNotifier(notifier)
	engine.AddStrategy(&panickingStrategy{attempts: newAttempts(KindServiceRestart, 1)})

	ok := engine.Handle(context.Background(), errors.NewServiceFailure("scheduler", "beat died"), nil)
	assert.False(t, ok)
	require.Len(t, notifier.reports, 1)
	assert.Equal(t, "service", notifier.reports[0].Category)
}

func TestEngineSkipsStrategiesForNonRecoverable(t *testing.T) {
	engine := NewEngine("", logging.NewNopLogger())
	notifier := &recordingNotifier{}
	engine.AddNotifier(notifier)
	services := &fakeServices{}
	engine.AddStrategy(NewServiceRestart(services, 3, logging.NewNopLogger()))

	ok := engine.Handle(context.Background(), errors.NewServiceFailure("worker", "restart limit reached").NonRecoverable(), nil)
	assert.False(t, ok)
	assert.Empty(t, services.calls)
	assert.Len(t, notifier.reports, 1)
}

func TestEngineHandlesUnclassifiedErrors(t *testing.T) {
	engine := NewEngine("", logging.NewNopLogger())
	notifier := &recordingNotifier{}
	engine.AddNotifier(notifier)

	ok := engine.Handle(context.Background(), fmt.Errorf("wrapped: %w", io.ErrUnexpectedEOF), nil)
	assert.False(t, ok)
	require.Len(t, notifier.reports, 1)
	assert.Equal(t, "unclassified", notifier.reports[0].Category)
	assert.Len(t, notifier.reports[0].Chain, 2)
}

func TestGuardRoutesPanics(t *testing.T) {
	engine := NewEngine("", logging.NewNopLogger())
	notifier := &recordingNotifier{}
	engine.AddNotifier(notifier)

	assert.True(t, engine.Guard(context.Background(), "monitor", func() {}))
	assert.False(t, engine.Guard(context.Background(), "monitor", func() { panic("nil map") }))
	require.Len(t, notifier.reports, 1)
	assert.Contains(t, notifier.reports[0].Message, "nil map")
}

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var report FailureReport
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil || report.ID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := NewWebhookNotifier(config.WebhookConfig{URL: server.URL, MaxRetries: 3}, logging.NewNopLogger())
	n.InitialInterval = time.Millisecond

	err := n.Notify(context.Background(), &FailureReport{ID: "abc", Category: "service"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestWebhookNotifierDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	n := NewWebhookNotifier(config.WebhookConfig{URL: server.URL, MaxRetries: 3}, logging.NewNopLogger())
	n.InitialInterval = time.Millisecond

	err := n.Notify(context.Background(), &FailureReport{ID: "abc"})
	assert.True(t, errors.IsNetworkError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
