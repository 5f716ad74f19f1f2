package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-platform/pkg/command"
	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

type fakeRunner struct {
	results map[string]command.Result
	errs    map[string]error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (command.Result, error) {
	key := strings.Join(append([]string{name}, args...), " ")
	return f.results[key], f.errs[key]
}

func TestHTTPProbeClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health/":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status": "ok", "message": "database reachable"}`)
		case "/admin/login/":
			http.Redirect(w, r, "/admin/login/?next=/admin/", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	refused := httptest.NewServer(http.NotFoundHandler())
	refusedURL := refused.URL
	refused.Close()

	client := NewProbeHTTPClient()
	tests := []struct {
		name     string
		url      string
		expected int
		status   HealthCheckStatus
	}{
		{"matching status", server.URL + "/health/", 200, HealthCheckStatusHealthy},
		{"wrong status", server.URL + "/missing/", 200, HealthCheckStatusDegraded},
		{"redirect expected", server.URL + "/admin/login/", 302, HealthCheckStatusHealthy},
		{"connection refused", refusedURL + "/health/", 200, HealthCheckStatusUnhealthy},
		{"malformed url", "http://[::1", 200, HealthCheckStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := HTTPProbe(client, tt.url, tt.expected)(context.Background())
			assert.Equal(t, tt.status, result.Status, result.Message)
		})
	}
}

func TestHTTPProbeParsesHealthPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "ok", "message": "database reachable"}`)
	}))
	defer server.Close()

	result := HTTPProbe(NewProbeHTTPClient(), server.URL, 200)(context.Background())
	assert.Equal(t, HealthCheckStatusHealthy, result.Status)
	assert.Equal(t, "database reachable", result.Message)
	assert.Equal(t, "ok", result.Details["status"])
	assert.Equal(t, 200, result.Details["status_code"])
}

func TestDiskProbeThresholds(t *testing.T) {
	dfOutput := func(percent int) string {
		return "Filesystem     1024-blocks     Used Available Capacity Mounted on\n" +
			fmt.Sprintf("/dev/sda1        102400000 %8d  10240000      %d%% /\n", percent*1024000, percent)
	}
	thresholds := DiskThresholds{Degraded: 80, Unhealthy: 90}

	tests := []struct {
		percent int
		status  HealthCheckStatus
	}{
		{95, HealthCheckStatusUnhealthy},
		{85, HealthCheckStatusDegraded},
		{50, HealthCheckStatusHealthy},
		{80, HealthCheckStatusHealthy},
		{90, HealthCheckStatusDegraded},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d%%", tt.percent), func(t *testing.T) {
			runner := &fakeRunner{results: map[string]command.Result{
				"df -P /": {Stdout: dfOutput(tt.percent)},
			}}
			result := DiskProbe(runner, "/", thresholds)(context.Background())
			assert.Equal(t, tt.status, result.Status)
			assert.Equal(t, float64(tt.percent), result.Details["used_percent"])
		})
	}
}

func TestParseDiskUsageRejectsGarbage(t *testing.T) {
	_, err := ParseDiskUsage("df: /nope: No such file or directory")
	assert.True(t, errors.IsValidationError(err))

	_, err = ParseDiskUsage("Filesystem Capacity\n/dev/sda1 n/a")
	assert.Error(t, err)
}

func TestDiskProbeCommandFailureIsUnknown(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"df -P /": errors.NewProcessError("df missing", nil)}}
	result := DiskProbe(runner, "/", DiskThresholds{Degraded: 80, Unhealthy: 90})(context.Background())
	assert.Equal(t, HealthCheckStatusUnknown, result.Status)
}

func TestWorkerInspectProbe(t *testing.T) {
	const inspect = "celery -A estate inspect active"
	tests := []struct {
		name   string
		result command.Result
		err    error
		status HealthCheckStatus
	}{
		{"active workers", command.Result{Stdout: "->  celery@web1: OK\n    - empty -"}, nil, HealthCheckStatusHealthy},
		{"no active workers", command.Result{Stdout: "\n"}, nil, HealthCheckStatusDegraded},
		{"command failed", command.Result{Stderr: "Error: No nodes replied", ExitCode: 69}, errors.NewProcessError("exit 69", nil), HealthCheckStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{
				results: map[string]command.Result{inspect: tt.result},
				errs:    map[string]error{inspect: tt.err},
			}
			result := WorkerInspectProbe(runner, "celery", []string{"-A", "estate", "inspect", "active"}, "OK")(context.Background())
			assert.Equal(t, tt.status, result.Status)
		})
	}
}

func TestDatastorePing(t *testing.T) {
	runner := &fakeRunner{results: map[string]command.Result{"redis-cli ping": {Stdout: "PONG\n"}}}
	result := CommandProbe(runner, "redis-cli", []string{"ping"}, "PONG")(context.Background())
	assert.Equal(t, HealthCheckStatusHealthy, result.Status)
	assert.Equal(t, "PONG", result.Details["output"])
}

func TestServiceActiveProbe(t *testing.T) {
	active := ServiceActiveProbe("redis", func(context.Context) (bool, error) { return true, nil })
	inactive := ServiceActiveProbe("redis", func(context.Context) (bool, error) { return false, nil })
	broken := ServiceActiveProbe("redis", func(context.Context) (bool, error) {
		return false, fmt.Errorf("systemctl not found")
	})

	ctx := context.Background()
	assert.Equal(t, HealthCheckStatusHealthy, active(ctx).Status)
	assert.Equal(t, HealthCheckStatusUnhealthy, inactive(ctx).Status)

	result := broken(ctx)
	assert.Equal(t, HealthCheckStatusUnknown, result.Status)
	assert.Contains(t, result.Message, "systemctl not found")
}

func TestTCPProbe(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()

	assert.Equal(t, HealthCheckStatusHealthy, TCPProbe(address)(context.Background()).Status)

	listener.Close()
	assert.Equal(t, HealthCheckStatusUnhealthy, TCPProbe(address)(context.Background()).Status)
}

func TestGRPCProbe(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	go func() { _ = server.Serve(listener) }()
	defer server.Stop()

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("estate.Notifications", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	address := listener.Addr().String()
	assert.Equal(t, HealthCheckStatusHealthy, GRPCProbe(address, "")(ctx).Status)
	assert.Equal(t, HealthCheckStatusDegraded, GRPCProbe(address, "estate.Notifications")(ctx).Status)
	assert.Equal(t, HealthCheckStatusUnhealthy, GRPCProbe(address, "estate.Unknown")(ctx).Status)
}

func TestRunAllChecksKeepsRegistrationOrder(t *testing.T) {
	checker := NewHealthChecker(time.Second, logging.NewNopLogger())

	checker.Register("slow", "", func(ctx context.Context) HealthCheckResult {
		time.Sleep(50 * time.Millisecond)
		return HealthCheckResult{Status: HealthCheckStatusHealthy, Message: "slow"}
	})
	checker.Register("panics", "worker", func(ctx context.Context) HealthCheckResult {
		panic("inspect crashed")
	})
	checker.Register("fast", "redis", func(ctx context.Context) HealthCheckResult {
		return HealthCheckResult{Status: HealthCheckStatusDegraded, Message: "fast"}
	})
	checker.Register("hangs", "", func(ctx context.Context) HealthCheckResult {
		<-ctx.Done()
		return unknownResult(ctx.Err())
	})
	checker.Timeout = 100 * time.Millisecond

	results := checker.RunAllChecks(context.Background())
	require.Len(t, results, 4)

	names := []string{results[0].Name, results[1].Name, results[2].Name, results[3].Name}
	assert.Equal(t, []string{"slow", "panics", "fast", "hangs"}, names)

	assert.Equal(t, HealthCheckStatusHealthy, results[0].Status)
	assert.Equal(t, HealthCheckStatusUnknown, results[1].Status)
	assert.Contains(t, results[1].Message, "inspect crashed")
	assert.Equal(t, "worker", results[1].Service)
	assert.Equal(t, HealthCheckStatusDegraded, results[2].Status)
	assert.Equal(t, HealthCheckStatusUnknown, results[3].Status)

	for _, r := range results {
		assert.False(t, r.Timestamp.IsZero())
		assert.NotZero(t, r.ResponseTime)
	}
}

func TestOverallStatus(t *testing.T) {
	h, d, u, x := HealthCheckStatusHealthy, HealthCheckStatusDegraded, HealthCheckStatusUnknown, HealthCheckStatusUnhealthy
	tests := []struct {
		statuses []HealthCheckStatus
		overall  HealthCheckStatus
	}{
		{nil, h},
		{[]HealthCheckStatus{h, d, h}, d},
		{[]HealthCheckStatus{h, x}, x},
		{[]HealthCheckStatus{d, u}, u},
		{[]HealthCheckStatus{x, u, d}, x},
	}

	for _, tt := range tests {
		results := make([]HealthCheckResult, len(tt.statuses))
		for i, s := range tt.statuses {
			results[i] = HealthCheckResult{Status: s}
		}
		assert.Equal(t, tt.overall, OverallStatus(results), "%v", tt.statuses)
	}
}

func TestReportExport(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	report := NewReport([]HealthCheckResult{
		{Name: "redis-ping", Status: HealthCheckStatusHealthy, ResponseTime: 1500 * time.Microsecond, Timestamp: now},
		{Name: "disk-usage", Status: HealthCheckStatusUnhealthy, Message: "disk usage 95% on /", Timestamp: now},
	}, now)

	assert.Equal(t, HealthCheckStatusUnhealthy, report.Overall)
	assert.True(t, report.HasUnhealthy())
	assert.Equal(t, 0, report.Summary[HealthCheckStatusDegraded])
	assert.NotEmpty(t, report.ID)

	dir := t.TempDir()
	path, err := report.WriteReport(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "health_report_20260314_093000.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded struct {
		Overall string         `json:"overall_status"`
		Summary map[string]int `json:"summary"`
		Checks  []struct {
			Name           string  `json:"name"`
			ResponseTimeMS float64 `json:"response_time_ms"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "unhealthy", decoded.Overall)
	assert.Len(t, decoded.Summary, 4)
	require.Len(t, decoded.Checks, 2)
	assert.Equal(t, 1.5, decoded.Checks[0].ResponseTimeMS)
}

func TestReportPrintTable(t *testing.T) {
	report := NewReport([]HealthCheckResult{
		{Name: "service-redis", Service: "redis", Status: HealthCheckStatusHealthy, Message: "service redis is active"},
	}, time.Now())

	var out strings.Builder
	require.NoError(t, report.PrintTable(&out))
	assert.Contains(t, out.String(), "service-redis")
	assert.Contains(t, out.String(), "Overall: healthy")
}

func TestNewPlatformCheckerRegistersBattery(t *testing.T) {
	cfg, err := config.LoadConfig([]byte("services:\n  - name: redis\n"), "test")
	require.NoError(t, err)

	services := []ServiceTarget{{Name: "redis", Active: func(context.Context) (bool, error) { return true, nil }}}
	checker := NewPlatformChecker(cfg.Health, &fakeRunner{}, services, logging.NewNopLogger())

	assert.Equal(t, []string{
		"service-redis", "health-endpoint", "admin-login", "redis-ping", "celery-workers", "disk-usage",
	}, checker.ProbeNames())
}
