package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-platform/pkg/command"
	"github.com/core-tools/hsu-platform/pkg/errors"
)

// LivenessFunc reports whether a managed service is running.
type LivenessFunc func(ctx context.Context) (bool, error)

// ServiceActiveProbe reports healthy while the service is running.
func ServiceActiveProbe(service string, active LivenessFunc) Probe {
	return func(ctx context.Context) HealthCheckResult {
		running, err := active(ctx)
		if err != nil {
			return unknownResult(err)
		}
		if !running {
			return HealthCheckResult{
				Status:  HealthCheckStatusUnhealthy,
				Message: fmt.Sprintf("service %s is not active", service),
			}
		}
		return HealthCheckResult{
			Status:  HealthCheckStatusHealthy,
			Message: fmt.Sprintf("service %s is active", service),
		}
	}
}

// NewProbeHTTPClient returns a client that reports redirects instead of following them.
func NewProbeHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// healthPayload is the body served by the application health endpoint.
type healthPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HTTPProbe GETs url and compares the response status with expected.
// A matching status is healthy, any other response is degraded and a
// transport failure is unhealthy.
func HTTPProbe(client *http.Client, url string, expected int) Probe {
	return func(ctx context.Context) HealthCheckResult {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return unknownResult(err)
		}

		start := time.Now()
		resp, err := client.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			return HealthCheckResult{
				Status:       HealthCheckStatusUnhealthy,
				Message:      fmt.Sprintf("request failed: %v", err),
				ResponseTime: elapsed,
				Details:      map[string]interface{}{"url": url},
			}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			result := unknownResult(err)
			result.ResponseTime = elapsed
			return result
		}

		details := map[string]interface{}{
			"url":             url,
			"status_code":     resp.StatusCode,
			"expected_status": expected,
		}
		if location := resp.Header.Get("Location"); location != "" {
			details["location"] = location
		}

		var payload healthPayload
		if json.Unmarshal(body, &payload) == nil && payload.Status != "" {
			details["status"] = payload.Status
			if payload.Message != "" {
				details["message"] = payload.Message
			}
		}

		if resp.StatusCode != expected {
			return HealthCheckResult{
				Status:       HealthCheckStatusDegraded,
				Message:      fmt.Sprintf("unexpected status %d, expected %d", resp.StatusCode, expected),
				ResponseTime: elapsed,
				Details:      details,
			}
		}

		message := fmt.Sprintf("responded with %d", resp.StatusCode)
		if payload.Message != "" {
			message = payload.Message
		}
		return HealthCheckResult{
			Status:       HealthCheckStatusHealthy,
			Message:      message,
			ResponseTime: elapsed,
			Details:      details,
		}
	}
}

// CommandProbe runs an external command. A failing command is unhealthy;
// output lacking the expected marker is degraded.
func CommandProbe(runner command.Runner, name string, args []string, expect string) Probe {
	return func(ctx context.Context) HealthCheckResult {
		res, err := runner.Run(ctx, name, args...)
		details := map[string]interface{}{"command": strings.Join(append([]string{name}, args...), " ")}
		if err != nil {
			if output := strings.TrimSpace(res.Output()); output != "" {
				details["output"] = output
			}
			return HealthCheckResult{
				Status:       HealthCheckStatusUnhealthy,
				Message:      fmt.Sprintf("command failed: %v", err),
				ResponseTime: res.Duration,
				Details:      details,
			}
		}

		output := strings.TrimSpace(res.Stdout)
		details["output"] = output
		if expect != "" && !strings.Contains(output, expect) {
			return HealthCheckResult{
				Status:       HealthCheckStatusDegraded,
				Message:      fmt.Sprintf("command output did not contain %q", expect),
				ResponseTime: res.Duration,
				Details:      details,
			}
		}
		return HealthCheckResult{
			Status:       HealthCheckStatusHealthy,
			Message:      "command succeeded",
			ResponseTime: res.Duration,
			Details:      details,
		}
	}
}

// WorkerInspectProbe runs the task-queue inspect command. Active workers reply
// with marker; a successful command without it means no workers are active.
func WorkerInspectProbe(runner command.Runner, name string, args []string, marker string) Probe {
	inner := CommandProbe(runner, name, args, marker)
	return func(ctx context.Context) HealthCheckResult {
		result := inner(ctx)
		switch result.Status {
		case HealthCheckStatusHealthy:
			result.Message = "workers active"
		case HealthCheckStatusDegraded:
			result.Message = "no active workers"
		}
		return result
	}
}

// DiskThresholds are percentages of used space strictly above which the
// disk is reported degraded or unhealthy.
type DiskThresholds struct {
	Degraded  float64
	Unhealthy float64
}

// ClassifyDiskUsage maps a used-space percentage to a status.
func ClassifyDiskUsage(percent float64, t DiskThresholds) HealthCheckStatus {
	switch {
	case percent > t.Unhealthy:
		return HealthCheckStatusUnhealthy
	case percent > t.Degraded:
		return HealthCheckStatusDegraded
	default:
		return HealthCheckStatusHealthy
	}
}

// ParseDiskUsage extracts the capacity percentage from POSIX `df -P` output.
func ParseDiskUsage(output string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return 0, errors.NewValidationError("unexpected df output", nil).WithContext("output", output)
	}
	fields := strings.Fields(lines[len(lines)-1])
	for _, field := range fields {
		if !strings.HasSuffix(field, "%") {
			continue
		}
		percent, err := strconv.ParseFloat(strings.TrimSuffix(field, "%"), 64)
		if err != nil {
			return 0, errors.NewValidationError("invalid capacity in df output", err).WithContext("field", field)
		}
		return percent, nil
	}
	return 0, errors.NewValidationError("no capacity column in df output", nil).WithContext("output", output)
}

// DiskProbe inspects disk usage of path via `df -P`.
func DiskProbe(runner command.Runner, path string, t DiskThresholds) Probe {
	return func(ctx context.Context) HealthCheckResult {
		res, err := runner.Run(ctx, "df", "-P", path)
		if err != nil {
			return unknownResult(err)
		}
		percent, err := ParseDiskUsage(res.Stdout)
		if err != nil {
			return unknownResult(err)
		}
		return HealthCheckResult{
			Status:       ClassifyDiskUsage(percent, t),
			Message:      fmt.Sprintf("disk usage %.0f%% on %s", percent, path),
			ResponseTime: res.Duration,
			Details: map[string]interface{}{
				"path":         path,
				"used_percent": percent,
			},
		}
	}
}

// TCPProbe reports healthy if address accepts a connection.
func TCPProbe(address string) Probe {
	return func(ctx context.Context) HealthCheckResult {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return HealthCheckResult{
				Status:  HealthCheckStatusUnhealthy,
				Message: fmt.Sprintf("connection failed: %v", err),
				Details: map[string]interface{}{"address": address},
			}
		}
		conn.Close()
		return HealthCheckResult{
			Status:  HealthCheckStatusHealthy,
			Message: fmt.Sprintf("connected to %s", address),
			Details: map[string]interface{}{"address": address},
		}
	}
}

// GRPCProbe calls the standard gRPC health service. SERVING is healthy, any
// other serving status is degraded, and an RPC failure is unhealthy.
func GRPCProbe(address, service string) Probe {
	return func(ctx context.Context) HealthCheckResult {
		details := map[string]interface{}{"address": address}
		if service != "" {
			details["service"] = service
		}

		conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			result := unknownResult(err)
			result.Details = details
			return result
		}
		defer conn.Close()

		resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			return HealthCheckResult{
				Status:  HealthCheckStatusUnhealthy,
				Message: fmt.Sprintf("health rpc failed: %v", err),
				Details: details,
			}
		}

		status := resp.GetStatus()
		details["serving_status"] = status.String()
		if status != grpc_health_v1.HealthCheckResponse_SERVING {
			return HealthCheckResult{
				Status:  HealthCheckStatusDegraded,
				Message: fmt.Sprintf("serving status %s", status),
				Details: details,
			}
		}
		return HealthCheckResult{
			Status:  HealthCheckStatusHealthy,
			Message: "serving",
			Details: details,
		}
	}
}
