// Package monitoring runs the platform health-check battery and builds reports.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-platform/pkg/logging"
	"github.com/core-tools/hsu-platform/pkg/metrics"
)

type HealthCheckStatus string

const (
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusDegraded  HealthCheckStatus = "degraded"
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

// AllStatuses lists statuses from least to most severe.
var AllStatuses = []HealthCheckStatus{
	HealthCheckStatusHealthy,
	HealthCheckStatusDegraded,
	HealthCheckStatusUnknown,
	HealthCheckStatusUnhealthy,
}

// Severity orders statuses: healthy < degraded < unknown < unhealthy.
func (s HealthCheckStatus) Severity() int {
	switch s {
	case HealthCheckStatusHealthy:
		return 0
	case HealthCheckStatusDegraded:
		return 1
	case HealthCheckStatusUnhealthy:
		return 3
	default:
		return 2
	}
}

// HealthCheckResult is the outcome of one probe.
type HealthCheckResult struct {
	Name         string                 `json:"name"`
	Service      string                 `json:"service,omitempty"`
	Status       HealthCheckStatus      `json:"status"`
	Message      string                 `json:"message"`
	ResponseTime time.Duration          `json:"-"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Probe performs one check. Probes report failures through the result's
// status and never return errors.
type Probe func(ctx context.Context) HealthCheckResult

type registeredProbe struct {
	name    string
	service string
	probe   Probe
}

// HealthChecker runs registered probes concurrently.
type HealthChecker struct {
	// Timeout bounds each probe; zero means no checker-imposed limit.
	Timeout time.Duration

	mutex   sync.Mutex
	probes  []registeredProbe
	metrics *metrics.Metrics
	logger  logging.Logger
}

func NewHealthChecker(timeout time.Duration, logger logging.Logger) *HealthChecker {
	return &HealthChecker{
		Timeout: timeout,
		logger:  logger,
	}
}

func (h *HealthChecker) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// Register appends a probe. Results are reported in registration order.
func (h *HealthChecker) Register(name, service string, probe Probe) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.probes = append(h.probes, registeredProbe{name: name, service: service, probe: probe})
}

// ProbeNames returns registered probe names in order.
func (h *HealthChecker) ProbeNames() []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	names := make([]string, len(h.probes))
	for i, p := range h.probes {
		names[i] = p.name
	}
	return names
}

// RunAllChecks runs every probe concurrently and returns one result per probe
// in registration order.
func (h *HealthChecker) RunAllChecks(ctx context.Context) []HealthCheckResult {
	h.mutex.Lock()
	probes := make([]registeredProbe, len(h.probes))
	copy(probes, h.probes)
	h.mutex.Unlock()

	h.logger.Debugf("Running health checks, count: %d", len(probes))

	results := make([]HealthCheckResult, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p registeredProbe) {
			defer wg.Done()
			results[i] = h.runProbe(ctx, p)
		}(i, p)
	}
	wg.Wait()

	for _, result := range results {
		h.metrics.CheckObserved(result.Name, result.Status.Severity(), result.ResponseTime)
		if result.Status != HealthCheckStatusHealthy {
			h.logger.Warnf("Health check not healthy, name: %s, status: %s, message: %s", result.Name, result.Status, result.Message)
		}
	}
	return results
}

func (h *HealthChecker) runProbe(ctx context.Context, p registeredProbe) (result HealthCheckResult) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Errorf("Health probe panicked, name: %s, panic: %v", p.name, rec)
			result = HealthCheckResult{
				Status:  HealthCheckStatusUnknown,
				Message: fmt.Sprintf("probe panicked: %v", rec),
			}
		}
		if result.Name == "" {
			result.Name = p.name
		}
		if result.Service == "" {
			result.Service = p.service
		}
		if result.Status == "" {
			result.Status = HealthCheckStatusUnknown
		}
		if result.ResponseTime == 0 {
			result.ResponseTime = time.Since(start)
		}
		if result.Timestamp.IsZero() {
			result.Timestamp = time.Now()
		}
	}()

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	return p.probe(ctx)
}

// OverallStatus is the most severe status among results; healthy when empty.
func OverallStatus(results []HealthCheckResult) HealthCheckStatus {
	overall := HealthCheckStatusHealthy
	for _, r := range results {
		if r.Status.Severity() > overall.Severity() {
			overall = r.Status
		}
	}
	return overall
}

func unknownResult(err error) HealthCheckResult {
	return HealthCheckResult{
		Status:  HealthCheckStatusUnknown,
		Message: err.Error(),
	}
}
