package monitoring

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/core-tools/hsu-platform/pkg/errors"
)

// HealthReport aggregates one run of the battery.
type HealthReport struct {
	ID        string                    `json:"id"`
	Timestamp time.Time                 `json:"timestamp"`
	Overall   HealthCheckStatus         `json:"overall_status"`
	Summary   map[HealthCheckStatus]int `json:"summary"`
	Checks    []HealthCheckResult       `json:"checks"`
}

// NewReport counts every status, including those with no results.
func NewReport(results []HealthCheckResult, now time.Time) *HealthReport {
	summary := make(map[HealthCheckStatus]int, len(AllStatuses))
	for _, status := range AllStatuses {
		summary[status] = 0
	}
	for _, r := range results {
		summary[r.Status]++
	}
	return &HealthReport{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		Overall:   OverallStatus(results),
		Summary:   summary,
		Checks:    results,
	}
}

// HasUnhealthy reports whether any check is unhealthy.
func (r *HealthReport) HasUnhealthy() bool {
	return r.Summary[HealthCheckStatusUnhealthy] > 0
}

// MarshalJSON adds response times in milliseconds.
func (r HealthCheckResult) MarshalJSON() ([]byte, error) {
	type plain HealthCheckResult
	return json.Marshal(struct {
		plain
		ResponseTimeMS float64 `json:"response_time_ms"`
	}{
		plain:          plain(r),
		ResponseTimeMS: float64(r.ResponseTime.Microseconds()) / 1000,
	})
}

func (r *HealthReport) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, errors.NewInternalError("failed to encode health report", err)
	}
	return append(data, '\n'), nil
}

// ExportJSON writes the report to path atomically.
func (r *HealthReport) ExportJSON(path string) error {
	data, err := r.JSON()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create report directory", err).WithContext("path", dir)
		}
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return errors.NewIOError("failed to write health report", err).WithContext("path", path)
	}
	return nil
}

// WriteReport stores the report as health_report_<timestamp>.json in dir.
func (r *HealthReport) WriteReport(dir string) (string, error) {
	name := fmt.Sprintf("health_report_%s.json", r.Timestamp.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	return path, r.ExportJSON(path)
}

// PrintTable renders the report for a terminal.
func (r *HealthReport) PrintTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tSERVICE\tSTATUS\tTIME\tMESSAGE")
	for _, c := range r.Checks {
		service := c.Service
		if service == "" {
			service = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.Name, service, c.Status, c.ResponseTime.Round(time.Millisecond), c.Message)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\nOverall: %s (healthy: %d, degraded: %d, unknown: %d, unhealthy: %d)\n",
		r.Overall,
		r.Summary[HealthCheckStatusHealthy],
		r.Summary[HealthCheckStatusDegraded],
		r.Summary[HealthCheckStatusUnknown],
		r.Summary[HealthCheckStatusUnhealthy])
	return err
}
