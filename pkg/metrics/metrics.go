// Package metrics exposes orchestration counters and gauges to prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-platform/pkg/logging"
)

// Metrics groups the platform collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	restarts   *prometheus.CounterVec
	serviceUp  *prometheus.GaugeVec
	checks     *prometheus.GaugeVec
	checkTime  *prometheus.HistogramVec
	recoveries *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Name:      "service_restarts_total",
			Help:      "Restarts performed per service.",
		}, []string{"service"}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "platform",
			Name:      "service_up",
			Help:      "1 when the service is confirmed running.",
		}, []string{"service"}),
		checks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "platform",
			Name:      "health_check_status",
			Help:      "Health check severity: 0 healthy, 1 degraded, 2 unknown, 3 unhealthy.",
		}, []string{"check"}),
		checkTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "platform",
			Name:      "health_check_duration_seconds",
			Help:      "Health check response time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"check"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "platform",
			Name:      "recovery_attempts_total",
			Help:      "Recovery attempts by failure category and outcome.",
		}, []string{"category", "outcome"}),
	}
	m.registry.MustRegister(m.restarts, m.serviceUp, m.checks, m.checkTime, m.recoveries)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RestartRecorded(service string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(service).Inc()
}

func (m *Metrics) ServiceUp(service string, up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1
	}
	m.serviceUp.WithLabelValues(service).Set(value)
}

func (m *Metrics) CheckObserved(check string, severity int, responseTime time.Duration) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(check).Set(float64(severity))
	m.checkTime.WithLabelValues(check).Observe(responseTime.Seconds())
}

func (m *Metrics) RecoveryAttempted(category string, recovered bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if recovered {
		outcome = "recovered"
	}
	m.recoveries.WithLabelValues(category, outcome).Inc()
}

// Serve exposes /metrics on address until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, address string, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Infof("Serving metrics, address: %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
