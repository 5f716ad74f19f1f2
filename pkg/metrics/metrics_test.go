package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RestartRecorded("redis")
		m.ServiceUp("redis", true)
		m.CheckObserved("disk", 1, time.Millisecond)
		m.RecoveryAttempted("service", false)
	})
}

func TestMetricsRecord(t *testing.T) {
	m := New()

	m.RestartRecorded("worker")
	m.RestartRecorded("worker")
	m.ServiceUp("redis", true)
	m.CheckObserved("disk", 3, 20*time.Millisecond)
	m.RecoveryAttempted("dependency", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.restarts.WithLabelValues("worker")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.serviceUp.WithLabelValues("redis")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.checks.WithLabelValues("disk")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recoveries.WithLabelValues("dependency", "recovered")))
}
