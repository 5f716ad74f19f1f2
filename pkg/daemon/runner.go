package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/monitoring"
)

// monitor starts every service, then supervises them until SIGINT, SIGTERM
// or ctx cancellation. Health reports and the metrics endpoint run alongside.
func (m *Manager) monitor(ctx context.Context) bool {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := m.platform
	cfg := p.Config

	ok := m.report("Started", "start", p.Registry.StartAll(ctx))
	if !ok {
		m.logger.Warnf("Some services failed to start, monitoring continues")
	}

	var wg sync.WaitGroup

	if addr := cfg.Metrics.Address; addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Metrics.Serve(ctx, addr, m.logger); err != nil {
				p.Recovery.Handle(ctx, errors.NewEnvironmentFailure("metrics", "metrics endpoint failed").WithCause(err).NonRecoverable(), nil)
			}
		}()
	}

	if cfg.Health.ReportInterval > 0 {
		checker := p.HealthChecker()
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.reportLoop(ctx, checker, cfg.Health.ReportInterval)
		}()
	}

	m.logger.Infof("Monitoring services, interval: %v", cfg.Platform.MonitorInterval)
	err := p.Registry.Monitor(ctx, cfg.Platform.MonitorInterval)
	cancel()
	wg.Wait()

	if err != nil {
		fmt.Fprintf(m.out, "Monitor failed: %v\n", err)
		return false
	}

	m.logger.Infof("Monitor stopped, stopping services")
	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Platform.StopTimeout*time.Duration(len(p.Registry.Names())+1))
	defer stopCancel()
	return m.report("Stopped", "stop", p.Registry.StopAll(stopCtx)) && ok
}

// reportLoop writes a health report every interval. A panicking pass is
// routed through the recovery engine and the loop keeps its schedule.
func (m *Manager) reportLoop(ctx context.Context, checker *monitoring.HealthChecker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.platform.Recovery.Guard(ctx, "health-reporter", func() {
			m.writeHealthReport(context.WithoutCancel(ctx), checker)
		})
	}
}

func (m *Manager) writeHealthReport(ctx context.Context, checker *monitoring.HealthChecker) {
	report := monitoring.NewReport(checker.RunAllChecks(ctx), m.now())
	m.logger.Infof("Health report, id: %s, overall: %s, summary: %v", report.ID, report.Overall, report.Summary)

	dir := m.platform.Config.Health.ReportDirectory
	if dir == "" {
		return
	}
	path, err := report.WriteReport(dir)
	if err != nil {
		m.logger.Errorf("Failed to write health report, directory: %s, error: %v", dir, err)
		return
	}
	m.logger.Debugf("Health report written, path: %s", path)
}
