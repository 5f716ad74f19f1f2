package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-platform/pkg/errors"
)

// Monitor checks every desired service each interval and restarts those that
// died or failed their health-check target. Cancellation is observed between
// passes; a pass in progress always completes.
func (r *Registry) Monitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.NewValidationError("monitor interval must be positive", nil).WithContext("interval", interval)
	}

	r.logger.Infof("Starting monitor loop, interval: %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			r.logger.Infof("Monitor loop stopped")
			return nil
		}

		r.MonitorPass(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			r.logger.Infof("Monitor loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// MonitorPass runs a single supervision pass over all services.
func (r *Registry) MonitorPass(ctx context.Context) {
	for _, name := range r.orderedNames(false) {
		r.supervise(ctx, name)
	}
}

func (r *Registry) supervise(ctx context.Context, name string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorf("Monitor check panicked, name: %s, panic: %v", name, rec)
			r.reportFailure(ctx, errors.NewServiceFailure(name, fmt.Sprintf("monitor panic: %v", rec)))
		}
	}()

	e, err := r.lookup(name)
	if err != nil {
		return
	}

	e.mu.RLock()
	desired := e.desired
	failed := e.state.PermanentlyFailed
	count, limit := e.state.RestartCount, e.state.MaxRestarts
	e.mu.RUnlock()

	if !desired || failed {
		return
	}

	alive, err := r.isAlive(ctx, e)
	if err != nil {
		r.logger.Warnf("Monitor could not determine liveness, name: %s, error: %v", name, err)
		return
	}

	reason := ""
	if !alive {
		reason = "process not running"
	} else if e.service.HealthCheck != nil {
		if err := r.targets.Check(ctx, name, e.service.HealthCheck); err != nil {
			reason = fmt.Sprintf("health check failed: %v", err)
		}
	}
	r.metrics.ServiceUp(name, alive)

	if reason == "" {
		return
	}

	if count >= limit {
		e.mu.Lock()
		e.state.PermanentlyFailed = true
		e.mu.Unlock()

		r.logger.Errorf("Service permanently failed, name: %s, restarts: %d/%d, reason: %s", name, count, limit, reason)
		r.reportFailure(ctx, errors.NewServiceFailure(name, "restart limit reached: "+reason).
			WithContext("restart_count", count).
			NonRecoverable())
		return
	}

	r.logger.Warnf("Service unhealthy, restarting, name: %s, reason: %s", name, reason)
	if err := r.Restart(ctx, name); err != nil {
		r.logger.Errorf("Automatic restart failed, name: %s, error: %v", name, err)
		r.reportFailure(ctx, errors.NewServiceFailure(name, "automatic restart failed").WithCause(err))
	}
}

func (r *Registry) reportFailure(ctx context.Context, err error) {
	if r.onFailure != nil {
		r.onFailure(ctx, err)
	}
}
