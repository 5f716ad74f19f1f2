// Package supervisor owns the managed services and their runtime state.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
	"github.com/core-tools/hsu-platform/pkg/metrics"
	"github.com/core-tools/hsu-platform/pkg/process"
	"github.com/core-tools/hsu-platform/pkg/systemd"
)

type Options struct {
	SettleInterval time.Duration
	StopTimeout    time.Duration
	RestartPause   time.Duration
	StartOrder     []string
	StartPolicy    config.StartPolicy
}

// OptionsFromConfig copies the supervisor settings out of the platform config.
func OptionsFromConfig(p config.PlatformOptions) Options {
	return Options{
		SettleInterval: p.SettleInterval,
		StopTimeout:    p.StopTimeout,
		RestartPause:   p.RestartPause,
		StartOrder:     p.StartOrder,
		StartPolicy:    p.StartPolicy,
	}
}

// FailureHandler receives failures the monitor could not resolve by restarting.
type FailureHandler func(ctx context.Context, err error)

// Registry maps service names to their definition and runtime state.
// Control operations on one service are serialized; different services
// proceed concurrently.
type Registry struct {
	options    Options
	controller systemd.Controller
	targets    TargetChecker
	pidFiles   *process.PIDFileManager
	metrics    *metrics.Metrics
	onFailure  FailureHandler
	logger     logging.Logger

	mutex   sync.RWMutex
	entries map[string]*entry
	order   []string
}

type entry struct {
	service ManagedService

	// ops serializes start/stop/restart.
	ops sync.Mutex

	mu     sync.RWMutex
	state  ProcessState
	handle *process.Handle
	// desired is true while the service is supposed to be running.
	desired bool
}

func NewRegistry(options Options, controller systemd.Controller, targets TargetChecker, logger logging.Logger) *Registry {
	return &Registry{
		options:    options,
		controller: controller,
		targets:    targets,
		pidFiles:   process.NewPIDFileManager("", logger),
		logger:     logger,
		entries:    make(map[string]*entry),
	}
}

func (r *Registry) SetPIDFiles(pidFiles *process.PIDFileManager) {
	r.pidFiles = pidFiles
}

func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

func (r *Registry) SetFailureHandler(handler FailureHandler) {
	r.onFailure = handler
}

// Register adds a service. A process-mode service whose PID file points at a
// live process is adopted as running.
func (r *Registry) Register(svc ManagedService) error {
	if err := config.ValidateServiceName(svc.Name); err != nil {
		return errors.NewValidationError("invalid service name", err).WithContext("service", svc.Name)
	}
	switch svc.Mode {
	case config.ControlModeUnit:
		if svc.UnitName == "" {
			return errors.NewValidationError("unit mode requires a unit name", nil).WithContext("service", svc.Name)
		}
	case config.ControlModeProcess:
		if svc.Spawn.Command == "" {
			return errors.NewValidationError("process mode requires a command", nil).WithContext("service", svc.Name)
		}
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported control mode: %s", svc.Mode), nil).WithContext("service", svc.Name)
	}

	e := &entry{service: svc, state: ProcessState{MaxRestarts: svc.MaxRestarts}}
	if svc.Mode == config.ControlModeProcess {
		r.adoptFromPIDFile(e)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.entries[svc.Name]; exists {
		return errors.NewConflictError("service already registered", nil).WithContext("service", svc.Name)
	}
	r.entries[svc.Name] = e
	r.order = append(r.order, svc.Name)

	r.logger.Infof("Registered service, name: %s, unit: %s, mode: %s", svc.Name, svc.UnitName, svc.Mode)
	return nil
}

func (r *Registry) adoptFromPIDFile(e *entry) {
	pid, err := r.pidFiles.Read(e.service.Name)
	if err != nil {
		r.logger.Warnf("Ignoring unreadable PID file, name: %s, error: %v", e.service.Name, err)
		_ = r.pidFiles.Remove(e.service.Name)
		return
	}
	if pid == 0 {
		return
	}
	if running, _ := process.IsProcessRunning(pid); !running {
		_ = r.pidFiles.Remove(e.service.Name)
		return
	}
	e.state.Running = true
	e.state.PID = pid
	if info, err := os.Stat(r.pidFiles.Path(e.service.Name)); err == nil {
		e.state.StartedAt = info.ModTime()
	}
	e.desired = true
	r.logger.Infof("Adopted running process, name: %s, PID: %d, started: %v", e.service.Name, pid, e.state.StartedAt)
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, errors.NewNotFoundError("service not registered", nil).WithContext("service", name)
	}
	return e, nil
}

// Names returns registered services in registration order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// StartOrder returns registered services in the order StartAll uses.
func (r *Registry) StartOrder() []string {
	return r.orderedNames(false)
}

// Service returns the definition of a registered service.
func (r *Registry) Service(name string) (ManagedService, error) {
	e, err := r.lookup(name)
	if err != nil {
		return ManagedService{}, err
	}
	return e.service, nil
}

// State returns the recorded state without querying the OS.
func (r *Registry) State(name string) (ProcessState, error) {
	e, err := r.lookup(name)
	if err != nil {
		return ProcessState{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state, nil
}

// Start is a no-op for a service that is already running.
func (r *Registry) Start(ctx context.Context, name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.ops.Lock()
	defer e.ops.Unlock()
	return r.startLocked(ctx, e)
}

// Stop stops a service with the configured stop timeout.
func (r *Registry) Stop(ctx context.Context, name string) error {
	return r.StopWithTimeout(ctx, name, r.options.StopTimeout)
}

// StopWithTimeout requests graceful termination and forces it after timeout.
func (r *Registry) StopWithTimeout(ctx context.Context, name string, timeout time.Duration) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.ops.Lock()
	defer e.ops.Unlock()
	return r.stopLocked(ctx, e, timeout, true)
}

// Restart fails without touching the service once its restart ceiling is reached.
func (r *Registry) Restart(ctx context.Context, name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	e.ops.Lock()
	defer e.ops.Unlock()

	e.mu.RLock()
	count, limit := e.state.RestartCount, e.state.MaxRestarts
	e.mu.RUnlock()

	if count >= limit {
		r.logger.Errorf("Restart limit reached, name: %s, restarts: %d, max: %d", name, count, limit)
		return errors.NewConflictError("restart limit reached", nil).
			WithContext("service", name).WithContext("restart_count", count).WithContext("max_restarts", limit)
	}

	r.logger.Infof("Restarting service, name: %s, restart: %d/%d", name, count+1, limit)

	if err := r.stopLocked(ctx, e, r.options.StopTimeout, false); err != nil {
		return errors.NewServiceError("restart aborted: stop failed", err).WithContext("service", name)
	}

	if err := sleepContext(ctx, r.options.RestartPause); err != nil {
		return errors.NewCancelledError("restart cancelled", err).WithContext("service", name)
	}

	if err := r.startLocked(ctx, e); err != nil {
		return errors.NewServiceError("restart failed: start failed", err).WithContext("service", name)
	}

	e.mu.Lock()
	e.state.RestartCount++
	e.mu.Unlock()
	r.metrics.RestartRecorded(name)

	r.logger.Infof("Service restarted, name: %s", name)
	return nil
}

func (r *Registry) startLocked(ctx context.Context, e *entry) error {
	name := e.service.Name

	alive, err := r.isAlive(ctx, e)
	if err != nil {
		r.logger.Warnf("Liveness check failed before start, name: %s, error: %v", name, err)
	}
	if alive {
		r.logger.Infof("Service already running, name: %s", name)
		e.mu.Lock()
		e.state.Running = true
		e.desired = true
		e.mu.Unlock()
		return nil
	}

	// A requested start stays under monitor supervision even if it fails.
	e.mu.Lock()
	e.desired = true
	e.mu.Unlock()

	r.logger.Infof("Starting service, name: %s, mode: %s", name, e.service.Mode)

	startedAt := time.Now()
	var handle *process.Handle
	switch e.service.Mode {
	case config.ControlModeUnit:
		if err := r.controller.Start(ctx, e.service.UnitName); err != nil {
			r.logger.Errorf("Failed to start unit, name: %s, error: %v", name, err)
			return errors.NewServiceError("failed to start unit", err).WithContext("service", name)
		}
	case config.ControlModeProcess:
		handle, err = process.Spawn(e.service.Spawn, name, r.logger)
		if err != nil {
			return errors.NewServiceError("failed to spawn process", err).WithContext("service", name)
		}
		startedAt = handle.StartedAt
		e.mu.Lock()
		e.handle = handle
		e.mu.Unlock()
	}

	if err := sleepContext(ctx, r.options.SettleInterval); err != nil {
		// Record what was launched so a later stop can reach it.
		r.recordRunning(ctx, e, handle, startedAt)
		return errors.NewCancelledError("start cancelled during settle interval", err).WithContext("service", name)
	}

	alive, err = r.isAlive(ctx, e)
	if err != nil || !alive {
		output := r.diagnostics(ctx, e, handle)
		r.clearState(e)
		r.logger.Errorf("Service died during startup, name: %s, output: %s", name, output)
		return errors.NewServiceError("service exited during startup", err).
			WithContext("service", name).WithContext("output", output)
	}

	r.recordRunning(ctx, e, handle, startedAt)

	if e.service.HealthCheck != nil {
		if err := r.targets.Check(ctx, name, e.service.HealthCheck); err != nil {
			r.logger.Errorf("Service started but health check failed, name: %s, error: %v", name, err)
			return err
		}
	}

	r.logger.Infof("Service started, name: %s", name)
	return nil
}

func (r *Registry) recordRunning(ctx context.Context, e *entry, handle *process.Handle, startedAt time.Time) {
	pid := 0
	if handle != nil {
		pid = handle.PID()
	} else if p, err := r.controller.MainPID(ctx, e.service.UnitName); err == nil {
		pid = p
	}

	e.mu.Lock()
	e.state.Running = true
	e.state.PID = pid
	e.state.StartedAt = startedAt
	e.state.PermanentlyFailed = false
	e.desired = true
	e.mu.Unlock()

	if handle != nil {
		if err := r.pidFiles.Write(e.service.Name, pid); err != nil {
			r.logger.Warnf("Failed to persist PID, name: %s, error: %v", e.service.Name, err)
		}
	}
	r.metrics.ServiceUp(e.service.Name, true)
}

func (r *Registry) stopLocked(ctx context.Context, e *entry, timeout time.Duration, clearDesired bool) error {
	name := e.service.Name

	alive, err := r.isAlive(ctx, e)
	if err != nil {
		r.logger.Warnf("Liveness check failed before stop, name: %s, error: %v", name, err)
		alive = true
	}
	if !alive {
		r.logger.Debugf("Service not running, nothing to stop, name: %s", name)
		r.finishStop(e, clearDesired)
		return nil
	}

	r.logger.Infof("Stopping service, name: %s, timeout: %v", name, timeout)

	switch e.service.Mode {
	case config.ControlModeUnit:
		stopCtx, cancel := context.WithTimeout(ctx, timeout)
		stopErr := r.controller.Stop(stopCtx, e.service.UnitName)
		cancel()

		if still, _ := r.isAlive(ctx, e); still {
			r.logger.Warnf("Unit still active after stop, forcing termination, name: %s, stop error: %v", name, stopErr)
			if err := r.controller.Kill(ctx, e.service.UnitName); err != nil {
				return errors.NewServiceError("failed to kill unit", err).WithContext("service", name)
			}
			if still, _ := r.isAlive(ctx, e); still {
				return errors.NewServiceError("unit still active after kill", stopErr).WithContext("service", name)
			}
		}

	case config.ControlModeProcess:
		e.mu.RLock()
		pid := e.state.PID
		var done <-chan struct{}
		if e.handle != nil {
			pid = e.handle.PID()
			done = e.handle.Done()
		}
		e.mu.RUnlock()

		if err := process.Terminate(ctx, pid, done, timeout, r.logger); err != nil {
			r.logger.Errorf("Failed to stop process, name: %s, PID: %d, error: %v", name, pid, err)
			return errors.NewProcessError("failed to stop process", err).WithContext("service", name)
		}
	}

	r.finishStop(e, clearDesired)
	r.logger.Infof("Service stopped, name: %s", name)
	return nil
}

func (r *Registry) finishStop(e *entry, clearDesired bool) {
	r.clearState(e)
	if clearDesired {
		e.mu.Lock()
		e.desired = false
		e.mu.Unlock()
	}
}

// clearState drops every per-run field in one critical section.
func (r *Registry) clearState(e *entry) {
	e.mu.Lock()
	e.state.Running = false
	e.state.PID = 0
	e.state.StartedAt = time.Time{}
	e.handle = nil
	e.mu.Unlock()

	if e.service.Mode == config.ControlModeProcess {
		if err := r.pidFiles.Remove(e.service.Name); err != nil {
			r.logger.Warnf("Failed to remove PID file, name: %s, error: %v", e.service.Name, err)
		}
	}
	r.metrics.ServiceUp(e.service.Name, false)
}

func (r *Registry) isAlive(ctx context.Context, e *entry) (bool, error) {
	if e.service.Mode == config.ControlModeUnit {
		return r.controller.IsActive(ctx, e.service.UnitName)
	}

	e.mu.RLock()
	handle, pid := e.handle, e.state.PID
	e.mu.RUnlock()

	if handle != nil {
		return !handle.Exited(), nil
	}
	if pid > 0 {
		return process.IsProcessRunning(pid)
	}
	return false, nil
}

func (r *Registry) diagnostics(ctx context.Context, e *entry, handle *process.Handle) string {
	if handle != nil {
		if !handle.Exited() {
			return ""
		}
		return handle.Output()
	}
	out, err := r.controller.Describe(ctx, e.service.UnitName)
	if err != nil {
		return err.Error()
	}
	return out
}

// Enable configures the service manager to start the unit on boot.
func (r *Registry) Enable(ctx context.Context, name string) error {
	return r.unitOnly(ctx, name, "enable", r.controller.Enable)
}

// Disable removes the unit from boot-time start.
func (r *Registry) Disable(ctx context.Context, name string) error {
	return r.unitOnly(ctx, name, "disable", r.controller.Disable)
}

func (r *Registry) unitOnly(ctx context.Context, name, verb string, fn func(context.Context, string) error) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}
	if e.service.Mode != config.ControlModeUnit {
		return errors.NewValidationError(verb+" requires a unit-mode service", nil).WithContext("service", name)
	}
	r.logger.Infof("Running %s, name: %s, unit: %s", verb, name, e.service.UnitName)
	if err := fn(ctx, e.service.UnitName); err != nil {
		return errors.NewServiceError(verb+" failed", err).WithContext("service", name)
	}
	return nil
}

// Status refreshes the service's liveness from the OS and returns a snapshot.
func (r *Registry) Status(ctx context.Context, name string) (ProcessState, error) {
	e, err := r.lookup(name)
	if err != nil {
		return ProcessState{}, err
	}

	// Held across the check and the write so a concurrent start or stop
	// cannot be overwritten with a stale liveness result.
	e.ops.Lock()
	defer e.ops.Unlock()

	alive, err := r.isAlive(ctx, e)
	if err != nil {
		r.logger.Warnf("Liveness check failed, name: %s, error: %v", name, err)
		return r.State(name)
	}

	pid := 0
	if alive && e.service.Mode == config.ControlModeUnit {
		if p, err := r.controller.MainPID(ctx, e.service.UnitName); err == nil {
			pid = p
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if alive {
		e.state.Running = true
		if pid > 0 {
			e.state.PID = pid
		}
	} else {
		e.state.Running = false
		e.state.PID = 0
		e.state.StartedAt = time.Time{}
	}
	return e.state, nil
}

// StatusAll returns refreshed snapshots in start order.
func (r *Registry) StatusAll(ctx context.Context) []ServiceStatus {
	names := r.orderedNames(false)
	out := make([]ServiceStatus, 0, len(names))
	for _, name := range names {
		state, err := r.Status(ctx, name)
		if err != nil {
			continue
		}
		svc, _ := r.Service(name)
		out = append(out, ServiceStatus{Service: svc, State: state})
	}
	return out
}

// StartAll starts services in dependency order. Under the fail-fast policy
// every service after the first failure is reported as skipped.
func (r *Registry) StartAll(ctx context.Context) []Result {
	names := r.orderedNames(false)
	results := make([]Result, 0, len(names))

	failed := ""
	for _, name := range names {
		if failed != "" && r.options.StartPolicy == config.StartPolicyFailFast {
			r.logger.Warnf("Skipping service start, name: %s, failed dependency: %s", name, failed)
			results = append(results, Result{
				Name: name,
				Err:  errors.NewServiceError("skipped: dependency failed to start", nil).WithContext("failed_dependency", failed),
			})
			continue
		}

		err := r.Start(ctx, name)
		results = append(results, Result{Name: name, Success: err == nil, Err: err})
		if err != nil && failed == "" {
			failed = name
		}
	}
	return results
}

// StopAll stops services in reverse dependency order and never short-circuits.
func (r *Registry) StopAll(ctx context.Context) []Result {
	names := r.orderedNames(true)
	results := make([]Result, 0, len(names))
	for _, name := range names {
		err := r.Stop(ctx, name)
		results = append(results, Result{Name: name, Success: err == nil, Err: err})
	}
	return results
}

// orderedNames lists registered services in declared start order, or its
// reverse, followed by services the order does not mention.
func (r *Registry) orderedNames(reverse bool) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	seen := make(map[string]bool, len(r.entries))
	declared := make([]string, 0, len(r.entries))
	for _, name := range r.options.StartOrder {
		if _, ok := r.entries[name]; ok && !seen[name] {
			declared = append(declared, name)
			seen[name] = true
		}
	}

	if reverse {
		for i, j := 0, len(declared)-1; i < j; i, j = i+1, j-1 {
			declared[i], declared[j] = declared[j], declared[i]
		}
	}

	for _, name := range r.order {
		if !seen[name] {
			declared = append(declared, name)
		}
	}
	return declared
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
