package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
	"github.com/core-tools/hsu-platform/pkg/metrics"
	"github.com/core-tools/hsu-platform/pkg/process"
	"github.com/core-tools/hsu-platform/pkg/systemd/systemdtest"
)

type stubTargets struct {
	mu    sync.Mutex
	fail  map[string]error
	calls int
}

func (s *stubTargets) Check(ctx context.Context, service string, target *config.TargetConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.fail[service]
}

func newTestRegistry(t *testing.T, order []string, policy config.StartPolicy) (*Registry, *systemdtest.FakeController, *stubTargets) {
	t.Helper()
	ctrl := systemdtest.NewFakeController()
	targets := &stubTargets{fail: make(map[string]error)}
	r := NewRegistry(Options{
		SettleInterval: 5 * time.Millisecond,
		StopTimeout:    time.Second,
		RestartPause:   time.Millisecond,
		StartOrder:     order,
		StartPolicy:    policy,
	}, ctrl, targets, logging.NewNopLogger())
	return r, ctrl, targets
}

func unitService(name string, maxRestarts int) ManagedService {
	return ManagedService{
		Name:        name,
		UnitName:    "estate-" + name,
		Mode:        config.ControlModeUnit,
		MaxRestarts: maxRestarts,
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil, config.StartPolicyFailFast)
	require.NoError(t, r.Register(unitService("redis", 3)))

	err := r.Register(unitService("redis", 3))
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.Equal(t, []string{"redis"}, r.Names())
}

func TestUnknownServiceIsNotFound(t *testing.T) {
	r, ctrl, _ := newTestRegistry(t, nil, config.StartPolicyFailFast)
	ctx := context.Background()

	operations := map[string]func() error{
		"start":   func() error { return r.Start(ctx, "ghost") },
		"stop":    func() error { return r.Stop(ctx, "ghost") },
		"restart": func() error { return r.Restart(ctx, "ghost") },
		"enable":  func() error { return r.Enable(ctx, "ghost") },
		"status": func() error {
			_, err := r.Status(ctx, "ghost")
			return err
		},
	}
	for name, op := range operations {
		t.Run(name, func(t *testing.T) {
			err := op()
			require.Error(t, err)
			assert.True(t, errors.IsNotFoundError(err))
		})
	}
	assert.Empty(t, ctrl.Calls)
}

func TestStartIsIdempotent(t *testing.T) {
	r, ctrl, targets := newTestRegistry(t, nil, config.StartPolicyFailFast)
	svc := unitService("app-server", 3)
	svc.HealthCheck = &config.TargetConfig{URL: "http://localhost:8000/health/"}
	require.NoError(t, r.Register(svc))

	ctx := context.Background()
	require.NoError(t, r.Start(ctx, "app-server"))
	require.NoError(t, r.Restart(ctx, "app-server"))

	before, err := r.State("app-server")
	require.NoError(t, err)
	require.Equal(t, 1, before.RestartCount)

	require.NoError(t, r.Start(ctx, "app-server"))

	assert.Len(t, ctrl.CallsFor("start"), 2)
	assert.Equal(t, 2, targets.calls)

	state, err := r.State("app-server")
	require.NoError(t, err)
	assert.True(t, state.Running)
	assert.NotZero(t, state.PID)
	assert.False(t, state.StartedAt.IsZero())
	assert.True(t, before.StartedAt.Equal(state.StartedAt))
	assert.Equal(t, before.RestartCount, state.RestartCount)
}

func TestStartDetectsEarlyDeath(t *testing.T) {
	r, ctrl, _ := newTestRegistry(t, nil, config.StartPolicyFailFast)
	require.NoError(t, r.Register(unitService("worker", 3)))
	ctrl.DieOnStart["estate-worker"] = true

	err := r.Start(context.Background(), "worker")
	require.Error(t, err)
	assert.True(t, errors.IsServiceError(err))

	var domainErr *errors.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Contains(t, domainErr.Context["output"], "inactive")

	state, _ := r.State("worker")
	assert.False(t, state.Running)
	assert.Zero(t, state.PID)
}

func TestStartFailsOnUnhealthyTarget(t *testing.T) {
	r, _, targets := newTestRegistry(t, nil, config.StartPolicyFailFast)
	svc := unitService("app-server", 3)
	svc.HealthCheck = &config.TargetConfig{URL: "http://localhost:8000/health/"}
	require.NoError(t, r.Register(svc))
	targets.fail["app-server"] = errors.NewHealthCheckError("status 500", nil)

	err := r.Start(context.Background(), "app-server")
	require.Error(t, err)
	assert.True(t, errors.IsHealthCheckError(err))
}

func TestStopClearsRunState(t *testing.T) {
	r, ctrl, _ := newTestRegistry(t, nil, config.StartPolicyFailFast)
	require.NoError(t, r.Register(unitService("redis", 3)))
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "redis"))
	require.NoError(t, r.Stop(ctx, "redis"))

	state, _ := r.State("redis")
	assert.False(t, state.Running)
	assert.Zero(t, state.PID)
	assert.True(t, state.StartedAt.IsZero())

	// Stopping a stopped service is a no-op.
	require.NoError(t, r.Stop(ctx, "redis"))
	assert.Len(t, ctrl.CallsFor("stop"), 1)
}

func TestStopEscalatesToKill(t *testing.T) {
	r, ctrl, _ := newTestRegistry(t, nil, config.StartPolicyFailFast)
	require.NoError(t, r.Register(unitService("scheduler", 3)))
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "scheduler"))
	ctrl.IgnoreStop["estate-scheduler"] = true

	require.NoError(t, r.StopWithTimeout(ctx, "scheduler", 10*time.Millisecond))
	assert.Equal(t, []string{"estate-scheduler"}, ctrl.CallsFor("kill"))
}

func TestRestartCeiling(t *testing.T) {
	r, ctrl, _ := newTestRegistry(t, nil, config.StartPolicyFailFast)
	require.NoError(t, r.Register(unitService("worker", 2)))
	m := metrics.New()
	r.SetMetrics(m)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "worker"))
	require.NoError(t, r.Restart(ctx, "worker"))
	require.NoError(t, r.Restart(ctx, "worker"))

	stops, starts := len(ctrl.CallsFor("stop")), len(ctrl.CallsFor("start"))

	err := r.Restart(ctx, "worker")
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.Len(t, ctrl.CallsFor("stop"), stops)
	assert.Len(t, ctrl.CallsFor("start"), starts)

	state, _ := r.State("worker")
	assert.Equal(t, 2, state.RestartCount)
	assert.True(t, state.Running)
}

func TestStartAllFailFast(t *testing.T) {
	order := []string{"redis", "app-server", "worker", "scheduler"}
	r, ctrl, _ := newTestRegistry(t, order, config.StartPolicyFailFast)
	// Registered out of order on purpose.
	for _, name := range []string{"scheduler", "worker", "redis", "app-server"} {
		require.NoError(t, r.Register(unitService(name, 3)))
	}
	ctrl.FailStart["estate-app-server"] = fmt.Errorf("unit failed")

	results := r.StartAll(context.Background())
	require.Len(t, results, 4)

	names := make([]string, 0, len(results))
	for _, res := range results {
		names = append(names, res.Name)
	}
	assert.Equal(t, order, names)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.False(t, results[2].Success)
	assert.Contains(t, results[2].Err.Error(), "skipped")
	assert.Equal(t, []string{"estate-redis", "estate-app-server"}, ctrl.CallsFor("start"))
}

func TestStartAllContinuePolicy(t *testing.T) {
	order := []string{"redis", "app-server", "worker"}
	r, ctrl, _ := newTestRegistry(t, order, config.StartPolicyContinue)
	for _, name := range order {
		require.NoError(t, r.Register(unitService(name, 3)))
	}
	ctrl.FailStart["estate-redis"] = fmt.Errorf("unit failed")

	results := r.StartAll(context.Background())
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.True(t, results[2].Success)
}

func TestStopAllReverseOrderWithLeftovers(t *testing.T) {
	order := []string{"redis", "app-server", "worker"}
	r, ctrl, _ := newTestRegistry(t, order, config.StartPolicyFailFast)
	for _, name := range []string{"redis", "app-server", "worker", "flower"} {
		require.NoError(t, r.Register(unitService(name, 3)))
	}
	ctx := context.Background()

	for _, res := range r.StartAll(ctx) {
		require.True(t, res.Success, res.Name)
	}
	results := r.StopAll(ctx)
	require.Len(t, results, 4)

	assert.Equal(t,
		[]string{"estate-worker", "estate-app-server", "estate-redis", "estate-flower"},
		ctrl.CallsFor("stop"))
}

func TestEnableRequiresUnitMode(t *testing.T) {
	r, ctrl, _ := newTestRegistry(t, nil, config.StartPolicyFailFast)
	require.NoError(t, r.Register(unitService("redis", 3)))
	require.NoError(t, r.Register(ManagedService{
		Name:        "flower",
		Mode:        config.ControlModeProcess,
		MaxRestarts: 3,
		Spawn:       processSpawn("sleep 30"),
	}))
	ctx := context.Background()

	require.NoError(t, r.Enable(ctx, "redis"))
	assert.True(t, ctrl.Enabled("estate-redis"))
	require.NoError(t, r.Disable(ctx, "redis"))
	assert.False(t, ctrl.Enabled("estate-redis"))

	err := r.Enable(ctx, "flower")
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestStatusAllFollowsExternalChanges(t *testing.T) {
	r, ctrl, _ := newTestRegistry(t, []string{"redis", "worker"}, config.StartPolicyFailFast)
	require.NoError(t, r.Register(unitService("worker", 3)))
	require.NoError(t, r.Register(unitService("redis", 3)))
	ctx := context.Background()

	require.NoError(t, r.Start(ctx, "redis"))
	ctrl.SetActive("estate-redis", false)
	ctrl.SetActive("estate-worker", true)

	statuses := r.StatusAll(ctx)
	require.Len(t, statuses, 2)
	assert.Equal(t, "redis", statuses[0].Service.Name)
	assert.False(t, statuses[0].State.Running)
	assert.True(t, statuses[0].State.StartedAt.IsZero())
	assert.Equal(t, "worker", statuses[1].Service.Name)
	assert.True(t, statuses[1].State.Running)
}

func TestConcurrentOperationsOnDifferentServices(t *testing.T) {
	names := []string{"redis", "app-server", "worker", "scheduler"}
	r, _, _ := newTestRegistry(t, names, config.StartPolicyFailFast)
	for _, name := range names {
		require.NoError(t, r.Register(unitService(name, 10)))
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, r.Start(ctx, name))
			assert.NoError(t, r.Restart(ctx, name))
			_, err := r.Status(ctx, name)
			assert.NoError(t, err)
		}(name)
	}
	wg.Wait()

	for _, name := range names {
		state, _ := r.State(name)
		assert.True(t, state.Running, name)
		assert.Equal(t, 1, state.RestartCount, name)
	}
}

func TestUptime(t *testing.T) {
	now := time.Now()
	running := ProcessState{Running: true, StartedAt: now.Add(-time.Minute)}
	assert.Equal(t, time.Minute, running.Uptime(now))
	assert.Zero(t, ProcessState{StartedAt: now.Add(-time.Minute)}.Uptime(now))
}

func processSpawn(script string) process.SpawnConfig {
	return process.SpawnConfig{Command: "sh", Args: []string{"-c", script}}
}

// pausingController holds the next IsActive call after it has read the unit
// state, until release is closed.
type pausingController struct {
	*systemdtest.FakeController

	mu      sync.Mutex
	armed   bool
	paused  chan struct{}
	release chan struct{}
}

func (c *pausingController) arm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	c.paused = make(chan struct{})
	c.release = make(chan struct{})
}

func (c *pausingController) IsActive(ctx context.Context, unit string) (bool, error) {
	active, err := c.FakeController.IsActive(ctx, unit)

	c.mu.Lock()
	armed := c.armed
	c.armed = false
	c.mu.Unlock()

	if armed {
		close(c.paused)
		<-c.release
	}
	return active, err
}

func TestStatusDoesNotOverwriteConcurrentStart(t *testing.T) {
	ctrl := &pausingController{FakeController: systemdtest.NewFakeController()}
	r := NewRegistry(Options{
		SettleInterval: 5 * time.Millisecond,
		StopTimeout:    time.Second,
		RestartPause:   time.Millisecond,
	}, ctrl, &stubTargets{}, logging.NewNopLogger())
	require.NoError(t, r.Register(unitService("worker", 3)))
	ctx := context.Background()

	ctrl.arm()
	statusDone := make(chan error, 1)
	go func() {
		_, err := r.Status(ctx, "worker")
		statusDone <- err
	}()
	<-ctrl.paused

	// Status has seen the unit inactive and is about to record it.
	startDone := make(chan error, 1)
	go func() { startDone <- r.Start(ctx, "worker") }()
	time.Sleep(20 * time.Millisecond)
	close(ctrl.release)

	require.NoError(t, <-statusDone)
	require.NoError(t, <-startDone)

	active, err := ctrl.IsActive(ctx, "estate-worker")
	require.NoError(t, err)
	require.True(t, active)

	state, err := r.State("worker")
	require.NoError(t, err)
	assert.True(t, state.Running, "unit is active but registry recorded it stopped")
	assert.NotZero(t, state.PID)
	assert.False(t, state.StartedAt.IsZero())
}
