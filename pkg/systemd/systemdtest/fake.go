// Package systemdtest provides an in-memory systemd.Controller for tests.
package systemdtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/core-tools/hsu-platform/pkg/systemd"
)

var _ systemd.Controller = (*FakeController)(nil)

// FakeController keeps unit state in memory and records every call.
type FakeController struct {
	mu sync.Mutex

	active  map[string]bool
	enabled map[string]bool
	pids    map[string]int
	nextPID int

	// FailStart lists units whose start call returns an error.
	FailStart map[string]error
	// DieOnStart lists units that start successfully but are inactive right after.
	DieOnStart map[string]bool
	// IgnoreStop lists units that stay active after stop until killed.
	IgnoreStop map[string]bool

	Calls   []string
	Reloads int
}

func NewFakeController() *FakeController {
	return &FakeController{
		active:     make(map[string]bool),
		enabled:    make(map[string]bool),
		pids:       make(map[string]int),
		nextPID:    1000,
		FailStart:  make(map[string]error),
		DieOnStart: make(map[string]bool),
		IgnoreStop: make(map[string]bool),
	}
}

func (f *FakeController) record(verb, unit string) {
	f.Calls = append(f.Calls, verb+" "+unit)
}

// SetActive flips a unit's state, simulating a crash or an external start.
func (f *FakeController) SetActive(unit string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[unit] = active
	if !active {
		delete(f.pids, unit)
	}
}

// CallsFor returns recorded calls of one verb, in order.
func (f *FakeController) CallsFor(verb string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, call := range f.Calls {
		if len(call) > len(verb) && call[:len(verb)+1] == verb+" " {
			out = append(out, call[len(verb)+1:])
		}
	}
	return out
}

func (f *FakeController) Enabled(unit string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[unit]
}

func (f *FakeController) Start(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", unit)
	if err := f.FailStart[unit]; err != nil {
		return err
	}
	if f.DieOnStart[unit] {
		return nil
	}
	f.active[unit] = true
	f.nextPID++
	f.pids[unit] = f.nextPID
	return nil
}

func (f *FakeController) Stop(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", unit)
	if f.IgnoreStop[unit] {
		return fmt.Errorf("stop timed out for %s", unit)
	}
	f.active[unit] = false
	delete(f.pids, unit)
	return nil
}

func (f *FakeController) Kill(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("kill", unit)
	f.active[unit] = false
	delete(f.pids, unit)
	return nil
}

func (f *FakeController) Enable(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("enable", unit)
	f.enabled[unit] = true
	return nil
}

func (f *FakeController) Disable(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("disable", unit)
	f.enabled[unit] = false
	return nil
}

func (f *FakeController) IsActive(ctx context.Context, unit string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[unit], nil
}

func (f *FakeController) MainPID(ctx context.Context, unit string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pids[unit], nil
}

func (f *FakeController) Describe(ctx context.Context, unit string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "inactive"
	if f.active[unit] {
		state = "active"
	}
	return fmt.Sprintf("%s - %s", unit, state), nil
}

func (f *FakeController) DaemonReload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reloads++
	return nil
}
