// Package systemd controls OS service-manager units.
package systemd

import (
	"context"
	"strings"
)

// Controller drives the OS service manager. Unit names may be given with or
// without the ".service" suffix.
type Controller interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	// Kill sends SIGKILL to every process of the unit.
	Kill(ctx context.Context, unit string) error
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	IsActive(ctx context.Context, unit string) (bool, error)
	MainPID(ctx context.Context, unit string) (int, error)
	// Describe returns human-readable unit status for diagnostics.
	Describe(ctx context.Context, unit string) (string, error)
	DaemonReload(ctx context.Context) error
}

// UnitFileName appends ".service" when unit has no type suffix.
func UnitFileName(unit string) string {
	if strings.Contains(unit, ".") {
		return unit
	}
	return unit + ".service"
}

// UnitName derives the unit name of a managed service.
func UnitName(prefix, service string) string {
	if prefix == "" {
		return service
	}
	return prefix + "-" + service
}
