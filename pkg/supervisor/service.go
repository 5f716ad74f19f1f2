package supervisor

import (
	"time"

	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/process"
	"github.com/core-tools/hsu-platform/pkg/systemd"
)

// ManagedService is a service the registry controls.
type ManagedService struct {
	Name        string
	UnitName    string
	Description string
	Mode        config.ControlMode
	// Spawn is used in process mode only.
	Spawn       process.SpawnConfig
	HealthCheck *config.TargetConfig
	MaxRestarts int
}

// ServiceFromConfig builds a ManagedService, deriving the unit name from prefix.
func ServiceFromConfig(cfg config.ServiceConfig, unitPrefix string) ManagedService {
	return ManagedService{
		Name:        cfg.Name,
		UnitName:    systemd.UnitName(unitPrefix, cfg.Name),
		Description: cfg.Description,
		Mode:        cfg.Mode,
		Spawn: process.SpawnConfig{
			Command:          cfg.Command,
			Args:             cfg.Args,
			WorkingDirectory: cfg.WorkingDirectory,
			Environment:      cfg.Environment,
		},
		HealthCheck: cfg.HealthCheck,
		MaxRestarts: cfg.MaxRestarts,
	}
}

// ProcessState is the runtime state of one service.
type ProcessState struct {
	Running      bool      `json:"running"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	RestartCount int       `json:"restart_count"`
	MaxRestarts  int       `json:"max_restarts"`
	// PermanentlyFailed is set once the monitor gives up on the service.
	PermanentlyFailed bool `json:"permanently_failed,omitempty"`
}

// Uptime is zero unless the service is running with a known start time.
func (s ProcessState) Uptime(now time.Time) time.Duration {
	if !s.Running || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// ServiceStatus pairs a service with a state snapshot.
type ServiceStatus struct {
	Service ManagedService
	State   ProcessState
}

// Result is the outcome of one service in a bulk operation.
type Result struct {
	Name    string
	Success bool
	Err     error
}
