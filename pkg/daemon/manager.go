package daemon

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
	"github.com/core-tools/hsu-platform/pkg/supervisor"
)

const (
	ExitSuccess = 0
	ExitFailure = 1
)

type Action string

const (
	ActionInstall Action = "install"
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionStatus  Action = "status"
	ActionEnable  Action = "enable"
	ActionDisable Action = "disable"
	ActionMonitor Action = "monitor"
)

var Actions = []Action{
	ActionInstall, ActionStart, ActionStop, ActionRestart,
	ActionStatus, ActionEnable, ActionDisable, ActionMonitor,
}

// ParseAction maps a command-line word to an Action.
func ParseAction(s string) (Action, error) {
	for _, a := range Actions {
		if string(a) == s {
			return a, nil
		}
	}
	names := make([]string, len(Actions))
	for i, a := range Actions {
		names[i] = string(a)
	}
	return "", errors.NewValidationError(fmt.Sprintf("unknown action: %s", s), nil).
		WithContext("supported_actions", strings.Join(names, ", "))
}

// Request is one CLI invocation.
type Request struct {
	Action  Action
	Service string
	All     bool
}

// targeted actions need exactly one of a service name or the all flag.
func (a Action) targeted() bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionEnable, ActionDisable:
		return true
	}
	return false
}

// ValidateRequest rejects invalid flag combinations and unknown services
// before anything is executed.
func ValidateRequest(req Request, known []string) error {
	if _, err := ParseAction(string(req.Action)); err != nil {
		return err
	}

	switch {
	case req.Action.targeted():
		if (req.Service == "") == !req.All {
			return errors.NewValidationError(fmt.Sprintf("%s requires either a service name or --all", req.Action), nil)
		}
	case req.Action == ActionMonitor:
		if req.Service != "" || req.All {
			return errors.NewValidationError("monitor takes no service or --all", nil)
		}
	default:
		if req.Service != "" && req.All {
			return errors.NewValidationError(fmt.Sprintf("%s accepts a service name or --all, not both", req.Action), nil)
		}
	}

	if req.Service != "" {
		for _, name := range known {
			if name == req.Service {
				return nil
			}
		}
		return errors.NewNotFoundError("unknown service", nil).
			WithContext("service", req.Service).
			WithContext("known_services", strings.Join(known, ", "))
	}
	return nil
}

// Manager executes CLI actions against a Platform and reports per-service
// outcomes on out.
type Manager struct {
	platform *Platform
	out      io.Writer
	logger   logging.Logger
	now      func() time.Time
}

func NewManager(platform *Platform, out io.Writer, logger logging.Logger) *Manager {
	return &Manager{
		platform: platform,
		out:      out,
		logger:   logger,
		now:      time.Now,
	}
}

// Run validates req, executes it and returns the process exit code.
func (m *Manager) Run(ctx context.Context, req Request) int {
	if err := ValidateRequest(req, m.platform.Registry.Names()); err != nil {
		fmt.Fprintf(m.out, "Error: %v\n", err)
		return ExitFailure
	}

	m.logger.Debugf("Running action, action: %s, service: %s, all: %t", req.Action, req.Service, req.All)

	var ok bool
	switch req.Action {
	case ActionInstall:
		ok = m.install(ctx)
	case ActionStatus:
		ok = m.status(ctx, req.Service)
	case ActionMonitor:
		ok = m.monitor(ctx)
	case ActionStart:
		if req.All {
			ok = m.report("Started", "start", m.platform.Registry.StartAll(ctx))
		} else {
			ok = m.each(ctx, "Started", "start", []string{req.Service}, m.platform.Registry.Start)
		}
	case ActionStop:
		if req.All {
			ok = m.report("Stopped", "stop", m.platform.Registry.StopAll(ctx))
		} else {
			ok = m.each(ctx, "Stopped", "stop", []string{req.Service}, m.platform.Registry.Stop)
		}
	case ActionRestart:
		ok = m.each(ctx, "Restarted", "restart", m.targets(req), m.platform.Registry.Restart)
	case ActionEnable:
		ok = m.each(ctx, "Enabled", "enable", m.targets(req), m.platform.Registry.Enable)
	case ActionDisable:
		ok = m.each(ctx, "Disabled", "disable", m.targets(req), m.platform.Registry.Disable)
	}

	if !ok {
		return ExitFailure
	}
	return ExitSuccess
}

// targets resolves the service list of a request in start order.
func (m *Manager) targets(req Request) []string {
	if !req.All {
		return []string{req.Service}
	}
	return m.platform.Registry.StartOrder()
}

func (m *Manager) each(ctx context.Context, done, verb string, names []string, op func(context.Context, string) error) bool {
	results := make([]supervisor.Result, 0, len(names))
	for _, name := range names {
		err := op(ctx, name)
		results = append(results, supervisor.Result{Name: name, Success: err == nil, Err: err})
	}
	return m.report(done, verb, results)
}

func (m *Manager) report(done, verb string, results []supervisor.Result) bool {
	ok := true
	for _, r := range results {
		if r.Success {
			fmt.Fprintf(m.out, "%s %s\n", done, r.Name)
			continue
		}
		ok = false
		fmt.Fprintf(m.out, "Failed to %s %s: %v\n", verb, r.Name, r.Err)
	}
	return ok
}

func (m *Manager) install(ctx context.Context) bool {
	paths, err := m.platform.Renderer.GenerateAll()
	if err != nil {
		fmt.Fprintf(m.out, "Failed to generate unit files: %v\n", err)
		return false
	}
	for _, path := range paths {
		fmt.Fprintf(m.out, "Generated %s\n", path)
	}

	installed, err := m.platform.Installer.Install(ctx, paths)
	for _, path := range installed {
		fmt.Fprintf(m.out, "Installed %s\n", path)
	}
	if err != nil {
		fmt.Fprintf(m.out, "Failed to install unit files: %v\n", err)
		return false
	}
	return true
}

func (m *Manager) status(ctx context.Context, service string) bool {
	registry := m.platform.Registry

	var statuses []supervisor.ServiceStatus
	if service != "" {
		state, err := registry.Status(ctx, service)
		if err != nil {
			fmt.Fprintf(m.out, "Failed to query %s: %v\n", service, err)
			return false
		}
		svc, _ := registry.Service(service)
		statuses = []supervisor.ServiceStatus{{Service: svc, State: state}}
	} else {
		statuses = registry.StatusAll(ctx)
	}

	return PrintStatusTable(m.out, statuses, m.now()) == nil
}

// PrintStatusTable renders one row per service.
func PrintStatusTable(w io.Writer, statuses []supervisor.ServiceStatus, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tUNIT\tMODE\tSTATE\tPID\tUPTIME\tRESTARTS")
	for _, s := range statuses {
		state := "stopped"
		switch {
		case s.State.Running:
			state = "running"
		case s.State.PermanentlyFailed:
			state = "failed"
		}

		pid := "-"
		if s.State.Running && s.State.PID > 0 {
			pid = fmt.Sprintf("%d", s.State.PID)
		}
		uptime := "-"
		if d := s.State.Uptime(now); d > 0 {
			uptime = d.Truncate(time.Second).String()
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			s.Service.Name, s.Service.UnitName, s.Service.Mode, state, pid, uptime,
			s.State.RestartCount, s.State.MaxRestarts)
	}
	return tw.Flush()
}
