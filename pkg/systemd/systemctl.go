package systemd

import (
	"context"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-platform/pkg/command"
	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// SystemctlController shells out to systemctl.
type SystemctlController struct {
	runner        command.Runner
	logger        logging.Logger
	UseSudo       bool
	SudoCommand   string
	SystemctlPath string
}

func NewSystemctlController(runner command.Runner, useSudo bool, logger logging.Logger) *SystemctlController {
	return &SystemctlController{
		runner:        runner,
		logger:        logger,
		UseSudo:       useSudo,
		SudoCommand:   "sudo",
		SystemctlPath: "systemctl",
	}
}

func (c *SystemctlController) exec(ctx context.Context, args ...string) (command.Result, error) {
	if c.UseSudo {
		return c.runner.Run(ctx, c.SudoCommand, append([]string{c.SystemctlPath}, args...)...)
	}
	return c.runner.Run(ctx, c.SystemctlPath, args...)
}

func (c *SystemctlController) action(ctx context.Context, verb, unit string) error {
	name := UnitFileName(unit)
	c.logger.Debugf("systemctl %s %s", verb, name)
	result, err := c.exec(ctx, verb, name)
	if err != nil {
		return errors.NewServiceError("systemctl "+verb+" failed", err).
			WithContext("unit", name).WithContext("stderr", strings.TrimSpace(result.Stderr))
	}
	return nil
}

func (c *SystemctlController) Start(ctx context.Context, unit string) error {
	return c.action(ctx, "start", unit)
}

func (c *SystemctlController) Stop(ctx context.Context, unit string) error {
	return c.action(ctx, "stop", unit)
}

func (c *SystemctlController) Kill(ctx context.Context, unit string) error {
	name := UnitFileName(unit)
	result, err := c.exec(ctx, "kill", "--signal=SIGKILL", name)
	if err != nil {
		return errors.NewServiceError("systemctl kill failed", err).
			WithContext("unit", name).WithContext("stderr", strings.TrimSpace(result.Stderr))
	}
	return nil
}

func (c *SystemctlController) Enable(ctx context.Context, unit string) error {
	return c.action(ctx, "enable", unit)
}

func (c *SystemctlController) Disable(ctx context.Context, unit string) error {
	return c.action(ctx, "disable", unit)
}

// IsActive runs "systemctl is-active". Exit code 3 means inactive, other
// non-zero codes with a recognizable state word are also reported as inactive.
func (c *SystemctlController) IsActive(ctx context.Context, unit string) (bool, error) {
	name := UnitFileName(unit)
	result, err := c.exec(ctx, "is-active", name)
	state := strings.TrimSpace(result.Stdout)
	if err == nil {
		return state == "active", nil
	}
	switch {
	case result.ExitCode == 3:
		return false, nil
	case state == "inactive" || state == "failed" || state == "activating" || state == "deactivating":
		return false, nil
	}
	return false, errors.NewServiceError("systemctl is-active failed", err).WithContext("unit", name)
}

func (c *SystemctlController) MainPID(ctx context.Context, unit string) (int, error) {
	name := UnitFileName(unit)
	result, err := c.exec(ctx, "show", "--property=MainPID", "--value", name)
	if err != nil {
		return 0, errors.NewServiceError("systemctl show failed", err).WithContext("unit", name)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(result.Stdout))
	if err != nil {
		return 0, errors.NewValidationError("unexpected MainPID value", err).
			WithContext("unit", name).WithContext("value", result.Stdout)
	}
	return pid, nil
}

// Describe returns "systemctl status" output. status exits non-zero for
// stopped units, so output is returned whenever there is any.
func (c *SystemctlController) Describe(ctx context.Context, unit string) (string, error) {
	name := UnitFileName(unit)
	result, err := c.exec(ctx, "status", "--no-pager", "--lines=20", name)
	if out := result.Output(); out != "" {
		return out, nil
	}
	if err != nil {
		return "", errors.NewServiceError("systemctl status failed", err).WithContext("unit", name)
	}
	return "", nil
}

func (c *SystemctlController) DaemonReload(ctx context.Context) error {
	c.logger.Infof("Reloading service manager configuration")
	if _, err := c.exec(ctx, "daemon-reload"); err != nil {
		return errors.NewServiceError("systemctl daemon-reload failed", err)
	}
	return nil
}
