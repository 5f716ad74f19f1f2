//go:build linux

package systemd

import (
	"context"
	"fmt"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// DBusController talks to systemd over the system bus.
type DBusController struct {
	conn   *dbus.Conn
	logger logging.Logger
}

func NewDBusController(ctx context.Context, logger logging.Logger) (*DBusController, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.NewServiceError("failed to connect to systemd over D-Bus", err)
	}
	return &DBusController{conn: conn, logger: logger}, nil
}

func (c *DBusController) Close() {
	c.conn.Close()
}

type unitJob func(ctx context.Context, name string, mode string, ch chan<- string) (int, error)

// runJob submits a job and waits for systemd to report its result.
func (c *DBusController) runJob(ctx context.Context, verb string, job unitJob, unit string) error {
	name := UnitFileName(unit)
	ch := make(chan string, 1)
	if _, err := job(ctx, name, "replace", ch); err != nil {
		return errors.NewServiceError(verb+" job submission failed", err).WithContext("unit", name)
	}
	select {
	case result := <-ch:
		if result != "done" {
			return errors.NewServiceError(verb+" job did not complete", nil).
				WithContext("unit", name).WithContext("result", result)
		}
		return nil
	case <-ctx.Done():
		return errors.NewCancelledError(verb+" job wait cancelled", ctx.Err()).WithContext("unit", name)
	}
}

func (c *DBusController) Start(ctx context.Context, unit string) error {
	return c.runJob(ctx, "start", c.conn.StartUnitContext, unit)
}

func (c *DBusController) Stop(ctx context.Context, unit string) error {
	return c.runJob(ctx, "stop", c.conn.StopUnitContext, unit)
}

func (c *DBusController) Kill(ctx context.Context, unit string) error {
	c.conn.KillUnitContext(ctx, UnitFileName(unit), int32(syscall.SIGKILL))
	return nil
}

func (c *DBusController) Enable(ctx context.Context, unit string) error {
	name := UnitFileName(unit)
	if _, _, err := c.conn.EnableUnitFilesContext(ctx, []string{name}, false, true); err != nil {
		return errors.NewServiceError("enable failed", err).WithContext("unit", name)
	}
	return c.DaemonReload(ctx)
}

func (c *DBusController) Disable(ctx context.Context, unit string) error {
	name := UnitFileName(unit)
	if _, err := c.conn.DisableUnitFilesContext(ctx, []string{name}, false); err != nil {
		return errors.NewServiceError("disable failed", err).WithContext("unit", name)
	}
	return c.DaemonReload(ctx)
}

func (c *DBusController) IsActive(ctx context.Context, unit string) (bool, error) {
	name := UnitFileName(unit)
	props, err := c.conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return false, errors.NewServiceError("failed to read unit properties", err).WithContext("unit", name)
	}
	state, _ := props["ActiveState"].(string)
	return state == "active", nil
}

func (c *DBusController) MainPID(ctx context.Context, unit string) (int, error) {
	name := UnitFileName(unit)
	props, err := c.conn.GetUnitTypePropertiesContext(ctx, name, "Service")
	if err != nil {
		return 0, errors.NewServiceError("failed to read service properties", err).WithContext("unit", name)
	}
	pid, _ := props["MainPID"].(uint32)
	return int(pid), nil
}

func (c *DBusController) Describe(ctx context.Context, unit string) (string, error) {
	name := UnitFileName(unit)
	props, err := c.conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return "", errors.NewServiceError("failed to read unit properties", err).WithContext("unit", name)
	}
	keys := []string{"Id", "Description", "LoadState", "ActiveState", "SubState", "FragmentPath"}
	var b strings.Builder
	for _, key := range keys {
		if v, ok := props[key]; ok {
			fmt.Fprintf(&b, "%s=%v\n", key, v)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func (c *DBusController) DaemonReload(ctx context.Context) error {
	c.logger.Infof("Reloading service manager configuration over D-Bus")
	if err := c.conn.ReloadContext(ctx); err != nil {
		return errors.NewServiceError("daemon reload failed", err)
	}
	return nil
}
