//go:build !linux

package systemd

import (
	"context"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// DBusController is only available on Linux.
type DBusController struct{ Controller }

func NewDBusController(ctx context.Context, logger logging.Logger) (*DBusController, error) {
	return nil, errors.NewInternalError("D-Bus backend requires Linux", nil)
}

func (c *DBusController) Close() {}
