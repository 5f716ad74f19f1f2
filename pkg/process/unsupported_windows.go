//go:build windows

package process

import (
	"context"
	"os/exec"
	"time"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

var errUnsupported = errors.NewInternalError("process group control requires a Unix platform", nil)

func setupProcessAttributes(cmd *exec.Cmd) {}

func SendTerminationSignal(pid int) error { return errUnsupported }

func ForceKill(pid int) error { return errUnsupported }

func IsProcessRunning(pid int) (bool, error) { return false, errUnsupported }

func Terminate(ctx context.Context, pid int, done <-chan struct{}, timeout time.Duration, logger logging.Logger) error {
	return errUnsupported
}
