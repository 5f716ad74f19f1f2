//go:build !windows

package process

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// setupProcessAttributes puts the child in a new process group so the whole
// tree can be signalled through -pid.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// SendTerminationSignal sends SIGTERM to the process group led by pid, or to
// pid alone when it does not lead a group.
func SendTerminationSignal(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// ForceKill sends SIGKILL the same way as SendTerminationSignal.
func ForceKill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// Terminate stops the process group led by pid: SIGTERM, wait up to timeout,
// then SIGKILL. done may be nil for processes that are not our children, in
// which case liveness is polled.
func Terminate(ctx context.Context, pid int, done <-chan struct{}, timeout time.Duration, logger logging.Logger) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	logger.Infof("Sending termination signal, PID: %d, timeout: %v", pid, timeout)
	if err := SendTerminationSignal(pid); err != nil {
		logger.Warnf("Failed to send termination signal, PID: %d, error: %v", pid, err)
	}

	if waitForExit(ctx, pid, done, timeout) {
		logger.Infof("Process terminated gracefully, PID: %d", pid)
		return nil
	}

	if ctx.Err() != nil {
		return errors.NewCancelledError("termination cancelled", ctx.Err()).WithContext("pid", pid)
	}

	logger.Warnf("Process did not exit within timeout, force killing, PID: %d", pid)
	if err := ForceKill(pid); err != nil {
		logger.Warnf("Failed to kill process group, PID: %d, error: %v", pid, err)
	}

	// SIGKILL cannot be ignored; give the kernel a moment to reap.
	if waitForExit(context.Background(), pid, done, 2*time.Second) {
		return nil
	}
	return errors.NewProcessError("process survived SIGKILL", nil).WithContext("pid", pid)
}

func waitForExit(ctx context.Context, pid int, done <-chan struct{}, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if done != nil {
		select {
		case <-done:
			return true
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if running, _ := IsProcessRunning(pid); !running {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
