package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// PIDFileManager persists PIDs of spawned services so later invocations can
// find processes started by earlier ones.
type PIDFileManager struct {
	dir    string
	logger logging.Logger
}

func NewPIDFileManager(dir string, logger logging.Logger) *PIDFileManager {
	return &PIDFileManager{dir: dir, logger: logger}
}

// Path returns the PID file path for a service.
func (m *PIDFileManager) Path(name string) string {
	return filepath.Join(m.dir, name+".pid")
}

func (m *PIDFileManager) Write(name string, pid int) error {
	if m.dir == "" {
		return nil
	}
	path := m.Path(name)
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return errors.NewIOError("failed to create PID directory", err).WithContext("dir", m.dir)
	}
	if err := renameio.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		m.logger.Errorf("Failed to write PID file, name: %s, pid: %d, path: %s, error: %v", name, pid, path, err)
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", path)
	}
	m.logger.Debugf("PID file written, name: %s, pid: %d, path: %s", name, pid, path)
	return nil
}

// Read returns the stored PID, or 0 when no PID file exists.
func (m *PIDFileManager) Read(name string) (int, error) {
	if m.dir == "" {
		return 0, nil
	}
	path := m.Path(name)
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", path)
	}
	return pid, nil
}

func (m *PIDFileManager) Remove(name string) error {
	if m.dir == "" {
		return nil
	}
	path := m.Path(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", path)
	}
	return nil
}
