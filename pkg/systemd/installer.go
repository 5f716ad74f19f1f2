package systemd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// Installer copies rendered unit files into the service manager's unit
// directory and reloads its configuration.
type Installer struct {
	unitDir    string
	controller Controller
	logger     logging.Logger
}

func NewInstaller(unitDir string, controller Controller, logger logging.Logger) *Installer {
	return &Installer{unitDir: unitDir, controller: controller, logger: logger}
}

// Install copies files in order and stops at the first missing one. Files
// copied before the failure stay installed, but the reload is skipped.
func (i *Installer) Install(ctx context.Context, files []string) ([]string, error) {
	if err := os.MkdirAll(i.unitDir, 0o755); err != nil {
		return nil, errors.NewIOError("failed to create unit directory", err).WithContext("unit_dir", i.unitDir)
	}

	installed := make([]string, 0, len(files))
	for _, src := range files {
		data, err := os.ReadFile(src)
		if err != nil {
			i.logger.Errorf("Rendered unit file missing, path: %s, error: %v", src, err)
			return installed, errors.NewNotFoundError("rendered unit file missing", err).WithContext("path", src)
		}

		dst := filepath.Join(i.unitDir, filepath.Base(src))
		if err := renameio.WriteFile(dst, data, 0o644); err != nil {
			return installed, errors.NewIOError("failed to install unit file", err).WithContext("path", dst)
		}
		i.logger.Infof("Installed unit file, path: %s", dst)
		installed = append(installed, dst)
	}

	if err := i.controller.DaemonReload(ctx); err != nil {
		return installed, err
	}
	return installed, nil
}
