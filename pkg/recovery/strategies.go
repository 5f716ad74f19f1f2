package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/core-tools/hsu-platform/pkg/command"
	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// ServiceController is the part of the service registry a restart needs.
type ServiceController interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
}

// ServiceRestart stops and starts the failing service.
type ServiceRestart struct {
	*attempts
	services ServiceController
	logger   logging.Logger
}

func NewServiceRestart(services ServiceController, maxAttempts int, logger logging.Logger) *ServiceRestart {
	return &ServiceRestart{
		attempts: newAttempts(KindServiceRestart, maxAttempts),
		services: services,
		logger:   logger,
	}
}

func (s *ServiceRestart) Name() string { return "service-restart" }

func (s *ServiceRestart) Recover(ctx context.Context, err *errors.PlatformError, rc Context) (bool, error) {
	s.begin()
	if err.Service == "" {
		return false, errors.NewValidationError("service failure without a service name", nil)
	}

	s.logger.Infof("Recovering service by restart, name: %s, attempt: %d", err.Service, s.Attempts())
	if stopErr := s.services.Stop(ctx, err.Service); stopErr != nil {
		return false, stopErr
	}
	if startErr := s.services.Start(ctx, err.Service); startErr != nil {
		return false, startErr
	}
	return true, nil
}

// installers maps a package ecosystem to its install command prefix.
var installers = map[string][]string{
	"python": {"pip", "install"},
	"pip":    {"pip", "install"},
	"node":   {"npm", "install", "--no-save"},
	"npm":    {"npm", "install", "--no-save"},
	"system": {"apt-get", "install", "-y"},
	"apt":    {"apt-get", "install", "-y"},
	"go":     {"go", "install"},
}

// DependencyInstall installs a missing package with the ecosystem's installer.
type DependencyInstall struct {
	*attempts
	runner command.Runner
	logger logging.Logger
}

func NewDependencyInstall(runner command.Runner, maxAttempts int, logger logging.Logger) *DependencyInstall {
	return &DependencyInstall{
		attempts: newAttempts(KindDependencyInstall, maxAttempts),
		runner:   runner,
		logger:   logger,
	}
}

func (s *DependencyInstall) Name() string { return "dependency-install" }

// InstallCommand returns the command that installs pkg for ecosystem.
func InstallCommand(ecosystem, pkg string) ([]string, error) {
	prefix, ok := installers[strings.ToLower(ecosystem)]
	if !ok {
		return nil, errors.NewValidationError("unsupported package ecosystem", nil).WithContext("ecosystem", ecosystem)
	}
	if pkg == "" {
		return nil, errors.NewValidationError("missing package name", nil)
	}
	if prefix[0] == "go" && !strings.Contains(pkg, "@") {
		pkg += "@latest"
	}
	return append(append([]string{}, prefix...), pkg), nil
}

func (s *DependencyInstall) Recover(ctx context.Context, err *errors.PlatformError, rc Context) (bool, error) {
	s.begin()
	cmd, cmdErr := InstallCommand(err.Ecosystem, err.Package)
	if cmdErr != nil {
		return false, cmdErr
	}

	s.logger.Infof("Installing missing dependency, package: %s, ecosystem: %s, command: %v", err.Package, err.Ecosystem, cmd)
	res, runErr := s.runner.Run(ctx, cmd[0], cmd[1:]...)
	if runErr != nil {
		s.logger.Errorf("Dependency install failed, package: %s, output: %s", err.Package, res.Output())
		return false, runErr
	}
	return true, nil
}

// ConfigurationRepair backs up a broken configuration file and replaces it
// with default content.
type ConfigurationRepair struct {
	*attempts
	// defaults maps a config path to a file holding its default content.
	defaults map[string]string
	now      func() time.Time
	logger   logging.Logger
}

func NewConfigurationRepair(defaults map[string]string, maxAttempts int, logger logging.Logger) *ConfigurationRepair {
	if defaults == nil {
		defaults = map[string]string{}
	}
	return &ConfigurationRepair{
		attempts: newAttempts(KindConfigurationRepair, maxAttempts),
		defaults: defaults,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *ConfigurationRepair) Name() string { return "configuration-repair" }

func (s *ConfigurationRepair) Recover(ctx context.Context, err *errors.PlatformError, rc Context) (bool, error) {
	s.begin()
	path := err.FilePath
	if path == "" {
		return false, errors.NewValidationError("configuration failure without a file path", nil)
	}

	content, lookupErr := s.defaultContent(path, rc)
	if lookupErr != nil {
		return false, lookupErr
	}

	if _, statErr := os.Stat(path); statErr == nil {
		backup := fmt.Sprintf("%s.backup.%s", path, s.now().Format("20060102_150405"))
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return false, errors.NewIOError("failed to back up configuration", renameErr).WithContext("path", path)
		}
		s.logger.Infof("Backed up configuration, path: %s, backup: %s", path, backup)
	}

	if mkErr := os.MkdirAll(filepath.Dir(path), 0755); mkErr != nil {
		return false, errors.NewIOError("failed to create configuration directory", mkErr).WithContext("path", path)
	}
	if writeErr := renameio.WriteFile(path, content, 0644); writeErr != nil {
		return false, errors.NewIOError("failed to write default configuration", writeErr).WithContext("path", path)
	}

	s.logger.Infof("Restored default configuration, path: %s", path)
	return true, nil
}

func (s *ConfigurationRepair) defaultContent(path string, rc Context) ([]byte, error) {
	switch v := rc[DefaultConfigKey].(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	}

	if source, ok := s.defaults[path]; ok {
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, errors.NewIOError("failed to read default configuration", err).WithContext("source", source)
		}
		return data, nil
	}
	return nil, errors.NewNotFoundError("no default configuration supplied", nil).WithContext("path", path)
}
