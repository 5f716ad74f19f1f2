package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/core-tools/hsu-platform/pkg/errors"
)

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *PlatformConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validatePlatformOptions(&config.Platform); err != nil {
		return errors.NewValidationError("invalid platform configuration", err)
	}

	if err := validateServices(config.Services); err != nil {
		return errors.NewValidationError("invalid services configuration", err)
	}

	if config.Metrics.Address != "" {
		if err := ValidateNetworkAddress(config.Metrics.Address); err != nil {
			return errors.NewValidationError("invalid metrics address", err)
		}
	}

	for _, probe := range config.Health.GRPC {
		if err := ValidateNetworkAddress(probe.Address); err != nil {
			return errors.NewValidationError("invalid gRPC probe address", err).WithContext("probe", probe.Name)
		}
	}

	return nil
}

func validatePlatformOptions(p *PlatformOptions) error {
	switch p.Backend {
	case BackendSystemctl, BackendDBus:
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported backend: %s", p.Backend), nil).
			WithContext("supported_backends", "systemctl, dbus")
	}

	switch p.StartPolicy {
	case StartPolicyFailFast, StartPolicyContinue:
	default:
		return errors.NewValidationError(fmt.Sprintf("unsupported start policy: %s", p.StartPolicy), nil).
			WithContext("supported_policies", "fail-fast, continue")
	}

	if err := ValidateTimeout(p.StopTimeout, "stop"); err != nil {
		return err
	}
	if err := ValidateTimeout(p.MonitorInterval, "monitor interval"); err != nil {
		return err
	}
	if p.SettleInterval < 0 || p.RestartPause < 0 {
		return errors.NewValidationError("settle interval and restart pause cannot be negative", nil)
	}
	if p.MaxRestarts < 0 {
		return errors.NewValidationError("max restarts cannot be negative", nil)
	}
	return nil
}

func validateServices(services []ServiceConfig) error {
	seen := make(map[string]bool, len(services))
	for i, svc := range services {
		if err := ValidateServiceName(svc.Name); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid service at index %d", i), err)
		}
		if seen[svc.Name] {
			return errors.NewConflictError("duplicate service name", nil).WithContext("service", svc.Name)
		}
		seen[svc.Name] = true

		switch svc.Mode {
		case ControlModeUnit:
		case ControlModeProcess:
			if svc.Command == "" {
				return errors.NewValidationError("process mode requires a command", nil).WithContext("service", svc.Name)
			}
		default:
			return errors.NewValidationError(fmt.Sprintf("unsupported control mode: %s", svc.Mode), nil).
				WithContext("service", svc.Name)
		}

		if hc := svc.HealthCheck; hc != nil && hc.URL == "" && hc.Command == "" {
			return errors.NewValidationError("health check needs a url or a command", nil).WithContext("service", svc.Name)
		}
	}
	return nil
}

// ValidateServiceName validates service name format and constraints
func ValidateServiceName(name string) error {
	if name == "" {
		return errors.NewValidationError("service name cannot be empty", nil)
	}
	if len(name) > 64 {
		return errors.NewValidationError("service name cannot exceed 64 characters", nil)
	}
	for _, char := range name {
		if !isValidIDChar(char) {
			return errors.NewValidationError("service name contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil).
				WithContext("service", name)
		}
	}
	return nil
}

// ValidateNetworkAddress validates host:port format
func ValidateNetworkAddress(address string) error {
	if address == "" {
		return errors.NewValidationError("network address cannot be empty", nil)
	}

	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.NewValidationError("invalid network address format: "+address, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return errors.NewValidationError("invalid port in address: "+address, err)
	}
	return nil
}

// ValidateTimeout validates timeout duration
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout <= 0 {
		return errors.NewValidationError(name+" timeout must be positive", nil)
	}
	return nil
}

func isValidIDChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
