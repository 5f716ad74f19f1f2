// Package config loads the platform orchestration configuration.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// PlatformConfig represents the top-level configuration file structure
type PlatformConfig struct {
	Platform  PlatformOptions   `yaml:"platform"`
	Logging   logging.ZapConfig `yaml:"logging"`
	Generator GeneratorOptions  `yaml:"generator"`
	Health    HealthOptions     `yaml:"health"`
	Recovery  RecoveryOptions   `yaml:"recovery"`
	Metrics   MetricsOptions    `yaml:"metrics"`
	Services  []ServiceConfig   `yaml:"services"`
}

// ControlBackend selects how units are driven.
type ControlBackend string

const (
	BackendSystemctl ControlBackend = "systemctl"
	BackendDBus      ControlBackend = "dbus"
)

// StartPolicy decides what start_all does after a failed start.
type StartPolicy string

const (
	// StartPolicyFailFast skips every service after the first failed start.
	StartPolicyFailFast StartPolicy = "fail-fast"
	// StartPolicyContinue attempts every service regardless of earlier failures.
	StartPolicyContinue StartPolicy = "continue"
)

// ControlMode is the mechanism a service is controlled through.
type ControlMode string

const (
	ControlModeUnit    ControlMode = "unit"
	ControlModeProcess ControlMode = "process"
)

type PlatformOptions struct {
	UnitPrefix      string         `yaml:"unit_prefix"`
	UnitDirectory   string         `yaml:"unit_directory"`
	Backend         ControlBackend `yaml:"backend"`
	UseSudo         bool           `yaml:"use_sudo,omitempty"`
	CommandTimeout  time.Duration  `yaml:"command_timeout,omitempty"`
	PIDDirectory    string         `yaml:"pid_directory,omitempty"`
	SettleInterval  time.Duration  `yaml:"settle_interval,omitempty"`
	StopTimeout     time.Duration  `yaml:"stop_timeout,omitempty"`
	RestartPause    time.Duration  `yaml:"restart_pause,omitempty"`
	MaxRestarts     int            `yaml:"max_restarts,omitempty"`
	MonitorInterval time.Duration  `yaml:"monitor_interval,omitempty"`
	StartOrder      []string       `yaml:"start_order,omitempty"`
	StartPolicy     StartPolicy    `yaml:"start_policy,omitempty"`
}

type ServiceConfig struct {
	Name             string            `yaml:"name"`
	Description      string            `yaml:"description"`
	Mode             ControlMode       `yaml:"mode,omitempty"`
	Command          string            `yaml:"command,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty"`
	Environment      map[string]string `yaml:"environment,omitempty"`
	HealthCheck      *TargetConfig     `yaml:"health_check,omitempty"`
	MaxRestarts      int               `yaml:"max_restarts,omitempty"`
}

// TargetConfig is an application-level liveness target: a URL or a command.
type TargetConfig struct {
	URL            string        `yaml:"url,omitempty"`
	ExpectedStatus int           `yaml:"expected_status,omitempty"`
	Command        string        `yaml:"command,omitempty"`
	Args           []string      `yaml:"args,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty"`
	Retries        int           `yaml:"retries,omitempty"`
}

type GeneratorOptions struct {
	ConfigDirectory   string `yaml:"config_directory"`
	TemplateDirectory string `yaml:"template_directory,omitempty"`
	OutputDirectory   string `yaml:"output_directory"`
	Environment       string `yaml:"environment"`
}

type HealthOptions struct {
	BaseURL              string               `yaml:"base_url"`
	Timeout              time.Duration        `yaml:"timeout,omitempty"`
	ReportDirectory      string               `yaml:"report_directory,omitempty"`
	ReportInterval       time.Duration        `yaml:"report_interval,omitempty"`
	ServiceChecks        *bool                `yaml:"service_checks,omitempty"`
	DiskPath             string               `yaml:"disk_path,omitempty"`
	DiskDegradedPercent  float64              `yaml:"disk_degraded_percent,omitempty"`
	DiskUnhealthyPercent float64              `yaml:"disk_unhealthy_percent,omitempty"`
	Endpoints            []EndpointConfig     `yaml:"endpoints,omitempty"`
	Datastore            *CommandProbeConfig  `yaml:"datastore,omitempty"`
	WorkerInspect        *CommandProbeConfig  `yaml:"worker_inspect,omitempty"`
	GRPC                 []GRPCProbeConfig    `yaml:"grpc,omitempty"`
	TCP                  []TCPProbeConfig     `yaml:"tcp,omitempty"`
}

type EndpointConfig struct {
	Name           string `yaml:"name"`
	Path           string `yaml:"path"`
	ExpectedStatus int    `yaml:"expected_status"`
}

// CommandProbeConfig describes an external probe command and the output
// marker that indicates success.
type CommandProbeConfig struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args,omitempty"`
	Expect  string        `yaml:"expect,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type GRPCProbeConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Service string `yaml:"service,omitempty"`
}

type TCPProbeConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type RecoveryOptions struct {
	ReportDirectory string               `yaml:"report_directory,omitempty"`
	MaxAttempts     int                  `yaml:"max_attempts,omitempty"`
	Webhook         *WebhookConfig       `yaml:"webhook,omitempty"`
	ConfigDefaults  []ConfigDefaultEntry `yaml:"config_defaults,omitempty"`
}

type WebhookConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	MaxRetries uint64        `yaml:"max_retries,omitempty"`
}

// ConfigDefaultEntry maps a configuration file to the default content used to repair it.
type ConfigDefaultEntry struct {
	Path        string `yaml:"path"`
	DefaultFile string `yaml:"default_file"`
}

type MetricsOptions struct {
	Address string `yaml:"address,omitempty"`
}

// LoadConfigFromFile loads platform configuration from a YAML file
func LoadConfigFromFile(filename string) (*PlatformConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}
	return LoadConfig(data, filename)
}

// LoadConfig parses data and applies defaults. source is used in error context only.
func LoadConfig(data []byte, source string) (*PlatformConfig, error) {
	var config PlatformConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewConfigurationError("failed to parse YAML configuration", err).WithContext("filename", source)
	}

	setConfigDefaults(&config)

	return &config, nil
}

// Service returns the service entry with the given name.
func (c *PlatformConfig) Service(name string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// ServiceNames returns service names in declaration order.
func (c *PlatformConfig) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		names = append(names, svc.Name)
	}
	return names
}

func setConfigDefaults(config *PlatformConfig) {
	p := &config.Platform
	if p.UnitPrefix == "" {
		p.UnitPrefix = "estate"
	}
	if p.UnitDirectory == "" {
		p.UnitDirectory = "/etc/systemd/system"
	}
	if p.Backend == "" {
		p.Backend = BackendSystemctl
	}
	if p.CommandTimeout == 0 {
		p.CommandTimeout = 30 * time.Second
	}
	if p.SettleInterval == 0 {
		p.SettleInterval = 2 * time.Second
	}
	if p.StopTimeout == 0 {
		p.StopTimeout = 10 * time.Second
	}
	if p.RestartPause == 0 {
		p.RestartPause = time.Second
	}
	if p.MaxRestarts == 0 {
		p.MaxRestarts = 5
	}
	if p.MonitorInterval == 0 {
		p.MonitorInterval = 30 * time.Second
	}
	if len(p.StartOrder) == 0 {
		p.StartOrder = []string{"redis", "app-server", "worker", "scheduler"}
	}
	if p.StartPolicy == "" {
		p.StartPolicy = StartPolicyFailFast
	}

	if config.Logging.Level == "" {
		config.Logging = mergeZapDefaults(config.Logging)
	}

	g := &config.Generator
	if g.ConfigDirectory == "" {
		g.ConfigDirectory = "deploy/config"
	}
	if g.OutputDirectory == "" {
		g.OutputDirectory = "deploy/generated"
	}
	if g.Environment == "" {
		g.Environment = "production"
	}

	setHealthDefaults(&config.Health)

	if config.Recovery.MaxAttempts == 0 {
		config.Recovery.MaxAttempts = 3
	}

	for i := range config.Services {
		svc := &config.Services[i]
		if svc.Mode == "" {
			svc.Mode = ControlModeUnit
		}
		if svc.MaxRestarts == 0 {
			svc.MaxRestarts = p.MaxRestarts
		}
		if svc.HealthCheck != nil {
			if svc.HealthCheck.URL != "" && svc.HealthCheck.ExpectedStatus == 0 {
				svc.HealthCheck.ExpectedStatus = 200
			}
			if svc.HealthCheck.Timeout == 0 {
				svc.HealthCheck.Timeout = 5 * time.Second
			}
			if svc.HealthCheck.Retries == 0 {
				svc.HealthCheck.Retries = 3
			}
		}
	}
}

func mergeZapDefaults(c logging.ZapConfig) logging.ZapConfig {
	d := logging.DefaultZapConfig()
	d.ErrorLog = c.ErrorLog
	if c.Format != "" {
		d.Format = c.Format
	}
	if c.Output != "" {
		d.Output = c.Output
	}
	d.Caller = c.Caller
	return d
}

func setHealthDefaults(h *HealthOptions) {
	if h.BaseURL == "" {
		h.BaseURL = "http://localhost:8000"
	}
	if h.Timeout == 0 {
		h.Timeout = 10 * time.Second
	}
	if h.ReportInterval == 0 {
		h.ReportInterval = 5 * time.Minute
	}
	if h.ServiceChecks == nil {
		enabled := true
		h.ServiceChecks = &enabled
	}
	if h.DiskPath == "" {
		h.DiskPath = "/"
	}
	if h.DiskDegradedPercent == 0 {
		h.DiskDegradedPercent = 80
	}
	if h.DiskUnhealthyPercent == 0 {
		h.DiskUnhealthyPercent = 90
	}
	if len(h.Endpoints) == 0 {
		h.Endpoints = []EndpointConfig{
			{Name: "health-endpoint", Path: "/health/", ExpectedStatus: 200},
			{Name: "admin-login", Path: "/admin/login/", ExpectedStatus: 302},
		}
	}
	if h.Datastore == nil {
		h.Datastore = &CommandProbeConfig{Name: "redis-ping", Command: "redis-cli", Args: []string{"ping"}, Expect: "PONG"}
	}
	if h.WorkerInspect == nil {
		h.WorkerInspect = &CommandProbeConfig{Name: "celery-workers", Command: "celery", Args: []string{"-A", "estate", "inspect", "active"}, Expect: "OK"}
	}
	for _, probe := range []*CommandProbeConfig{h.Datastore, h.WorkerInspect} {
		if probe.Timeout == 0 {
			probe.Timeout = h.Timeout
		}
	}
}
