// Package daemon wires the platform components together and drives the
// command-line actions.
package daemon

import (
	"context"

	"github.com/core-tools/hsu-platform/pkg/command"
	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/generator"
	"github.com/core-tools/hsu-platform/pkg/logging"
	"github.com/core-tools/hsu-platform/pkg/metrics"
	"github.com/core-tools/hsu-platform/pkg/monitoring"
	"github.com/core-tools/hsu-platform/pkg/process"
	"github.com/core-tools/hsu-platform/pkg/recovery"
	"github.com/core-tools/hsu-platform/pkg/supervisor"
	"github.com/core-tools/hsu-platform/pkg/systemd"
)

// Dependencies overrides externally facing components, mainly in tests.
type Dependencies struct {
	Controller systemd.Controller
	Runner     command.Runner
}

// Platform holds the components built from one configuration.
type Platform struct {
	Config     *config.PlatformConfig
	Runner     command.Runner
	Controller systemd.Controller
	Registry   *supervisor.Registry
	Renderer   *generator.Renderer
	Installer  *systemd.Installer
	Recovery   *recovery.Engine
	Metrics    *metrics.Metrics

	logger  logging.Logger
	closers []func()
}

// NewPlatform validates cfg and builds every component. Close releases the
// service-manager connection.
func NewPlatform(ctx context.Context, cfg *config.PlatformConfig, deps Dependencies, logger logging.Logger) (*Platform, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	p := &Platform{
		Config:  cfg,
		Metrics: metrics.New(),
		logger:  logger,
	}

	p.Runner = deps.Runner
	if p.Runner == nil {
		p.Runner = command.NewExecRunner(cfg.Platform.CommandTimeout)
	}

	p.Controller = deps.Controller
	if p.Controller == nil {
		controller, err := p.newController(ctx)
		if err != nil {
			return nil, err
		}
		p.Controller = controller
	}

	p.Registry = supervisor.NewRegistry(
		supervisor.OptionsFromConfig(cfg.Platform),
		p.Controller,
		supervisor.NewTargetChecker(p.Runner, logging.WithPrefix(logger, "target: ")),
		logging.WithPrefix(logger, "supervisor: "),
	)
	p.Registry.SetPIDFiles(process.NewPIDFileManager(cfg.Platform.PIDDirectory, logger))
	p.Registry.SetMetrics(p.Metrics)

	for _, svc := range cfg.Services {
		if err := p.Registry.Register(supervisor.ServiceFromConfig(svc, cfg.Platform.UnitPrefix)); err != nil {
			p.Close()
			return nil, err
		}
	}

	p.Renderer = generator.NewRenderer(generator.Options{
		ConfigDirectory:   cfg.Generator.ConfigDirectory,
		TemplateDirectory: cfg.Generator.TemplateDirectory,
		OutputDirectory:   cfg.Generator.OutputDirectory,
		Environment:       cfg.Generator.Environment,
		UnitPrefix:        cfg.Platform.UnitPrefix,
	}, logging.WithPrefix(logger, "generator: "))

	p.Installer = systemd.NewInstaller(cfg.Platform.UnitDirectory, p.Controller, logger)

	p.Recovery = p.newRecoveryEngine()
	p.Registry.SetFailureHandler(func(ctx context.Context, err error) {
		p.Recovery.Handle(ctx, err, nil)
	})

	return p, nil
}

func (p *Platform) newController(ctx context.Context) (systemd.Controller, error) {
	cfg := p.Config.Platform
	switch cfg.Backend {
	case config.BackendDBus:
		controller, err := systemd.NewDBusController(ctx, logging.WithPrefix(p.logger, "dbus: "))
		if err != nil {
			return nil, errors.NewEnvironmentFailure("systemd-dbus", "cannot connect to the service manager").WithCause(err)
		}
		p.closers = append(p.closers, controller.Close)
		return controller, nil
	default:
		return systemd.NewSystemctlController(p.Runner, cfg.UseSudo, logging.WithPrefix(p.logger, "systemctl: ")), nil
	}
}

func (p *Platform) newRecoveryEngine() *recovery.Engine {
	cfg := p.Config.Recovery
	logger := logging.WithPrefix(p.logger, "recovery: ")

	engine := recovery.NewEngine(cfg.ReportDirectory, logger)
	engine.SetMetrics(p.Metrics)

	defaults := make(map[string]string, len(cfg.ConfigDefaults))
	for _, entry := range cfg.ConfigDefaults {
		defaults[entry.Path] = entry.DefaultFile
	}

	engine.AddStrategy(recovery.NewServiceRestart(p.Registry, cfg.MaxAttempts, logger))
	engine.AddStrategy(recovery.NewDependencyInstall(p.Runner, cfg.MaxAttempts, logger))
	engine.AddStrategy(recovery.NewConfigurationRepair(defaults, cfg.MaxAttempts, logger))

	engine.AddNotifier(recovery.NewLogNotifier(logger))
	if cfg.Webhook != nil && cfg.Webhook.URL != "" {
		engine.AddNotifier(recovery.NewWebhookNotifier(*cfg.Webhook, logger))
	}
	return engine
}

// HealthChecker builds the health battery over the registered services.
func (p *Platform) HealthChecker() *monitoring.HealthChecker {
	names := p.Registry.Names()
	targets := make([]monitoring.ServiceTarget, 0, len(names))
	for _, name := range names {
		name := name
		targets = append(targets, monitoring.ServiceTarget{
			Name: name,
			Active: func(ctx context.Context) (bool, error) {
				state, err := p.Registry.Status(ctx, name)
				return state.Running, err
			},
		})
	}

	checker := monitoring.NewPlatformChecker(p.Config.Health, p.Runner, targets, logging.WithPrefix(p.logger, "health: "))
	checker.SetMetrics(p.Metrics)
	return checker
}

func (p *Platform) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

// WithDefaultServices declares the standard unit-mode services when the
// configuration names none.
func WithDefaultServices(cfg *config.PlatformConfig) {
	if len(cfg.Services) > 0 {
		return
	}
	for _, name := range cfg.Platform.StartOrder {
		cfg.Services = append(cfg.Services, config.ServiceConfig{
			Name:        name,
			Mode:        config.ControlModeUnit,
			MaxRestarts: cfg.Platform.MaxRestarts,
		})
	}
}
