package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/daemon"
	"github.com/core-tools/hsu-platform/pkg/logging"
	"github.com/core-tools/hsu-platform/pkg/monitoring"
)

type flagOptions struct {
	Config  string `long:"config" short:"c" description:"path to the platform configuration file"`
	BaseURL string `long:"base-url" description:"application server base URL (default: http://localhost:8000)"`
	JSON    bool   `long:"json" description:"print the report as JSON"`
	Export  string `long:"export" description:"write the JSON report to this file"`
	Quiet   bool   `long:"quiet" short:"q" description:"print nothing; only set the exit code"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(daemon.ExitFailure)
	}

	os.Exit(run(opts))
}

func run(opts flagOptions) int {
	var cfg *config.PlatformConfig
	var err error
	if opts.Config != "" {
		cfg, err = config.LoadConfigFromFile(opts.Config)
	} else {
		cfg, err = config.LoadConfig([]byte("{}"), "defaults")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return daemon.ExitFailure
	}
	daemon.WithDefaultServices(cfg)
	if opts.BaseURL != "" {
		cfg.Health.BaseURL = opts.BaseURL
	}
	if opts.Quiet || opts.JSON {
		cfg.Logging.Level = "error"
	}

	logger, sync, err := logging.NewZapLogger("healthcheck: ", cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return daemon.ExitFailure
	}
	defer func() { _ = sync() }()

	ctx := context.Background()
	platform, err := daemon.NewPlatform(ctx, cfg, daemon.Dependencies{}, logger)
	if err != nil {
		logger.Errorf("Failed to initialize platform: %v", err)
		return daemon.ExitFailure
	}
	defer platform.Close()

	report := monitoring.NewReport(platform.HealthChecker().RunAllChecks(ctx), time.Now())

	if opts.Export != "" {
		if err := report.ExportJSON(opts.Export); err != nil {
			logger.Errorf("Failed to export report, path: %s, error: %v", opts.Export, err)
			return daemon.ExitFailure
		}
		if !opts.Quiet && !opts.JSON {
			fmt.Printf("Report exported to %s\n", opts.Export)
		}
	}

	switch {
	case opts.Quiet:
	case opts.JSON:
		data, err := report.JSON()
		if err != nil {
			logger.Errorf("Failed to encode report: %v", err)
			return daemon.ExitFailure
		}
		fmt.Println(string(data))
	default:
		if err := report.PrintTable(os.Stdout); err != nil {
			logger.Errorf("Failed to print report: %v", err)
		}
	}

	if report.HasUnhealthy() {
		return daemon.ExitFailure
	}
	return daemon.ExitSuccess
}
