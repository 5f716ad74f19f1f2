package main

import (
	"context"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/daemon"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

type flagOptions struct {
	Config string `long:"config" short:"c" description:"path to the platform configuration file; built-in defaults when empty"`
	All    bool   `long:"all" description:"apply the action to every service"`
	Args   struct {
		Action  string `positional-arg-name:"action" description:"install, start, stop, restart, status, enable, disable or monitor" required:"yes"`
		Service string `positional-arg-name:"service" description:"service name"`
	} `positional-args:"yes"`
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
	action, err := daemon.ParseAction(opts.Args.Action)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return daemon.ExitFailure
	}

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return daemon.ExitFailure
	}
	daemon.WithDefaultServices(cfg)

	logger, sync, err := logging.NewZapLogger("platformctl: ", cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
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

	return daemon.NewManager(platform, os.Stdout, logger).Run(ctx, daemon.Request{
		Action:  action,
		Service: opts.Args.Service,
		All:     opts.All,
	})
}

func loadConfig(path string) (*config.PlatformConfig, error) {
	if path == "" {
		return config.LoadConfig([]byte("{}"), "defaults")
	}
	return config.LoadConfigFromFile(path)
}
