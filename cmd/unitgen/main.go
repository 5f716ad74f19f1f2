package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/generator"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"platform configuration file supplying generator defaults"`
	ConfigDir   string `long:"config-dir" description:"directory with global, environment and services layers"`
	TemplateDir string `long:"template-dir" description:"directory with <category>.service.tmpl overrides"`
	Output      string `long:"output" short:"o" description:"output directory for generated unit files"`
	Env         string `long:"env" short:"e" description:"environment layer to apply"`
	Service     string `long:"service" short:"s" description:"generate a single service"`
	All         bool   `long:"all" description:"generate every declared service"`
	Watch       bool   `long:"watch" description:"regenerate every service when configuration or templates change"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if !opts.Watch && (opts.Service == "") == !opts.All {
		fmt.Println("Exactly one of --service or --all is required")
		os.Exit(1)
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
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	logger, sync, err := logging.NewZapLogger("unitgen: ", cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = sync() }()

	options := generator.Options{
		ConfigDirectory:   override(opts.ConfigDir, cfg.Generator.ConfigDirectory),
		TemplateDirectory: override(opts.TemplateDir, cfg.Generator.TemplateDirectory),
		OutputDirectory:   override(opts.Output, cfg.Generator.OutputDirectory),
		Environment:       override(opts.Env, cfg.Generator.Environment),
		UnitPrefix:        cfg.Platform.UnitPrefix,
	}
	logger.Debugf("Generator options: %+v", options)
	renderer := generator.NewRenderer(options, logger)

	if opts.Service != "" && !opts.Watch {
		path, err := renderer.Generate(opts.Service)
		if err != nil {
			fmt.Printf("Failed to generate %s: %v\n", opts.Service, err)
			return 1
		}
		fmt.Printf("Generated %s\n", path)
		return 0
	}

	ok := printGenerated(renderer.GenerateAll())
	if !opts.Watch {
		if !ok {
			return 1
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = renderer.Watch(ctx, func(paths []string, err error) {
		printGenerated(paths, err)
	})
	if err != nil {
		logger.Errorf("Watch failed: %v", err)
		return 1
	}
	return 0
}

func printGenerated(paths []string, err error) bool {
	for _, path := range paths {
		fmt.Printf("Generated %s\n", path)
	}
	if err != nil {
		fmt.Printf("Generation failed: %v\n", err)
		return false
	}
	return true
}

func override(flagValue, configValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return configValue
}
