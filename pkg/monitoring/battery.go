package monitoring

import (
	"strings"

	"github.com/core-tools/hsu-platform/pkg/command"
	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// ServiceTarget is a managed service covered by a service-active probe.
type ServiceTarget struct {
	Name   string
	Active LivenessFunc
}

// NewPlatformChecker registers the standard battery: service-active probes,
// HTTP endpoints, the datastore ping, worker inspection, disk usage, then
// any TCP and gRPC probes.
func NewPlatformChecker(opts config.HealthOptions, runner command.Runner, services []ServiceTarget, logger logging.Logger) *HealthChecker {
	checker := NewHealthChecker(opts.Timeout, logger)

	if opts.ServiceChecks == nil || *opts.ServiceChecks {
		for _, svc := range services {
			checker.Register("service-"+svc.Name, svc.Name, ServiceActiveProbe(svc.Name, svc.Active))
		}
	}

	client := NewProbeHTTPClient()
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	for _, ep := range opts.Endpoints {
		checker.Register(ep.Name, "app-server", HTTPProbe(client, baseURL+ep.Path, ep.ExpectedStatus))
	}

	if p := opts.Datastore; p != nil {
		checker.Register(p.Name, "redis", CommandProbe(command.WithTimeout(runner, p.Timeout), p.Command, p.Args, p.Expect))
	}
	if p := opts.WorkerInspect; p != nil {
		checker.Register(p.Name, "worker", WorkerInspectProbe(command.WithTimeout(runner, p.Timeout), p.Command, p.Args, p.Expect))
	}

	if opts.DiskPath != "" {
		checker.Register("disk-usage", "", DiskProbe(runner, opts.DiskPath, DiskThresholds{
			Degraded:  opts.DiskDegradedPercent,
			Unhealthy: opts.DiskUnhealthyPercent,
		}))
	}

	for _, p := range opts.TCP {
		checker.Register(p.Name, "", TCPProbe(p.Address))
	}
	for _, p := range opts.GRPC {
		checker.Register(p.Name, p.Service, GRPCProbe(p.Address, p.Service))
	}

	logger.Debugf("Health battery configured, probes: %v", checker.ProbeNames())
	return checker
}
