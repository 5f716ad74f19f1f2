// Package recovery routes categorized runtime failures to remediation
// strategies and escalates to notifications when none succeeds.
package recovery

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-platform/pkg/errors"
)

// StrategyKind identifies a family of recovery strategies.
type StrategyKind string

const (
	KindServiceRestart      StrategyKind = "service_restart"
	KindDependencyInstall   StrategyKind = "dependency_install"
	KindConfigurationRepair StrategyKind = "configuration_repair"
)

// capabilities lists, per failure category, the strategy kinds allowed to handle it.
var capabilities = map[errors.FailureCategory][]StrategyKind{
	errors.CategoryService:       {KindServiceRestart},
	errors.CategoryDependency:    {KindDependencyInstall},
	errors.CategoryConfiguration: {KindConfigurationRepair},
	errors.CategoryEnvironment:   {},
}

// Handles reports whether kind is eligible for category.
func Handles(category errors.FailureCategory, kind StrategyKind) bool {
	for _, k := range capabilities[category] {
		if k == kind {
			return true
		}
	}
	return false
}

// Context carries caller-supplied data for a recovery attempt.
type Context map[string]interface{}

// DefaultConfigKey holds replacement configuration content for ConfigurationRepair.
const DefaultConfigKey = "default_config"

// Strategy is a bounded-attempt remediation procedure.
type Strategy interface {
	Name() string
	Kind() StrategyKind
	CanRecover(err *errors.PlatformError) bool
	Recover(ctx context.Context, err *errors.PlatformError, rc Context) (bool, error)
}

// attempts is the per-instance attempt counter shared by the strategies.
type attempts struct {
	kind StrategyKind
	max  int

	mutex sync.Mutex
	used  int
}

func newAttempts(kind StrategyKind, max int) *attempts {
	if max <= 0 {
		max = 3
	}
	return &attempts{kind: kind, max: max}
}

func (a *attempts) Kind() StrategyKind {
	return a.kind
}

// Attempts returns how many recoveries were started.
func (a *attempts) Attempts() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.used
}

func (a *attempts) CanRecover(err *errors.PlatformError) bool {
	if err == nil {
		return false
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.used < a.max && Handles(err.Category, a.kind)
}

func (a *attempts) begin() {
	a.mutex.Lock()
	a.used++
	a.mutex.Unlock()
}
