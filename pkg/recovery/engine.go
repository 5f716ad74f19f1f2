package recovery

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
	"github.com/core-tools/hsu-platform/pkg/metrics"
)

// FailureReport is the persisted record of one handled failure.
type FailureReport struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Category    string                 `json:"category"`
	Code        string                 `json:"code,omitempty"`
	Message     string                 `json:"message"`
	Recoverable bool                   `json:"recoverable"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Chain       []string               `json:"error_chain,omitempty"`
	Stack       string                 `json:"stack,omitempty"`
	Recovered   bool                   `json:"recovered"`
	Strategy    string                 `json:"strategy,omitempty"`
}

// Engine dispatches failures to the first strategy that recovers them.
type Engine struct {
	reportDirectory string

	mutex      sync.RWMutex
	strategies []Strategy
	notifiers  []Notifier

	metrics *metrics.Metrics
	logger  logging.Logger
	now     func() time.Time
}

// NewEngine creates an engine. An empty reportDirectory disables report files.
func NewEngine(reportDirectory string, logger logging.Logger) *Engine {
	return &Engine{
		reportDirectory: reportDirectory,
		logger:          logger,
		now:             time.Now,
	}
}

func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// AddStrategy appends a strategy; strategies are tried in registration order.
func (e *Engine) AddStrategy(s Strategy) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.strategies = append(e.strategies, s)
}

func (e *Engine) AddNotifier(n Notifier) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.notifiers = append(e.notifiers, n)
}

// Handle logs and records err, then tries the eligible strategies. It
// returns true only if a strategy recovered the failure.
func (e *Engine) Handle(ctx context.Context, err error, rc Context) bool {
	if err == nil {
		return true
	}

	report := e.newReport(err)
	e.logger.Errorf("Handling failure, category: %s, code: %s, message: %s", report.Category, report.Code, report.Message)

	platformErr, ok := errors.AsPlatformError(err)
	if ok && platformErr.Recoverable {
		if name, recovered := e.tryStrategies(ctx, platformErr, rc); recovered {
			report.Recovered = true
			report.Strategy = name
			e.persist(report)
			return true
		}
	} else {
		e.logger.Warnf("Failure is not recoverable, skipping strategies, category: %s", report.Category)
	}

	e.persist(report)
	e.notify(ctx, report)
	return false
}

func (e *Engine) tryStrategies(ctx context.Context, err *errors.PlatformError, rc Context) (string, bool) {
	e.mutex.RLock()
	strategies := make([]Strategy, len(e.strategies))
	copy(strategies, e.strategies)
	e.mutex.RUnlock()

	for _, s := range strategies {
		if !s.CanRecover(err) {
			continue
		}

		e.logger.Infof("Attempting recovery, strategy: %s, category: %s", s.Name(), err.Category)
		recovered, recoverErr := e.runStrategy(ctx, s, err, rc)
		e.metrics.RecoveryAttempted(string(err.Category), recovered)

		if recovered {
			e.logger.Infof("Recovery succeeded, strategy: %s", s.Name())
			return s.Name(), true
		}
		e.logger.Warnf("Recovery failed, strategy: %s, error: %v", s.Name(), recoverErr)
	}
	return "", false
}

func (e *Engine) runStrategy(ctx context.Context, s Strategy, err *errors.PlatformError, rc Context) (recovered bool, recoverErr error) {
	defer func() {
		if rec := recover(); rec != nil {
			recovered = false
			recoverErr = errors.NewInternalError(fmt.Sprintf("strategy panicked: %v", rec), nil)
		}
	}()
	return s.Recover(ctx, err, rc)
}

func (e *Engine) notify(ctx context.Context, report *FailureReport) {
	e.mutex.RLock()
	notifiers := make([]Notifier, len(e.notifiers))
	copy(notifiers, e.notifiers)
	e.mutex.RUnlock()

	for _, n := range notifiers {
		if err := n.Notify(ctx, report); err != nil {
			e.logger.Errorf("Notification failed, notifier: %s, error: %v", n.Name(), err)
		}
	}
}

func (e *Engine) newReport(err error) *FailureReport {
	report := &FailureReport{
		ID:        uuid.NewString(),
		Timestamp: e.now().UTC(),
		Category:  "unclassified",
		Message:   err.Error(),
		Stack:     string(debug.Stack()),
	}

	for cause := err; cause != nil; cause = stderrors.Unwrap(cause) {
		report.Chain = append(report.Chain, cause.Error())
	}

	if platformErr, ok := errors.AsPlatformError(err); ok {
		report.Category = string(platformErr.Category)
		report.Code = platformErr.Code
		report.Message = platformErr.Message
		report.Recoverable = platformErr.Recoverable
		report.Context = platformErr.Context
	}
	return report
}

// persist writes the report as error_report_<date>_<time>_<id>.json.
func (e *Engine) persist(report *FailureReport) {
	if e.reportDirectory == "" {
		return
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		e.logger.Errorf("Failed to encode failure report, error: %v", err)
		return
	}
	if err := os.MkdirAll(e.reportDirectory, 0755); err != nil {
		e.logger.Errorf("Failed to create report directory, path: %s, error: %v", e.reportDirectory, err)
		return
	}

	name := fmt.Sprintf("error_report_%s_%s.json", report.Timestamp.Format("20060102_150405"), report.ID[:8])
	path := filepath.Join(e.reportDirectory, name)
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		e.logger.Errorf("Failed to write failure report, path: %s, error: %v", path, err)
		return
	}
	e.logger.Debugf("Failure report written, path: %s", path)
}

// Guard runs fn and routes a panic through Handle as a service failure of
// component. It returns false if fn panicked and nothing recovered it.
func (e *Engine) Guard(ctx context.Context, component string, fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			failure := errors.NewServiceFailure(component, fmt.Sprintf("panic: %v", rec)).NonRecoverable()
			ok = e.Handle(ctx, failure, nil)
		}
	}()
	fn()
	return true
}
