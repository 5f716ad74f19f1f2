package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// Notifier receives failures no strategy could recover.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, report *FailureReport) error
}

// LogNotifier writes unrecovered failures to the error log.
type LogNotifier struct {
	logger logging.Logger
}

func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(ctx context.Context, report *FailureReport) error {
	n.logger.Errorf("Unrecovered failure, id: %s, category: %s, code: %s, message: %s, context: %v",
		report.ID, report.Category, report.Code, report.Message, report.Context)
	return nil
}

// WebhookNotifier POSTs failure reports as JSON. Transient failures are
// retried with backoff; a circuit breaker stops calls to a dead endpoint.
type WebhookNotifier struct {
	url             string
	client          *http.Client
	maxRetries      uint64
	InitialInterval time.Duration
	breaker         *gobreaker.CircuitBreaker[int]
	logger          logging.Logger
}

func NewWebhookNotifier(cfg config.WebhookConfig, logger logging.Logger) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	breaker := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "recovery-webhook",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Webhook circuit breaker state changed, name: %s, from: %s, to: %s", name, from, to)
		},
	})

	return &WebhookNotifier{
		url:             cfg.URL,
		client:          &http.Client{Timeout: timeout},
		maxRetries:      maxRetries,
		InitialInterval: 200 * time.Millisecond,
		breaker:         breaker,
		logger:          logger,
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Notify(ctx context.Context, report *FailureReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return errors.NewInternalError("failed to encode failure report", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.InitialInterval
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, n.maxRetries), ctx)

	operation := func() error {
		_, err := n.breaker.Execute(func() (int, error) {
			return n.post(ctx, body)
		})
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return errors.NewNetworkError("webhook notification failed", err).WithContext("url", n.url)
	}
	n.logger.Debugf("Webhook notified, id: %s", report.ID)
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("webhook responded with %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, backoff.Permanent(fmt.Errorf("webhook rejected report with %d", resp.StatusCode))
	}
	return resp.StatusCode, nil
}
