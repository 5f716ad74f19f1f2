package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/core-tools/hsu-platform/pkg/command"
	"github.com/core-tools/hsu-platform/pkg/config"
	"github.com/core-tools/hsu-platform/pkg/errors"
	"github.com/core-tools/hsu-platform/pkg/logging"
)

// TargetChecker verifies application-level liveness of a started service.
type TargetChecker interface {
	Check(ctx context.Context, service string, target *config.TargetConfig) error
}

// RetryingTargetChecker probes a URL or a command, retrying with exponential
// backoff up to target.Retries times.
type RetryingTargetChecker struct {
	client          *http.Client
	runner          command.Runner
	logger          logging.Logger
	InitialInterval time.Duration
}

func NewTargetChecker(runner command.Runner, logger logging.Logger) *RetryingTargetChecker {
	return &RetryingTargetChecker{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		runner:          runner,
		logger:          logger,
		InitialInterval: 500 * time.Millisecond,
	}
}

func (c *RetryingTargetChecker) Check(ctx context.Context, service string, target *config.TargetConfig) error {
	if target == nil {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	retries := target.Retries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := c.checkOnce(ctx, target)
		if err != nil {
			c.logger.Debugf("Health-check target failed, service: %s, attempt: %d, error: %v", service, attempt, err)
		}
		return err
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return errors.NewHealthCheckError("health-check target failed", err).
			WithContext("service", service).WithContext("attempts", attempt)
	}
	return nil
}

func (c *RetryingTargetChecker) checkOnce(ctx context.Context, target *config.TargetConfig) error {
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if target.URL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		expected := target.ExpectedStatus
		if expected == 0 {
			expected = http.StatusOK
		}
		if resp.StatusCode != expected {
			return fmt.Errorf("unexpected status %d, expected %d", resp.StatusCode, expected)
		}
		return nil
	}

	if _, err := c.runner.Run(ctx, target.Command, target.Args...); err != nil {
		return err
	}
	return nil
}
