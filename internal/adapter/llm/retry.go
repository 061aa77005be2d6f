package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/pantrypirate/pipeline/internal/config"
	"github.com/pantrypirate/pipeline/internal/domain"
)

// RetryClient wraps a base client with in-place retries for transient
// failures. Quota and schema errors pass through untouched: the quota gate
// owns long backoff, and the aligner owns schema-violation retries because it
// needs to add corrective context.
type RetryClient struct {
	base       domain.LLMClient
	maxRetries int
	initial    time.Duration
	max        time.Duration

	authRetryEvery time.Duration
	authRetryCount int
}

// NewRetryClient constructs the wrapper from config.
func NewRetryClient(base domain.LLMClient, cfg config.Config) *RetryClient {
	initial := 2 * time.Second
	maxInt := 30 * time.Second
	if cfg.IsTest() {
		initial = 10 * time.Millisecond
		maxInt = 100 * time.Millisecond
	}
	return &RetryClient{
		base:           base,
		maxRetries:     cfg.LLMMaxRetries,
		initial:        initial,
		max:            maxInt,
		authRetryEvery: cfg.LLMAuthRetryEvery,
		authRetryCount: cfg.LLMAuthRetryCount,
	}
}

// Provider implements domain.LLMClient.
func (c *RetryClient) Provider() string { return c.base.Provider() }

// Align retries transient failures with exponential backoff. Auth failures
// get a bounded slow retry loop before escalating (credentials are sometimes
// rotated out from under a running worker).
func (c *RetryClient) Align(ctx context.Context, req domain.AlignRequest) (domain.AlignResponse, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initial
	expo.MaxInterval = c.max

	var res domain.AlignResponse
	attempt := 0
	authAttempts := 0
	operation := func() error {
		attempt++
		var err error
		res, err = c.base.Align(ctx, req)
		if err == nil {
			return nil
		}
		switch {
		case errors.Is(err, domain.ErrTransient):
			if attempt > c.maxRetries {
				return backoff.Permanent(err)
			}
			slog.Warn("llm transient failure, retrying",
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			return err
		case errors.Is(err, domain.ErrAuthFailed):
			authAttempts++
			if authAttempts >= c.authRetryCount {
				return backoff.Permanent(fmt.Errorf("auth retry window exhausted: %w", err))
			}
			slog.Warn("llm auth failure, retrying after interval",
				slog.Int("attempt", authAttempts),
				slog.Duration("interval", c.authRetryEvery))
			select {
			case <-time.After(c.authRetryEvery):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(operation, backoff.WithContext(expo, ctx)); err != nil {
		return domain.AlignResponse{}, err
	}
	return res, nil
}
