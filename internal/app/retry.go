package app

import (
	"context"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// retryBackOff adapts domain.RetryConfig to the backoff package. It stops
// after MaxRetries delays.
type retryBackOff struct {
	cfg     domain.RetryConfig
	attempt int
}

func (b *retryBackOff) NextBackOff() time.Duration {
	if b.attempt >= b.cfg.MaxRetries {
		return backoff.Stop
	}
	d := b.cfg.NextDelay(b.attempt)
	b.attempt++
	return d
}

func (b *retryBackOff) Reset() { b.attempt = 0 }

// RetryWithBackoff runs op until it succeeds, the context is cancelled, or
// the policy's MaxRetries delays are spent. It exists for startup-time
// dependency connections (the Postgres pool in ConnectPool), where a dependency that is
// still coming up should not kill the process; job-level retries never go
// through here; those belong to the worker's retry policy and queue
// redelivery.
func RetryWithBackoff(ctx context.Context, rc domain.RetryConfig, label string, op func() error) error {
	bo := backoff.WithContext(&retryBackOff{cfg: normalizeRetry(rc)}, ctx)
	return backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
		slog.Warn("startup dependency not ready, retrying",
			slog.String("dependency", label),
			slog.Duration("next_attempt_in", next),
			slog.Any("error", err))
	})
}

// normalizeRetry fills zero-valued tuning (an unparsed or partial Config)
// from the domain defaults so the loop always has a sane policy.
func normalizeRetry(rc domain.RetryConfig) domain.RetryConfig {
	def := domain.DefaultRetryConfig()
	if rc.InitialDelay <= 0 {
		rc.InitialDelay = def.InitialDelay
	}
	if rc.MaxDelay <= 0 {
		rc.MaxDelay = def.MaxDelay
	}
	if rc.Multiplier <= 0 {
		rc.Multiplier = def.Multiplier
	}
	if rc.MaxRetries <= 0 {
		rc.MaxRetries = def.MaxRetries
	}
	return rc
}
