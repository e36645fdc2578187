// Retry policy and backoff for the worker/callback paths.
package domain

import (
	"math"
	"math/rand"
	"time"
)

// RetryConfig tunes an exponential backoff schedule, used for in-process
// waits such as the boot-time dependency connection loop. It does not drive
// the job-level retry-vs-exhaustion *decision*; that is ErrorCode.Retryable
// combined with RetryCount vs. ProviderConfig.MaxRetries, and the delay
// between job attempts comes from queue redelivery, not a sleep.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryConfig mirrors the provider defaults used when a ProviderConfig
// row omits explicit retry tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// NextDelay returns the backoff before retry attempt number `attempt`
// (0-indexed: the delay before the first retry is NextDelay(0)).
func (c RetryConfig) NextDelay(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if d := float64(c.MaxDelay); d > 0 && delay > d {
		delay = d
	}
	if c.Jitter {
		delay += delay * 0.1 * rand.Float64()
	}
	return time.Duration(delay)
}

// ShouldRetry applies the retry policy: a failure is retryable iff the
// normalized error says so, and only while under the provider's retry cap.
func ShouldRetry(retryable bool, retryCount, maxRetries int) bool {
	return retryable && retryCount < maxRetries
}
