// Package config defines retry and DLQ configuration.
package config

import (
	"github.com/fairyhunter13/llmbroker/internal/domain"
)

// GetRetryConfig builds the domain-level backoff policy from the
// env-configured values. It tunes in-process waits like the boot-time
// dependency connection loop; job-level retry pacing comes from queue
// redelivery and is not configured here.
func (c Config) GetRetryConfig() domain.RetryConfig {
	base := domain.DefaultRetryConfig()
	return domain.RetryConfig{
		MaxRetries:   base.MaxRetries,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryJitter,
	}
}
