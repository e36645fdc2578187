package config

import "testing"

func TestGetRetryConfig(t *testing.T) {
	cfg := Config{RetryInitialDelay: 3, RetryMaxDelay: 9, RetryMultiplier: 1.5, RetryJitter: false}
	rc := cfg.GetRetryConfig()

	if rc.InitialDelay != 3 {
		t.Errorf("expected InitialDelay passthrough, got %v", rc.InitialDelay)
	}
	if rc.MaxDelay != 9 {
		t.Errorf("expected MaxDelay passthrough, got %v", rc.MaxDelay)
	}
	if rc.Multiplier != 1.5 {
		t.Errorf("expected Multiplier passthrough, got %v", rc.Multiplier)
	}
	if rc.Jitter {
		t.Errorf("expected Jitter passthrough false")
	}
	if rc.MaxRetries != 3 {
		t.Errorf("expected MaxRetries to come from domain.DefaultRetryConfig, got %d", rc.MaxRetries)
	}
}
