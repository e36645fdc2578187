package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DispatchVisibilityTimeout.Seconds() != 300 {
		t.Errorf("expected default visibility timeout 300s, got %v", cfg.DispatchVisibilityTimeout)
	}
	if cfg.DispatchBatchSize != 10 {
		t.Errorf("expected default batch size 10, got %d", cfg.DispatchBatchSize)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9999")
	t.Setenv("QUEUE_SECRET", "s3cr3t")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.IsProd() {
		t.Errorf("expected IsProd() true for APP_ENV=prod")
	}
	if cfg.Port != 9999 {
		t.Errorf("expected overridden port 9999, got %d", cfg.Port)
	}
	if cfg.QueueSecret != "s3cr3t" {
		t.Errorf("expected QUEUE_SECRET to be loaded")
	}
}

func TestAllowedOriginsList(t *testing.T) {
	cfg := Config{AllowedOrigins: "https://a.example, https://b.example,"}
	got := cfg.AllowedOriginsList()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("unexpected origins list: %v", got)
	}

	cfg = Config{AllowedOrigins: ""}
	if got := cfg.AllowedOriginsList(); got != nil {
		t.Fatalf("expected nil for empty origins, got %v", got)
	}
}

func TestIsDevIsTest(t *testing.T) {
	if (Config{AppEnv: "dev"}).IsDev() != true {
		t.Errorf("expected IsDev true")
	}
	if (Config{AppEnv: "test"}).IsTest() != true {
		t.Errorf("expected IsTest true")
	}
}
