package config

import "testing"

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.APIKeys = []string{"test-key"}
	cfg.Policy.URL = "http://policy.internal"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}

	invalidPort := cfg
	invalidPort.Server.Listen.Port = -1
	if err := invalidPort.Validate(); err == nil {
		t.Fatalf("expected failure when port is invalid")
	}

	noKeys := cfg
	noKeys.Auth.APIKeys = nil
	if err := noKeys.Validate(); err == nil {
		t.Fatalf("expected failure when no api keys are configured")
	}

	noPolicySource := cfg
	noPolicySource.Policy.URL = ""
	noPolicySource.Policy.BundlePath = ""
	if err := noPolicySource.Validate(); err == nil {
		t.Fatalf("expected failure when neither policy url nor bundlePath is set")
	}

	badMode := cfg
	badMode.Policy.Mode = "sometimes"
	if err := badMode.Validate(); err == nil {
		t.Fatalf("expected failure for unsupported policy mode")
	}

	redisWithoutURL := cfg
	redisWithoutURL.Budget.Backend = "redis"
	redisWithoutURL.Budget.RedisURL = ""
	if err := redisWithoutURL.Validate(); err == nil {
		t.Fatalf("expected failure when redis backend lacks a url")
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Listen.Address != "0.0.0.0" {
		t.Errorf("expected listen address 0.0.0.0, got %q", cfg.Server.Listen.Address)
	}
	if cfg.Server.Listen.Port != 8080 {
		t.Errorf("expected listen port 8080, got %d", cfg.Server.Listen.Port)
	}
	if cfg.Server.Logging.Level != "info" {
		t.Errorf("expected logging level info, got %q", cfg.Server.Logging.Level)
	}
	if cfg.Policy.Mode != "enforce" {
		t.Errorf("expected policy mode enforce, got %q", cfg.Policy.Mode)
	}
	if cfg.Budget.WindowSeconds != 60 {
		t.Errorf("expected budget window 60s, got %d", cfg.Budget.WindowSeconds)
	}
	if cfg.RAG.DefaultTopK != 5 {
		t.Errorf("expected rag defaultTopK 5, got %d", cfg.RAG.DefaultTopK)
	}
}
