package config

import (
	"strings"
	"testing"
)

func validCfg(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{Version: "1.0"}
	if _, err := NormalizeConfig(cfg); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := applyDefaults(cfg); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	return cfg
}

func TestValidateListenAddress(t *testing.T) {
	cfg := validCfg(t)
	cfg.Server.Listen = "no-port"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected listen validation error")
	}
	cfg.Server.Listen = ":8080"
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("bare port should be accepted: %v", err)
	}
	cfg.Server.Listen = "127.0.0.1:9000"
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("host:port should be accepted: %v", err)
	}
}

func TestValidateDurations(t *testing.T) {
	cfg := validCfg(t)
	cfg.Workspace.TTL = "one hour"
	err := ValidateConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "workspace.ttl") {
		t.Fatalf("expected workspace.ttl error, got %v", err)
	}

	cfg = validCfg(t)
	cfg.LinkCache = &LinkCacheConfig{NATSURL: "nats://localhost:4222", CacheTTL: "soon"}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected link_cache.cache_ttl error")
	}
}

func TestValidateAdvisorRequiresKey(t *testing.T) {
	cfg := validCfg(t)
	cfg.Advisor.Provider = AdvisorGemini
	cfg.Advisor.GeminiAPIKey = ""
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected gemini key requirement error")
	}
	cfg.Advisor.GeminiAPIKey = "key"
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("gemini with key should validate: %v", err)
	}
}

func TestValidatePublish(t *testing.T) {
	cfg := validCfg(t)
	cfg.Publish = &PublishConfig{Remote: "", Branch: "main"}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected publish.remote requirement error")
	}

	cfg = validCfg(t)
	cfg.Publish = &PublishConfig{Remote: "https://edge.example.net/sites.git", URLTemplate: "https://edge.example.net"}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected url_template placeholder error")
	}

	cfg.Publish.URLTemplate = "https://{site}.edge.example.net"
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("valid publish section rejected: %v", err)
	}
}

func TestValidateSettingsOverrides(t *testing.T) {
	cfg := validCfg(t)
	cfg.Settings = map[string]any{
		"css": map[string]any{"purgeAggressiveness": "reckless"},
	}
	err := ValidateConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "purgeAggressiveness") {
		t.Fatalf("expected enum violation, got %v", err)
	}

	cfg.Settings = map[string]any{
		"someFutureSection": map[string]any{"knob": 1},
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("unknown keys should stay warnings: %v", err)
	}
}

func TestValidateDaemon(t *testing.T) {
	cfg := validCfg(t)
	if err := ValidateDaemon(cfg); err == nil {
		t.Fatalf("expected master key requirement")
	}
	cfg.Server.MasterKey = "secret"
	if err := ValidateDaemon(cfg); err != nil {
		t.Fatalf("daemon config should validate: %v", err)
	}
}
