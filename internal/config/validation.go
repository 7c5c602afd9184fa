package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// ValidateConfig validates the complete configuration structure.
func ValidateConfig(cfg *Config) error {
	validator := newConfigurationValidator(cfg)
	return validator.validate()
}

// ValidateDaemon applies the stricter checks serve mode needs on top of
// ValidateConfig. One-shot CLI commands skip these.
func ValidateDaemon(cfg *Config) error {
	if cfg.Server.MasterKey == "" {
		return errors.New("server.master_key is required in daemon mode (set PAGEFORGE_MASTER_KEY)")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path is required in daemon mode")
	}
	return nil
}

// configurationValidator coordinates validation across all configuration domains.
type configurationValidator struct {
	config *Config
}

func newConfigurationValidator(config *Config) *configurationValidator {
	return &configurationValidator{config: config}
}

// validate performs configuration validation using domain-specific methods.
func (cv *configurationValidator) validate() error {
	if err := cv.validateServer(); err != nil {
		return err
	}
	if err := cv.validateDurations(); err != nil {
		return err
	}
	if err := cv.validateAdvisor(); err != nil {
		return err
	}
	if err := cv.validatePublish(); err != nil {
		return err
	}
	return cv.validateSettings()
}

// validateServer checks the bind address is parseable.
func (cv *configurationValidator) validateServer() error {
	listen := cv.config.Server.Listen
	if listen == "" {
		return errors.New("server.listen cannot be empty")
	}
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("invalid server.listen %q: %w", listen, err)
	}
	if port == "" {
		return fmt.Errorf("invalid server.listen %q: missing port", listen)
	}
	return nil
}

// validateDurations checks every duration-typed string field parses.
func (cv *configurationValidator) validateDurations() error {
	durations := []struct {
		field string
		value string
	}{
		{"workspace.ttl", cv.config.Workspace.TTL},
		{"workspace.gc_interval", cv.config.Workspace.GCInterval},
	}
	if lc := cv.config.LinkCache; lc != nil {
		durations = append(durations,
			struct{ field, value string }{"link_cache.cache_ttl", lc.CacheTTL},
			struct{ field, value string }{"link_cache.failure_ttl", lc.FailureTTL},
		)
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %s: %w", d.field, d.value, err)
		}
	}
	return nil
}

// validateAdvisor ensures the selected provider is usable with the supplied credentials.
func (cv *configurationValidator) validateAdvisor() error {
	a := cv.config.Advisor
	switch a.Provider {
	case AdvisorHeuristic, AdvisorGemini, AdvisorAuto:
	default:
		return fmt.Errorf("invalid advisor.provider: %s (allowed: heuristic|gemini|auto)", a.Provider)
	}
	if a.Provider == AdvisorGemini && a.GeminiAPIKey == "" {
		return errors.New("advisor.provider gemini requires advisor.gemini_api_key (set GEMINI_API_KEY)")
	}
	return nil
}

// validatePublish checks the git publisher section when configured.
func (cv *configurationValidator) validatePublish() error {
	p := cv.config.Publish
	if p == nil {
		return nil
	}
	if p.Remote == "" {
		return errors.New("publish.remote is required when the publish section is present")
	}
	if p.URLTemplate != "" && !strings.Contains(p.URLTemplate, "{site}") {
		return fmt.Errorf("publish.url_template must contain the {site} placeholder: %s", p.URLTemplate)
	}
	return nil
}

// validateSettings checks site-wide overrides against the settings schema.
// Unknown keys are tolerated here the same way they are per-site; only leaf
// type and range violations are hard errors.
func (cv *configurationValidator) validateSettings() error {
	if len(cv.config.Settings) == 0 {
		return nil
	}
	_, errs := settings.Validate(cv.config.Settings)
	if len(errs) > 0 {
		return fmt.Errorf("invalid settings override %s: %s", errs[0].Path, errs[0].Reason)
	}
	return nil
}
