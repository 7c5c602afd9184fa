package config

import (
	"os"
	"path/filepath"
)

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// ServerDefaultApplier handles HTTP daemon defaults.
type ServerDefaultApplier struct{}

func (s *ServerDefaultApplier) Domain() string { return "server" }

func (s *ServerDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.HealthPath == "" {
		cfg.Server.HealthPath = "/healthz"
	}
	return nil
}

// StoreDefaultApplier handles persistence defaults.
type StoreDefaultApplier struct{}

func (s *StoreDefaultApplier) Domain() string { return "store" }

func (s *StoreDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./pageforge.db"
	}
	return nil
}

// WorkspaceDefaultApplier handles run directory defaults.
type WorkspaceDefaultApplier struct{}

func (w *WorkspaceDefaultApplier) Domain() string { return "workspace" }

func (w *WorkspaceDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = filepath.Join(os.TempDir(), "pageforge")
	}
	if cfg.Workspace.TTL == "" {
		cfg.Workspace.TTL = "1h"
	}
	if cfg.Workspace.GCInterval == "" {
		cfg.Workspace.GCInterval = "10m"
	}
	return nil
}

// BuildDefaultApplier handles build queue defaults.
type BuildDefaultApplier struct{}

func (b *BuildDefaultApplier) Domain() string { return "build" }

func (b *BuildDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Build.Workers <= 0 {
		cfg.Build.Workers = 2
	}
	if cfg.Build.QueueSize <= 0 {
		cfg.Build.QueueSize = 64
	}
	return nil
}

// BrowserDefaultApplier handles headless browser defaults.
type BrowserDefaultApplier struct{}

func (b *BrowserDefaultApplier) Domain() string { return "browser" }

func (b *BrowserDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Browser.ViewportWidth <= 0 {
		cfg.Browser.ViewportWidth = 1440
	}
	if cfg.Browser.ViewportHeight <= 0 {
		cfg.Browser.ViewportHeight = 900
	}
	return nil
}

// LinkCacheDefaultApplier handles NATS link cache defaults. The section is
// optional; a nil section means link checks run uncached.
type LinkCacheDefaultApplier struct{}

func (l *LinkCacheDefaultApplier) Domain() string { return "link_cache" }

func (l *LinkCacheDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.LinkCache == nil {
		return nil
	}
	lc := cfg.LinkCache
	if lc.KVBucket == "" {
		lc.KVBucket = "pageforge-link-cache"
	}
	if lc.CacheTTL == "" {
		lc.CacheTTL = "24h"
	}
	if lc.FailureTTL == "" {
		lc.FailureTTL = "1h"
	}
	return nil
}

// AdvisorDefaultApplier handles planning advisor defaults.
type AdvisorDefaultApplier struct{}

func (a *AdvisorDefaultApplier) Domain() string { return "advisor" }

func (a *AdvisorDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Advisor.Provider == "" {
		cfg.Advisor.Provider = AdvisorAuto
	} else {
		p := NormalizeAdvisorProvider(string(cfg.Advisor.Provider))
		if p == "" {
			cfg.Advisor.Provider = AdvisorAuto
		} else {
			cfg.Advisor.Provider = p
		}
	}
	if cfg.Advisor.GeminiModel == "" {
		cfg.Advisor.GeminiModel = "gemini-2.0-flash"
	}
	if cfg.Advisor.MaxAttempts <= 0 {
		cfg.Advisor.MaxAttempts = 2
	}
	return nil
}

// PublishDefaultApplier handles git publisher defaults. Nil section means
// builds stay local and verification runs against the filesystem output.
type PublishDefaultApplier struct{}

func (p *PublishDefaultApplier) Domain() string { return "publish" }

func (p *PublishDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Publish == nil {
		return nil
	}
	pub := cfg.Publish
	if pub.Branch == "" {
		pub.Branch = "main"
	}
	if pub.AuthorName == "" {
		pub.AuthorName = "pageforge"
	}
	if pub.AuthorEmail == "" {
		pub.AuthorEmail = "pageforge@localhost"
	}
	return nil
}

// LoggingDefaultApplier handles slog defaults.
type LoggingDefaultApplier struct{}

func (l *LoggingDefaultApplier) Domain() string { return "logging" }

func (l *LoggingDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogLevelInfo
	} else {
		lvl := NormalizeLogLevel(string(cfg.Logging.Level))
		if lvl != "" {
			cfg.Logging.Level = lvl
		}
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = LogFormatText
	} else {
		fmtVal := NormalizeLogFormat(string(cfg.Logging.Format))
		if fmtVal != "" {
			cfg.Logging.Format = fmtVal
		}
	}
	return nil
}
