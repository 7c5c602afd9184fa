package config

import "strings"

// ServerConfig holds the HTTP daemon settings.
type ServerConfig struct {
	Listen      string `yaml:"listen,omitempty"`       // bind address, default ":8080"
	MasterKey   string `yaml:"master_key,omitempty"`   // shared secret for X-PageForge-Key, usually ${PAGEFORGE_MASTER_KEY}
	MetricsPath string `yaml:"metrics_path,omitempty"` // default "/metrics"
	HealthPath  string `yaml:"health_path,omitempty"`  // default "/healthz"
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"` // SQLite database file, default "./pageforge.db"
}

// WorkspaceConfig governs per-run working directories and their garbage collection.
type WorkspaceConfig struct {
	Root       string `yaml:"root,omitempty"`        // default os.TempDir()/pageforge
	TTL        string `yaml:"ttl,omitempty"`         // retention for completed run dirs, default "1h"
	GCInterval string `yaml:"gc_interval,omitempty"` // sweep cadence, default "10m"
}

// BuildConfig holds build queue tuning knobs.
type BuildConfig struct {
	Workers   int `yaml:"workers,omitempty"`    // concurrent builds across sites, default 2
	QueueSize int `yaml:"queue_size,omitempty"` // max queued jobs, default 64
}

// BrowserConfig controls the headless Chrome sessions used for crawling and
// verification. Headful is the debug escape hatch; production runs headless.
type BrowserConfig struct {
	Headful        bool   `yaml:"headful,omitempty"`
	BinPath        string `yaml:"bin_path,omitempty"` // explicit Chrome/Chromium binary, auto-detected when empty
	ViewportWidth  int    `yaml:"viewport_width,omitempty"`
	ViewportHeight int    `yaml:"viewport_height,omitempty"`
	UserAgent      string `yaml:"user_agent,omitempty"`
}

// LinkCacheConfig enables the NATS-backed cache for external link checks.
// When absent, link verification runs uncached.
type LinkCacheConfig struct {
	NATSURL    string `yaml:"nats_url"`
	KVBucket   string `yaml:"kv_bucket,omitempty"`   // default "pageforge-link-cache"
	CacheTTL   string `yaml:"cache_ttl,omitempty"`   // default "24h"
	FailureTTL string `yaml:"failure_ttl,omitempty"` // default "1h"
}

// PageSpeedConfig holds the Google PageSpeed Insights API credentials.
type PageSpeedConfig struct {
	APIKey string `yaml:"api_key,omitempty"` // usually ${PAGESPEED_API_KEY}
}

// AdvisorConfig selects and configures the planning advisor.
type AdvisorConfig struct {
	Provider     AdvisorProvider `yaml:"provider,omitempty"`       // heuristic|gemini|auto, default auto
	GeminiAPIKey string          `yaml:"gemini_api_key,omitempty"` // usually ${GEMINI_API_KEY}
	GeminiModel  string          `yaml:"gemini_model,omitempty"`   // default "gemini-2.0-flash"
	MaxAttempts  int             `yaml:"max_attempts,omitempty"`   // model call attempts before heuristic fallback, default 2
}

// PublishConfig configures the git-based edge publisher.
type PublishConfig struct {
	Remote      string `yaml:"remote"`                 // push target, e.g. https://edge.example.net/sites.git
	Branch      string `yaml:"branch,omitempty"`       // default "main"
	Token       string `yaml:"token,omitempty"`        // usually ${PUBLISH_TOKEN}
	AuthorName  string `yaml:"author_name,omitempty"`  // default "pageforge"
	AuthorEmail string `yaml:"author_email,omitempty"` // default "pageforge@localhost"
	URLTemplate string `yaml:"url_template,omitempty"` // edge URL with {site} placeholder
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level,omitempty"`
	Format LogFormat `yaml:"format,omitempty"`
}

// AdvisorProvider enumerates planning backends. Auto prefers Gemini when an
// API key is configured and falls back to the heuristic planner otherwise.
type AdvisorProvider string

const (
	AdvisorHeuristic AdvisorProvider = "heuristic"
	AdvisorGemini    AdvisorProvider = "gemini"
	AdvisorAuto      AdvisorProvider = "auto"
)

// NormalizeAdvisorProvider canonicalizes user input returning empty string if unknown.
func NormalizeAdvisorProvider(raw string) AdvisorProvider {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AdvisorHeuristic):
		return AdvisorHeuristic
	case string(AdvisorGemini):
		return AdvisorGemini
	case string(AdvisorAuto):
		return AdvisorAuto
	default:
		return ""
	}
}

// LogLevel enumerates supported logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// NormalizeLogLevel canonicalizes user input returning empty string if unknown.
func NormalizeLogLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogLevelDebug):
		return LogLevelDebug
	case string(LogLevelInfo):
		return LogLevelInfo
	case string(LogLevelWarn):
		return LogLevelWarn
	case string(LogLevelError):
		return LogLevelError
	default:
		return ""
	}
}

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// NormalizeLogFormat canonicalizes user input returning empty string if unknown.
func NormalizeLogFormat(raw string) LogFormat {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatJSON):
		return LogFormatJSON
	case string(LogFormatText):
		return LogFormatText
	default:
		return ""
	}
}
