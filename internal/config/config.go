package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no explicit config path is given.
const DefaultPath = "pageforge.yaml"

// Config is the top-level pageforge.yaml structure shared by the CLI and the daemon.
type Config struct {
	Version   string           `yaml:"version"`
	Server    ServerConfig     `yaml:"server,omitempty"`
	Store     StoreConfig      `yaml:"store,omitempty"`
	Workspace WorkspaceConfig  `yaml:"workspace,omitempty"`
	Build     BuildConfig      `yaml:"build,omitempty"`
	Browser   BrowserConfig    `yaml:"browser,omitempty"`
	LinkCache *LinkCacheConfig `yaml:"link_cache,omitempty"`
	PageSpeed PageSpeedConfig  `yaml:"pagespeed,omitempty"`
	Advisor   AdvisorConfig    `yaml:"advisor,omitempty"`
	Publish   *PublishConfig   `yaml:"publish,omitempty"`
	Logging   LoggingConfig    `yaml:"logging,omitempty"`
	// Settings are site-wide optimization overrides (same leaf paths as the
	// per-site settings schema) merged under every site's own overrides.
	Settings map[string]any `yaml:"settings,omitempty"`
}

// Load reads, expands, normalizes, defaults and validates a configuration file.
func Load(configPath string) (*Config, error) {
	// .env values never override the process environment.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment variables from .env")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content before parsing so
	// ${PAGEFORGE_MASTER_KEY} style references resolve.
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Version != "" && !strings.HasPrefix(config.Version, "1.") {
		return nil, fmt.Errorf("unsupported configuration version: %s (expected 1.x)", config.Version)
	}

	// Normalization pass (case-fold enumerations, bounds, early coercions)
	if nres, nerr := NormalizeConfig(&config); nerr != nil {
		return nil, fmt.Errorf("normalize: %w", nerr)
	} else if nres != nil && len(nres.Warnings) > 0 {
		for _, w := range nres.Warnings {
			fmt.Fprintf(os.Stderr, "config normalization: %s\n", w)
		}
	}
	// Apply defaults (after normalization so canonical values drive defaults)
	if err := applyDefaults(&config); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// LoadOrDefault loads the config file when present and falls back to built-in
// defaults when it is missing. One-shot CLI commands work without a file.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultPath
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Default()
	}
	return Load(configPath)
}

// Default returns a fully defaulted in-memory configuration.
func Default() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment variables from .env")
	}
	config := &Config{Version: "1.0"}
	if _, err := NormalizeConfig(config); err != nil {
		return nil, err
	}
	if err := applyDefaults(config); err != nil {
		return nil, err
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyDefaults(config *Config) error {
	applier := NewDefaultApplier()
	return applier.ApplyDefaults(config)
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	exampleConfig := Config{
		Version: "1.0",
		Server: ServerConfig{
			Listen:    ":8080",
			MasterKey: "${PAGEFORGE_MASTER_KEY}",
		},
		Store: StoreConfig{
			Path: "./pageforge.db",
		},
		Workspace: WorkspaceConfig{
			TTL:        "1h",
			GCInterval: "10m",
		},
		Build: BuildConfig{
			Workers:   2,
			QueueSize: 64,
		},
		Browser: BrowserConfig{
			ViewportWidth:  1440,
			ViewportHeight: 900,
		},
		LinkCache: &LinkCacheConfig{
			NATSURL:  "nats://localhost:4222",
			KVBucket: "pageforge-link-cache",
		},
		PageSpeed: PageSpeedConfig{
			APIKey: "${PAGESPEED_API_KEY}",
		},
		Advisor: AdvisorConfig{
			Provider:     AdvisorAuto,
			GeminiAPIKey: "${GEMINI_API_KEY}",
		},
		Publish: &PublishConfig{
			Remote:      "https://edge.example.net/sites.git",
			Branch:      "main",
			Token:       "${PUBLISH_TOKEN}",
			URLTemplate: "https://{site}.edge.example.net",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatText,
		},
		Settings: map[string]any{
			"images": map[string]any{
				"convertToAvif": true,
			},
		},
	}

	data, err := yaml.Marshal(&exampleConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
