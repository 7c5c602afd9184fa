// Package browser wraps go-rod Chrome sessions for page capture and
// verification. One Manager owns a single headless Chrome; every capture gets
// its own incognito page so cookies and storage never leak between runs.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Config holds browser configuration.
type Config struct {
	Headful            bool
	BinPath            string
	NoSandbox          bool
	ViewportWidth      int
	ViewportHeight     int
	UserAgent          string
	NavigationTimeout  time.Duration
	NetworkIdleTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ViewportWidth:      1440,
		ViewportHeight:     900,
		NavigationTimeout:  30 * time.Second,
		NetworkIdleTimeout: 10 * time.Second,
	}
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth <= 0 {
		return 1440
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight <= 0 {
		return 900
	}
	return c.ViewportHeight
}

// GetNavigationTimeout returns the navigation timeout.
func (c Config) GetNavigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

// GetNetworkIdleTimeout returns the cap on waiting for network idle.
func (c Config) GetNetworkIdleTimeout() time.Duration {
	if c.NetworkIdleTimeout <= 0 {
		return 10 * time.Second
	}
	return c.NetworkIdleTimeout
}

// Manager owns the Chrome instance shared by all pages.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	browser    *rod.Browser
	launch     *launcher.Launcher
	controlURL string
}

// NewManager creates a manager; Chrome is launched lazily on first use.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Start launches Chrome and connects, or verifies an existing connection.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.logger.Warn("stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
	}

	launch := launcher.New().Headless(!m.cfg.Headful)
	if m.cfg.BinPath != "" {
		launch = launch.Bin(m.cfg.BinPath)
	}
	if m.cfg.NoSandbox {
		launch = launch.NoSandbox(true)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		launch.Cleanup()
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.launch = launch
	m.controlURL = controlURL
	m.logger.Debug("browser connected", slog.String("control_url", controlURL))
	return nil
}

func (m *Manager) ensureStarted(ctx context.Context) error {
	m.mu.Lock()
	started := m.browser != nil
	m.mu.Unlock()
	if started {
		return nil
	}
	return m.Start(ctx)
}

// IsConnected returns whether the browser is connected.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser != nil
}

// Shutdown closes the browser and cleans up the launched process.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.launch != nil {
		m.launch.Cleanup()
		m.launch = nil
	}
	m.controlURL = ""
	return err
}

// NewPage opens a fresh incognito page with the configured viewport and user
// agent applied. The caller owns the page and must Close it.
func (m *Manager) NewPage(ctx context.Context) (*Page, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	browser := m.browser
	m.mu.Unlock()
	if browser == nil {
		return nil, fmt.Errorf("browser not connected")
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		m.logger.Warn("failed to set viewport", slog.Any("error", err))
	}
	if m.cfg.UserAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: m.cfg.UserAgent}).Call(page); err != nil {
			m.logger.Warn("failed to set user agent", slog.Any("error", err))
		}
	}

	return &Page{page: page, cfg: m.cfg}, nil
}
