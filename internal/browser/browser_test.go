package browser

import (
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	if c.GetViewportWidth() != 1440 {
		t.Fatalf("viewport width default: %d", c.GetViewportWidth())
	}
	if c.GetViewportHeight() != 900 {
		t.Fatalf("viewport height default: %d", c.GetViewportHeight())
	}
	if c.GetNavigationTimeout() != 30*time.Second {
		t.Fatalf("navigation timeout default: %v", c.GetNavigationTimeout())
	}
	if c.GetNetworkIdleTimeout() != 10*time.Second {
		t.Fatalf("network idle timeout default: %v", c.GetNetworkIdleTimeout())
	}
}

func TestConfigExplicitValues(t *testing.T) {
	c := Config{
		ViewportWidth:      390,
		ViewportHeight:     844,
		NavigationTimeout:  5 * time.Second,
		NetworkIdleTimeout: time.Second,
	}
	if c.GetViewportWidth() != 390 || c.GetViewportHeight() != 844 {
		t.Fatalf("explicit viewport not honored: %dx%d", c.GetViewportWidth(), c.GetViewportHeight())
	}
	if c.GetNavigationTimeout() != 5*time.Second {
		t.Fatalf("explicit navigation timeout not honored: %v", c.GetNavigationTimeout())
	}
}

func TestManagerNotConnectedInitially(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	if m.IsConnected() {
		t.Fatalf("manager should not be connected before Start")
	}
	if err := m.Shutdown(); err != nil {
		t.Fatalf("shutdown of idle manager: %v", err)
	}
}
