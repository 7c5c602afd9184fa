package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Snapshot computes a stable hash of build-affecting normalized configuration
// fields. It is intentionally narrower than full serialization so unrelated
// config edits (log level, listen address) do not invalidate queued work.
// Callers SHOULD run NormalizeConfig + applyDefaults before computing a
// snapshot to ensure canonical field values.
func (c *Config) Snapshot() string {
	if c == nil {
		return ""
	}
	h := sha256.New()
	w := func(parts ...string) {
		h.Write([]byte(strings.Join(parts, "=")))
		h.Write([]byte{0})
	}
	w("browser.headful", strconv.FormatBool(c.Browser.Headful))
	w("browser.viewport_width", strconv.Itoa(c.Browser.ViewportWidth))
	w("browser.viewport_height", strconv.Itoa(c.Browser.ViewportHeight))
	w("browser.user_agent", c.Browser.UserAgent)
	w("advisor.provider", string(c.Advisor.Provider))
	w("advisor.gemini_model", c.Advisor.GeminiModel)
	if c.Publish != nil {
		w("publish.remote", c.Publish.Remote)
		w("publish.branch", c.Publish.Branch)
		w("publish.url_template", c.Publish.URLTemplate)
	}
	if len(c.Settings) > 0 {
		// JSON encoding of a map sorts keys, giving a stable representation.
		if b, err := json.Marshal(c.Settings); err == nil {
			w("settings", string(b))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
