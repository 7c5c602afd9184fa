package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/pageforge/internal/browser"
	"git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// inventoryFile is where one-shot commands persist the crawl result inside
// the work directory, so a later 'verify' can reuse the baseline.
const inventoryFile = "inventory.json"

// newBrowser builds a headless session manager from the config file's
// browser section.
func newBrowser(cfg *config.Config, logger *slog.Logger) *browser.Manager {
	return browser.NewManager(browser.Config{
		Headful:        cfg.Browser.Headful,
		BinPath:        cfg.Browser.BinPath,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		UserAgent:      cfg.Browser.UserAgent,
	}, logger)
}

// oneShotSettings resolves the effective tree for commands that run without
// a site record: shipped defaults plus the config file's instance overrides.
func oneShotSettings(cfg *config.Config) (effective, overrides map[string]any) {
	return settings.Resolve(settings.Defaults(), cfg.Settings), cfg.Settings
}

// ensureWorkDir returns the chosen work directory, creating a fresh one
// under the system temp dir when the caller did not pick one.
func ensureWorkDir(dir string) (string, error) {
	if dir == "" {
		created, err := os.MkdirTemp("", "pageforge-*")
		if err != nil {
			return "", pferrors.WorkspaceError("create work directory", err)
		}
		return created, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", pferrors.WorkspaceError("create work directory", err)
	}
	return dir, nil
}

func saveInventory(workDir string, inv *inventory.SiteInventory) error {
	raw, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return pferrors.InternalError("encode inventory", err)
	}
	path := filepath.Join(workDir, inventoryFile)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return pferrors.WorkspaceError("write "+inventoryFile, err)
	}
	return nil
}

func loadInventory(workDir string) (*inventory.SiteInventory, error) {
	raw, err := os.ReadFile(filepath.Join(workDir, inventoryFile))
	if err != nil {
		return nil, pferrors.ValidationFailed("workdir",
			fmt.Sprintf("no %s found in %s (run 'pageforge crawl' first)", inventoryFile, workDir))
	}
	var inv inventory.SiteInventory
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, pferrors.InternalError("decode "+inventoryFile, err)
	}
	return &inv, nil
}
