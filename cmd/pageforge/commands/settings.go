package commands

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/settings"
	"git.home.luguber.info/inful/pageforge/internal/store"
)

// SettingsCmd groups the settings inspection verbs. Both read the site
// record straight from the store, so they work without a running daemon.
type SettingsCmd struct {
	Diff      SettingsDiffCmd      `cmd:"" help:"Show the site's overrides that differ from the shipped defaults"`
	Effective SettingsEffectiveCmd `cmd:"" help:"Show the fully resolved settings tree the pipeline would consume"`
}

// SettingsDiffCmd implements 'settings diff'.
type SettingsDiffCmd struct {
	Site string `arg:"" help:"Site ID"`
}

func (s *SettingsDiffCmd) Run(_ *Global, root *CLI) error {
	overrides, _, err := siteOverrides(root, s.Site)
	if err != nil {
		return err
	}
	defaults := settings.Defaults()
	diff := settings.Diff(defaults, settings.Resolve(defaults, overrides))
	fmt.Printf("# %d override(s)\n", settings.OverrideCount(diff))
	return printYAML(diff)
}

// SettingsEffectiveCmd implements 'settings effective'.
type SettingsEffectiveCmd struct {
	Site string `arg:"" help:"Site ID"`
}

func (s *SettingsEffectiveCmd) Run(_ *Global, root *CLI) error {
	overrides, cfg, err := siteOverrides(root, s.Site)
	if err != nil {
		return err
	}
	// Same layering as a build: shipped defaults, then the instance-wide
	// config overrides, then the site's own.
	layered := settings.Merge(settings.Defaults(), cfg.Settings)
	return printYAML(settings.Resolve(layered, overrides))
}

func siteOverrides(root *CLI, siteID string) (map[string]any, *config.Config, error) {
	cfg, err := config.LoadOrDefault(root.Config)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = st.Close() }()

	site, err := st.GetSite(context.Background(), siteID)
	if err != nil {
		return nil, nil, err
	}
	if site == nil {
		return nil, nil, pferrors.ValidationFailed("site", "unknown site: "+siteID)
	}
	return site.Overrides, cfg, nil
}

func printYAML(tree map[string]any) error {
	if len(tree) == 0 {
		fmt.Println("{}")
		return nil
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(tree)
}
