package commands

import (
	"log/slog"
	"os"

	"git.home.luguber.info/inful/pageforge/internal/config"
	"git.home.luguber.info/inful/pageforge/internal/observability"
)

// Global carries process-wide state shared by subcommands.
type Global struct {
	Logger *slog.Logger
}

// CLI is the root command: global flags plus one subcommand per verb.
type CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"pageforge.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Init     InitCmd     `cmd:"" help:"Initialize a new configuration file"`
	Validate ValidateCmd `cmd:"" help:"Validate the configuration file without starting anything"`
	Crawl    CrawlCmd    `cmd:"" help:"Inventory a site: pages, assets, behaviors and baseline screenshots"`
	Optimize OptimizeCmd `cmd:"" help:"Crawl a site and write the optimized bundle, no agent loop"`
	Agent    AgentCmd    `cmd:"" help:"Run the full autonomous optimization loop against a site and exit"`
	Verify   VerifyCmd   `cmd:"" help:"Run the quality gates for a deployed copy against a crawl baseline"`
	Settings SettingsCmd `cmd:"" help:"Inspect a site's stored settings"`
	Serve    ServeCmd    `cmd:"" help:"Start the daemon: build queue, agent controller and control-plane API"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// AfterApply runs after flag parsing; set up logging once. The level here is
// the CLI's view; commands that load a config file re-apply its logging
// section afterwards.
func (c *CLI) AfterApply() error {
	level := "info"
	if c.Verbose {
		level = "debug"
	}
	observability.SetupLogging(os.Stderr, "text", level)
	return nil
}

// applyLogging re-installs the handler per the config file's logging section.
// The --verbose flag wins over a quieter configured level.
func applyLogging(cfg *config.Config, verbose bool) *slog.Logger {
	level := string(cfg.Logging.Level)
	if verbose {
		level = "debug"
	}
	return observability.SetupLogging(os.Stderr, string(cfg.Logging.Format), level)
}
