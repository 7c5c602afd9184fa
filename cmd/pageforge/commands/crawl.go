package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/pageforge/internal/config"
	"git.home.luguber.info/inful/pageforge/internal/crawl"
)

// CrawlCmd implements the 'crawl' command: inventory a site without
// building anything. The result lands as inventory.json in the work
// directory together with the downloaded assets and baseline screenshots.
type CrawlCmd struct {
	Origin  string `arg:"" help:"Origin URL of the site to crawl"`
	WorkDir string `short:"w" help:"Work directory (default: a fresh temp dir)"`
}

func (c *CrawlCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.LoadOrDefault(root.Config)
	if err != nil {
		return err
	}
	logger := applyLogging(cfg, root.Verbose)

	if _, err := siteIDFor(c.Origin, ""); err != nil {
		return err
	}
	workDir, err := ensureWorkDir(c.WorkDir)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr := newBrowser(cfg, logger)
	defer func() { _ = mgr.Shutdown() }()

	effective, _ := oneShotSettings(cfg)
	inv, err := crawl.New(mgr, logger, nil).Crawl(ctx, crawl.OptionsFromSettings(effective, c.Origin, workDir))
	if err != nil {
		return err
	}
	if err := saveInventory(workDir, inv); err != nil {
		return err
	}

	fmt.Printf("Crawled %s: %d pages, %d assets (jQuery: %v)\n",
		c.Origin, len(inv.Pages), len(inv.Assets), inv.UsesJQuery)
	fmt.Printf("Inventory written to %s\n", workDir)
	return nil
}
