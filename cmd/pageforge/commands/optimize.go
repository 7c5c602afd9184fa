package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"git.home.luguber.info/inful/pageforge/internal/config"
	"git.home.luguber.info/inful/pageforge/internal/crawl"
	"git.home.luguber.info/inful/pageforge/internal/pipeline"
)

// OptimizeCmd implements the 'optimize' command: one crawl-build-write
// pass without the agent loop, verification or deployment. The optimized
// bundle is left under <workdir>/output for the caller to ship.
type OptimizeCmd struct {
	Origin  string `arg:"" help:"Origin URL of the site to optimize"`
	WorkDir string `short:"w" help:"Work directory (default: a fresh temp dir)"`
}

func (o *OptimizeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.LoadOrDefault(root.Config)
	if err != nil {
		return err
	}
	logger := applyLogging(cfg, root.Verbose)

	siteID, err := siteIDFor(o.Origin, "")
	if err != nil {
		return err
	}
	workDir, err := ensureWorkDir(o.WorkDir)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr := newBrowser(cfg, logger)
	defer func() { _ = mgr.Shutdown() }()

	effective, overrides := oneShotSettings(cfg)

	fmt.Printf("Crawling %s\n", o.Origin)
	inv, err := crawl.New(mgr, logger, nil).Crawl(ctx, crawl.OptionsFromSettings(effective, o.Origin, workDir))
	if err != nil {
		return err
	}
	if err := saveInventory(workDir, inv); err != nil {
		return err
	}
	fmt.Printf("Crawled %d pages, %d assets\n", len(inv.Pages), len(inv.Assets))

	res, err := pipeline.New(logger, nil, nil, nil).Build(ctx, pipeline.Request{
		SiteID:    siteID,
		BuildID:   uuid.NewString(),
		WorkDir:   workDir,
		Inventory: inv,
		Effective: effective,
		Overrides: overrides,
	})
	if err != nil {
		return err
	}

	printBuildStats(res)
	fmt.Printf("Optimized bundle: %s\n", res.OutputDir)
	return nil
}

func printBuildStats(res *pipeline.Result) {
	for _, cat := range []string{"css", "js", "images", "html"} {
		cs, ok := res.Stats.Categories[cat]
		if !ok || cs.OriginalBytes == 0 {
			continue
		}
		fmt.Printf("  %-6s %s -> %s (%s)\n", cat,
			humanize.Bytes(uint64(cs.OriginalBytes)),
			humanize.Bytes(uint64(cs.OptimizedBytes)),
			savedPercent(cs.OriginalBytes, cs.OptimizedBytes))
	}
	if res.Stats.FacadesApplied > 0 {
		fmt.Printf("  facades applied: %d\n", res.Stats.FacadesApplied)
	}
	if res.Stats.ScriptsRemoved > 0 {
		fmt.Printf("  scripts removed: %d\n", res.Stats.ScriptsRemoved)
	}
}

func savedPercent(original, optimized int64) string {
	if original <= 0 || optimized >= original {
		return "no savings"
	}
	return fmt.Sprintf("-%.1f%%", float64(original-optimized)/float64(original)*100)
}
