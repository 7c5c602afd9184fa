package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/verify"
)

// VerifyCmd implements the 'verify' command: run the quality gates for a
// deployed copy against the baseline captured by an earlier crawl. Exits 4
// when neither the hard nor the soft gate passes.
type VerifyCmd struct {
	Edge    string `arg:"" help:"Edge origin serving the optimized copy, e.g. https://site.edge.example.net"`
	WorkDir string `short:"w" required:"" help:"Work directory holding inventory.json and the baseline screenshots"`
}

func (v *VerifyCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.LoadOrDefault(root.Config)
	if err != nil {
		return err
	}
	logger := applyLogging(cfg, root.Verbose)

	if _, err := siteIDFor(v.Edge, ""); err != nil {
		return pferrors.ValidationFailed("edge", "must be an absolute http(s) URL")
	}
	inv, err := loadInventory(v.WorkDir)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr := newBrowser(cfg, logger)
	defer func() { _ = mgr.Shutdown() }()

	var psi *verify.PageSpeedClient
	if cfg.PageSpeed.APIKey != "" {
		psi = verify.NewPageSpeedClient(nil, cfg.PageSpeed.APIKey, logger)
	}
	verifier := verify.New(logger, nil, mgr, nil, psi)

	effective, _ := oneShotSettings(cfg)
	rep, err := verifier.Run(ctx, verify.Request{
		EdgeOrigin: v.Edge,
		WorkDir:    v.WorkDir,
		Inventory:  inv,
		Effective:  effective,
	})
	if err != nil {
		return err
	}

	printReport(rep)
	if !rep.HardPass && !rep.SoftPass {
		return pferrors.VerifyFailed("gates", errors.New("neither hard nor soft gate passed"))
	}
	return nil
}

func printReport(rep *verify.Report) {
	visualOK, funcOK, linksOK := 0, 0, 0
	for _, r := range rep.Visual {
		if r.OK() {
			visualOK++
		}
	}
	for _, r := range rep.Functional {
		if r.Passed {
			funcOK++
		}
	}
	for _, r := range rep.Links {
		if r.OK {
			linksOK++
		}
	}
	fmt.Printf("Visual:      %d/%d pages within drift bounds\n", visualOK, len(rep.Visual))
	fmt.Printf("Functional:  %d/%d behaviors replayed\n", funcOK, len(rep.Functional))
	fmt.Printf("Links:       %d/%d reachable\n", linksOK, len(rep.Links))
	for _, p := range rep.Performance {
		fmt.Printf("Performance: %s scored %d\n", p.Path, p.Score)
	}
	if rep.PageSpeed != nil {
		fmt.Printf("PageSpeed:   %d (%s)\n", rep.PageSpeed.Performance, rep.PageSpeed.Strategy)
	}
	switch {
	case rep.HardPass:
		fmt.Println("Gates: hard pass")
	case rep.SoftPass:
		fmt.Println("Gates: soft pass")
	default:
		fmt.Println("Gates: failed")
	}
}
