package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/pageforge/internal/agent"
	"git.home.luguber.info/inful/pageforge/internal/config"
	"git.home.luguber.info/inful/pageforge/internal/daemon"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/store"
	"git.home.luguber.info/inful/pageforge/internal/workspace"
)

// AgentCmd implements the 'agent' command: one full autonomous optimization
// loop against a single origin, then exit. It assembles the same components
// as serve but binds the control plane to an ephemeral loopback port, so a
// one-shot run can coexist with a daemon on the same machine.
type AgentCmd struct {
	Origin string `arg:"" help:"Origin URL of the site to optimize, e.g. https://example.com"`
	Site   string `help:"Site ID to record the run under (default: slug of the origin host)"`
	Resume string `help:"Resume a failed run by ID instead of starting a new one"`
}

func (o *AgentCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.LoadOrDefault(root.Config)
	if err != nil {
		return err
	}
	logger := applyLogging(cfg, root.Verbose)
	// One-shot runs do not serve operators; keep the listener out of the
	// way of a concurrently running daemon.
	cfg.Server.Listen = "127.0.0.1:0"

	siteID, err := siteIDFor(o.Origin, o.Site)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(ctx, cfg, daemon.Options{Logger: logger})
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		_ = d.Stop(stopCtx)
	}()

	if err := o.ensureSite(ctx, d.Store(), siteID); err != nil {
		return err
	}

	fmt.Printf("Optimizing %s (site %s)\n", o.Origin, siteID)

	var run *store.AgentRun
	if o.Resume != "" {
		run, err = d.Agent().ResumeRun(ctx, siteID, o.Resume)
	} else {
		run, err = d.Agent().StartRun(ctx, siteID)
	}
	if err != nil {
		return err
	}

	final, err := d.Agent().Await(ctx, run.ID)
	if err != nil {
		if ctx.Err() != nil {
			return pferrors.RunAborted(run.ID)
		}
		return err
	}

	site, _ := d.Store().GetSite(context.Background(), siteID)
	printRunSummary(final, site)
	return runOutcome(final)
}

// ensureSite registers the site on first use and rejects an origin change
// for an existing ID: the run history would silently describe two sites.
func (o *AgentCmd) ensureSite(ctx context.Context, st store.Store, siteID string) error {
	existing, err := st.GetSite(ctx, siteID)
	if err == nil && existing != nil {
		if existing.Origin != o.Origin {
			return pferrors.ValidationFailed("origin",
				fmt.Sprintf("site %s is registered for %s", siteID, existing.Origin))
		}
		return nil
	}
	return st.UpsertSite(ctx, &store.Site{ID: siteID, Origin: o.Origin, State: "active"})
}

// siteIDFor derives the record ID from the origin host unless the caller
// chose one.
func siteIDFor(origin, explicit string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", pferrors.ValidationFailed("origin", "must be an absolute http(s) URL")
	}
	if explicit != "" {
		return explicit, nil
	}
	return workspace.Slug(u.Host), nil
}

func printRunSummary(run *store.AgentRun, site *store.Site) {
	if run == nil {
		return
	}
	verdict := finalVerdict(run)
	fmt.Printf("Run %s finished: status=%s verdict=%s iterations=%d\n",
		run.ID, run.Status, verdict, run.Iteration)
	if site != nil && site.EdgeURL != "" {
		fmt.Printf("Deployed: %s\n", site.EdgeURL)
	}
	if run.LastError != "" {
		fmt.Printf("Last error: %s\n", run.LastError)
	}
}

// runOutcome maps the terminal run record to the process exit contract:
// nil for a pass, verify-category for a quality-gate miss, build-category
// for a failed run.
func runOutcome(run *store.AgentRun) error {
	if run == nil {
		return pferrors.InternalError("agent run record missing", nil)
	}
	switch run.Status {
	case "completed":
		switch finalVerdict(run) {
		case "pass", "acceptable":
			return nil
		default:
			return pferrors.VerifyFailed("final-verdict",
				fmt.Errorf("run completed with verdict %q", finalVerdict(run)))
		}
	case "failed":
		cause := errors.New("agent run failed")
		if run.LastError != "" {
			cause = errors.New(run.LastError)
		}
		return pferrors.BuildFailed("agent", cause)
	default:
		return pferrors.InternalError(fmt.Sprintf("agent run ended in status %q", run.Status), nil)
	}
}

func finalVerdict(run *store.AgentRun) string {
	cp, err := agent.DecodeCheckpoint(run.Checkpoint)
	if err != nil || cp == nil || cp.FinalVerdict == "" {
		return "incomplete"
	}
	return string(cp.FinalVerdict)
}
