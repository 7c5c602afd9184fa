// Package pipeline orchestrates one optimization build over a crawled site
// inventory: the css, js, images, html, write and headers phases, in that
// order. The asset phases isolate per-item failures and the html phase
// isolates per-page failures; write and headers either complete or fail the
// build. Phase transitions and log lines fan out over the event bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"log/slog"

	"git.home.luguber.info/inful/pageforge/internal/assets"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/metrics"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// Request describes one build.
type Request struct {
	SiteID    string
	BuildID   string
	WorkDir   string // run workspace holding assets/ and screenshots/ from the crawl
	Inventory *inventory.SiteInventory
	Effective map[string]any // resolved settings tree; nil means defaults
	Overrides map[string]any // sparse user tree, marks pinned leaves
}

// Result is the outcome of a successful build.
type Result struct {
	OutputDir    string
	Stats        Stats
	PhaseTimings map[string]time.Duration
}

// phase is one step of the fixed build sequence.
type phase struct {
	name string
	fn   func(context.Context, *buildState) error
}

// Orchestrator runs optimization builds. One instance serves any number of
// sequential builds; the queue guarantees at most one per site at a time.
type Orchestrator struct {
	log   *slog.Logger
	rec   metrics.Recorder
	bus   *events.Bus
	fonts *assets.FontLocalizer
}

// New wires an orchestrator. The recorder and bus may be nil; a nil font
// localizer falls back to one over http.DefaultClient.
func New(logger *slog.Logger, rec metrics.Recorder, bus *events.Bus, fonts *assets.FontLocalizer) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if fonts == nil {
		fonts = assets.NewFontLocalizer(nil, logger)
	}
	return &Orchestrator{log: logger, rec: rec, bus: bus, fonts: fonts}
}

// Build transforms the crawled site into the optimized bundle under
// workDir/output. The build is bounded by the configured pipeline timeout.
func (o *Orchestrator) Build(ctx context.Context, req Request) (*Result, error) {
	if req.Inventory == nil || len(req.Inventory.Pages) == 0 {
		return nil, pferrors.ValidationFailed("inventory", "no captured pages")
	}
	if req.WorkDir == "" {
		return nil, pferrors.ValidationFailed("workDir", "required")
	}
	origin, err := url.Parse(req.Inventory.Origin)
	if err != nil || origin.Host == "" {
		return nil, pferrors.ValidationFailed("origin", "not an absolute URL")
	}
	effective := req.Effective
	if effective == nil {
		effective = settings.Defaults()
	}

	timeout := time.Duration(settings.Int(effective, 30, "build", "pipelineTimeoutMin")) * time.Minute
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bs := newBuildState(o, req, origin, effective)
	o.log.Info("build starting",
		logfields.SiteID(req.SiteID), logfields.BuildID(req.BuildID),
		slog.Int("pages", len(req.Inventory.Pages)), slog.Int("assets", len(req.Inventory.Assets)))

	start := time.Now()
	err = o.runPhases(ctx, bs, []phase{
		{events.PhaseCSS, o.phaseCSS},
		{events.PhaseJS, o.phaseJS},
		{events.PhaseImages, o.phaseImages},
		{events.PhaseHTML, o.phaseHTML},
		{events.PhaseWrite, o.phaseWrite},
		{events.PhaseHeaders, o.phaseHeaders},
	})
	o.rec.ObserveBuildDuration(time.Since(start))
	if err != nil {
		outcome := "failed"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "canceled"
		}
		o.rec.IncBuildOutcome(outcome)
		return nil, err
	}
	o.rec.IncBuildOutcome("success")

	o.log.Info("build complete",
		logfields.SiteID(req.SiteID), logfields.BuildID(req.BuildID),
		slog.Int("pages", len(bs.pages)), slog.Int64("bytes_saved", bs.stats.TotalSavings()),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return &Result{OutputDir: bs.outputDir, Stats: bs.stats, PhaseTimings: bs.timings}, nil
}

// runPhases executes the phase sequence in order, recording timing and
// classification per phase and stopping on the first fatal error.
func (o *Orchestrator) runPhases(ctx context.Context, bs *buildState, phases []phase) error {
	for _, ph := range phases {
		select {
		case <-ctx.Done():
			o.rec.IncPhaseResult(ph.name, metrics.ResultCanceled)
			return pferrors.BuildFailed(ph.name, ctx.Err())
		default:
		}

		bs.emitPhase(ctx, ph.name, 0, 0)
		bs.beginPhase()

		t0 := time.Now()
		err := ph.fn(ctx, bs)
		dur := time.Since(t0)
		bs.timings[ph.name] = dur
		o.rec.ObservePhaseDuration(ph.name, dur)

		switch {
		case err != nil && ctx.Err() != nil:
			o.rec.IncPhaseResult(ph.name, metrics.ResultCanceled)
			return pferrors.BuildFailed(ph.name, err)
		case err != nil:
			o.rec.IncPhaseResult(ph.name, metrics.ResultFatal)
			bs.emitLog(ctx, events.LevelError, ph.name, err.Error(), nil)
			return pferrors.BuildFailed(ph.name, err)
		case bs.warnings() > 0:
			o.rec.IncPhaseResult(ph.name, metrics.ResultWarning)
		default:
			o.rec.IncPhaseResult(ph.name, metrics.ResultSuccess)
		}

		bs.log.Info("phase complete", logfields.Phase(ph.name),
			logfields.DurationMS(float64(dur.Milliseconds())))
		bs.emitLog(ctx, events.LevelInfo, ph.name,
			fmt.Sprintf("%s phase complete", ph.name),
			&events.LogMeta{DurationMS: dur.Milliseconds()})
	}
	return nil
}
