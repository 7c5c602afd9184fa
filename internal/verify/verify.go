// Package verify runs the post-deploy probe suite against an optimized copy
// of a site: visual diffs against the crawl baselines, replay of recorded
// behaviors, outbound link reachability and a synthetic performance probe,
// optionally topped with a remote PageSpeed audit. The resulting report
// carries the two gate verdicts the agent's iteration-pass rule is built on.
package verify

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"git.home.luguber.info/inful/pageforge/internal/browser"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/metrics"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// Visual diff statuses, ordered from best to worst.
const (
	VisualIdentical   = "identical"
	VisualAcceptable  = "acceptable"
	VisualNeedsReview = "needs-review"
	VisualFailed      = "failed"
)

// Options are the verification thresholds, resolved from effective settings.
type Options struct {
	EpsilonIdentical  float64
	EpsilonAcceptable float64
	PerfThreshold     int
	PSIEnabled        bool
	PSIStrategy       string
	PSIHardMin        int
	PSISoftMin        int
}

// OptionsFrom reads the verify subtree of a resolved settings tree, falling
// back to the shipped defaults for absent leaves.
func OptionsFrom(effective map[string]any) Options {
	return Options{
		EpsilonIdentical:  settings.Float(effective, 0.001, "verify", "visualEpsilonIdentical"),
		EpsilonAcceptable: settings.Float(effective, 0.02, "verify", "visualEpsilonAcceptable"),
		PerfThreshold:     settings.Int(effective, 80, "verify", "performanceThreshold"),
		PSIEnabled:        settings.Bool(effective, false, "verify", "pageSpeed", "enabled"),
		PSIStrategy:       settings.String(effective, "mobile", "verify", "pageSpeed", "strategy"),
		PSIHardMin:        settings.Int(effective, 85, "verify", "pageSpeed", "hardMin"),
		PSISoftMin:        settings.Int(effective, 75, "verify", "pageSpeed", "softMin"),
	}
}

// Request describes one verification run.
type Request struct {
	EdgeOrigin string // scheme://host serving the optimized copy
	WorkDir    string // run workspace holding the crawl baselines
	Inventory  *inventory.SiteInventory
	Effective  map[string]any // resolved settings; nil uses defaults
}

// VisualResult is the perceptual diff outcome for one page.
type VisualResult struct {
	Path          string  `json:"path"`
	Status        string  `json:"status"`
	MismatchRatio float64 `json:"mismatchRatio"`
	Detail        string  `json:"detail,omitempty"`
}

// OK reports whether the page is within the accepted drift bounds.
func (r VisualResult) OK() bool {
	return r.Status == VisualIdentical || r.Status == VisualAcceptable
}

// FunctionalResult is one replayed behavior.
type FunctionalResult struct {
	Path     string `json:"path"`
	Selector string `json:"selector"`
	Passed   bool   `json:"passed"`
	Detail   string `json:"detail,omitempty"` // failing assertion text
}

// LinkResult is one probed outbound link.
type LinkResult struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	OK     bool   `json:"ok"`
	Cached bool   `json:"cached,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// PerfResult is the synthetic load probe outcome for one page.
type PerfResult struct {
	Path   string  `json:"path"`
	Score  int     `json:"score"`
	TTFBMS float64 `json:"ttfbMs"`
	FCPMS  float64 `json:"fcpMs"`
	LCPMS  float64 `json:"lcpMs"`
	LoadMS float64 `json:"loadMs"`
}

// PageSpeedResult is the composite of a remote audit.
type PageSpeedResult struct {
	Strategy    string `json:"strategy"`
	Performance int    `json:"performance"` // 0-100
}

// Report aggregates all probe outcomes plus the two gate verdicts.
type Report struct {
	Visual      []VisualResult     `json:"visual"`
	Functional  []FunctionalResult `json:"functional"`
	Links       []LinkResult       `json:"links"`
	Performance []PerfResult       `json:"performance"`
	PageSpeed   *PageSpeedResult   `json:"pageSpeed,omitempty"`
	HardPass    bool               `json:"hardPass"`
	SoftPass    bool               `json:"softPass"`
	StartedAt   time.Time          `json:"startedAt"`
	Duration    time.Duration      `json:"duration"`
}

// Pass reports whether either gate was met; both terminate the agent loop.
func (r *Report) Pass() bool { return r.HardPass || r.SoftPass }

// VisualOK reports whether every compared page stayed within bounds.
func (r *Report) VisualOK() bool {
	for _, v := range r.Visual {
		if !v.OK() {
			return false
		}
	}
	return true
}

// FunctionalOK reports whether every replayed behavior passed.
func (r *Report) FunctionalOK() bool {
	for _, f := range r.Functional {
		if !f.Passed {
			return false
		}
	}
	return true
}

// LinksOK reports whether every probed outbound link is reachable.
func (r *Report) LinksOK() bool {
	for _, l := range r.Links {
		if !l.OK {
			return false
		}
	}
	return true
}

// AvgPerformance is the mean synthetic score across probed pages, zero when
// no page could be measured.
func (r *Report) AvgPerformance() float64 {
	if len(r.Performance) == 0 {
		return 0
	}
	var sum int
	for _, p := range r.Performance {
		sum += p.Score
	}
	return float64(sum) / float64(len(r.Performance))
}

// Verifier runs the probe suite. The browser manager may be nil, in which
// case the page probes are skipped and only links (and PSI, if enabled) run.
type Verifier struct {
	log     *slog.Logger
	rec     metrics.Recorder
	browser *browser.Manager
	links   *LinkProber
	psi     *PageSpeedClient
}

// New wires a verifier. Nil logger, recorder and prober fall back to
// defaults; nil browser and PSI client disable the respective probes.
func New(logger *slog.Logger, rec metrics.Recorder, mgr *browser.Manager, prober *LinkProber, psi *PageSpeedClient) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if prober == nil {
		prober = NewLinkProber(nil, nil, 0, logger)
	}
	return &Verifier{log: logger, rec: rec, browser: mgr, links: prober, psi: psi}
}

// Run executes all probes and evaluates the gates. Probe failures are
// recorded in the report rather than returned; the error is reserved for
// invalid requests and context cancellation.
func (v *Verifier) Run(ctx context.Context, req Request) (*Report, error) {
	if req.Inventory == nil || len(req.Inventory.Pages) == 0 {
		return nil, pferrors.ValidationFailed("inventory", "no crawled pages to verify against")
	}
	edge, err := url.Parse(req.EdgeOrigin)
	if err != nil || edge.Scheme == "" || edge.Host == "" {
		return nil, pferrors.ValidationFailed("edgeOrigin", "must be an absolute http(s) URL")
	}

	opts := OptionsFrom(req.Effective)
	rep := &Report{StartedAt: time.Now()}

	// One tab per page: navigate once, then measure, screenshot and replay
	// against that same load.
	if v.browser != nil {
		for _, pg := range req.Inventory.Pages {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			v.probePage(ctx, edge, req.WorkDir, pg, opts, rep)
		}
	} else {
		v.log.Warn("browser unavailable, skipping visual, functional and performance probes")
	}

	rep.Links = v.links.Probe(ctx, OutboundLinks(req.Inventory))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.PSIEnabled && v.psi != nil {
		psi, err := v.psi.Audit(ctx, req.EdgeOrigin, opts.PSIStrategy)
		if err != nil {
			// A remote audit outage must not wedge the loop; the gates fall
			// back to the local performance probe.
			v.log.Warn("pagespeed audit failed", logfields.URL(req.EdgeOrigin), logfields.Error(err))
		} else {
			rep.PageSpeed = psi
		}
	}

	rep.Duration = time.Since(rep.StartedAt)
	v.evaluate(rep, opts)

	v.log.Info("verification complete",
		slog.Bool("hard_pass", rep.HardPass),
		slog.Bool("soft_pass", rep.SoftPass),
		slog.Int("pages", len(req.Inventory.Pages)),
		slog.Int("links", len(rep.Links)),
		logfields.DurationMS(float64(rep.Duration.Milliseconds())))
	return rep, nil
}

// probePage runs the three page-scoped probes sharing one navigation.
func (v *Verifier) probePage(ctx context.Context, edge *url.URL, workDir string, pg inventory.CrawledPage, opts Options, rep *Report) {
	target := *edge
	target.Path = pg.Path
	pageURL := target.String()

	page, err := v.browser.NewPage(ctx)
	if err != nil {
		v.failPage(pg, rep, "page open failed: "+err.Error())
		return
	}
	defer func() { _ = page.Close() }()

	if err := page.Navigate(ctx, pageURL); err != nil {
		v.failPage(pg, rep, "navigation failed: "+err.Error())
		return
	}
	page.Settle(ctx, 500*time.Millisecond)

	if perf, err := measureTimings(ctx, page); err != nil {
		v.log.Warn("performance probe failed", logfields.Page(pg.Path), logfields.Error(err))
	} else {
		perf.Path = pg.Path
		rep.Performance = append(rep.Performance, perf)
	}

	// Screenshot before behaviors so replayed clicks cannot dirty the frame.
	if pg.ScreenshotPath == "" {
		v.log.Warn("no baseline screenshot recorded, skipping visual diff", logfields.Page(pg.Path))
	} else {
		rep.Visual = append(rep.Visual, v.compareVisual(ctx, page, workDir, pg, opts))
	}

	for _, b := range pg.Behaviors {
		res := replayBehavior(ctx, page, b)
		res.Path = pg.Path
		rep.Functional = append(rep.Functional, res)
	}
}

// failPage marks the visual probe and every recorded behavior of a page as
// failed when the page could not be loaded at all.
func (v *Verifier) failPage(pg inventory.CrawledPage, rep *Report, detail string) {
	v.log.Warn("page probe failed", logfields.Page(pg.Path), slog.String("detail", detail))
	if pg.ScreenshotPath != "" {
		rep.Visual = append(rep.Visual, VisualResult{Path: pg.Path, Status: VisualFailed, Detail: detail})
	}
	for _, b := range pg.Behaviors {
		rep.Functional = append(rep.Functional, FunctionalResult{
			Path:     pg.Path,
			Selector: b.Selector,
			Detail:   detail,
		})
	}
}

// evaluate fills in the gate verdicts and feeds the gate counters. A nil
// PageSpeed result (probe disabled or audit unavailable) leaves the PSI
// condition satisfied so a flaky remote API cannot block the loop.
func (v *Verifier) evaluate(rep *Report, opts Options) {
	visual := rep.VisualOK()
	functional := rep.FunctionalOK()
	links := rep.LinksOK()
	perf := rep.AvgPerformance() >= float64(opts.PerfThreshold)
	psiHard := rep.PageSpeed == nil || rep.PageSpeed.Performance >= opts.PSIHardMin
	psiSoft := rep.PageSpeed == nil || rep.PageSpeed.Performance >= opts.PSISoftMin

	rep.HardPass = visual && functional && links && psiHard
	rep.SoftPass = visual && functional && links && perf && psiSoft

	v.rec.IncVerifyGate("visual", visual)
	v.rec.IncVerifyGate("functional", functional)
	v.rec.IncVerifyGate("links", links)
	v.rec.IncVerifyGate("performance", perf)
	if rep.PageSpeed != nil {
		v.rec.IncVerifyGate("pagespeed", psiHard)
	}
	v.rec.IncVerifyGate("hard", rep.HardPass)
	v.rec.IncVerifyGate("soft", rep.SoftPass)
}
