// Package agent runs the autonomous optimization loop: crawl the origin,
// plan a settings patch, build, verify against the live edge, and let the
// reviewer decide whether another iteration is worth it. Every phase
// checkpoints its state to the store so a crashed or stopped run resumes
// where it left off instead of starting over.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/pageforge/internal/advisor"
	"git.home.luguber.info/inful/pageforge/internal/crawl"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/metrics"
	"git.home.luguber.info/inful/pageforge/internal/publish"
	"git.home.luguber.info/inful/pageforge/internal/queue"
	"git.home.luguber.info/inful/pageforge/internal/retry"
	"git.home.luguber.info/inful/pageforge/internal/settings"
	"git.home.luguber.info/inful/pageforge/internal/store"
	"git.home.luguber.info/inful/pageforge/internal/verify"
	"git.home.luguber.info/inful/pageforge/internal/workspace"
)

// Phase names one step of the run state machine. The terminal phases are
// PhaseComplete and PhaseFailed; everything else re-enters the loop.
type Phase string

const (
	PhaseAnalyzing Phase = "analyzing"
	PhasePlanning  Phase = "planning"
	PhaseBuilding  Phase = "building"
	PhaseVerifying Phase = "verifying"
	PhaseReviewing Phase = "reviewing"
	PhaseComplete  Phase = "complete"
	PhaseFailed    Phase = "failed"
)

// Run status values persisted on store.AgentRun.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Crawler captures the origin into a page inventory.
type Crawler interface {
	Crawl(ctx context.Context, opts crawl.Options) (*inventory.SiteInventory, error)
}

// Verifier probes the published edge copy against the crawled inventory.
type Verifier interface {
	Run(ctx context.Context, req verify.Request) (*verify.Report, error)
}

// BuildQueue accepts pipeline jobs and lets the agent wait on them.
type BuildQueue interface {
	Enqueue(job *queue.Job) error
	Await(ctx context.Context, id string) (*queue.Job, error)
}

// PageSpeedAuditor fetches a PageSpeed Insights score for one URL.
type PageSpeedAuditor interface {
	Audit(ctx context.Context, pageURL, strategy string) (*verify.PageSpeedResult, error)
}

// Deps wires the controller to the rest of the daemon. Store, Queue,
// Workspace, Crawler, Verifier, Advisor and Publisher are required; the
// rest default to no-ops.
type Deps struct {
	Store     store.Store
	Queue     BuildQueue
	Workspace *workspace.Manager
	Crawler   Crawler
	Verifier  Verifier
	Advisor   advisor.Advisor
	Publisher publish.Publisher
	PageSpeed PageSpeedAuditor // optional, origin baseline audit
	Bus       *events.Bus      // optional, live state + log streaming
	Recorder  metrics.Recorder // optional
	Logger    *slog.Logger     // optional

	// BaseSettings is the instance-wide settings layer from the daemon
	// config, applied between the shipped defaults and each site's own
	// overrides when a run resolves its effective settings. Stored site
	// overrides stay relative to the shipped defaults, so instance config
	// never leaks into a site record.
	BaseSettings map[string]any
}

// Controller owns every agent run in this process. One run per site: a
// second StartRun for the same site is rejected while the first is live,
// backed by both the in-process registry and the store's active-run check
// so restarts and multi-process deployments agree.
type Controller struct {
	store     store.Store
	queue     BuildQueue
	ws        *workspace.Manager
	crawler   Crawler
	verifier  Verifier
	advisor   advisor.Advisor
	publisher publish.Publisher
	pagespeed PageSpeedAuditor
	bus       *events.Bus
	rec       metrics.Recorder
	logger    *slog.Logger

	// pubRetry guards the edge publish; transient transport failures are
	// retried, everything else surfaces to the iteration error handler.
	pubRetry retry.Policy

	mu      sync.Mutex
	base    map[string]any        // instance-wide settings layer
	runs    map[string]*runHandle // keyed by site ID
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewController validates deps and returns a controller ready for Start.
func NewController(deps Deps) (*Controller, error) {
	required := []struct {
		name string
		ok   bool
	}{
		{"store", deps.Store != nil},
		{"queue", deps.Queue != nil},
		{"workspace", deps.Workspace != nil},
		{"crawler", deps.Crawler != nil},
		{"verifier", deps.Verifier != nil},
		{"advisor", deps.Advisor != nil},
		{"publisher", deps.Publisher != nil},
	}
	for _, r := range required {
		if !r.ok {
			return nil, pferrors.ValidationFailed(r.name, "required")
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := deps.Recorder
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Controller{
		store:     deps.Store,
		queue:     deps.Queue,
		ws:        deps.Workspace,
		crawler:   deps.Crawler,
		verifier:  deps.Verifier,
		advisor:   deps.Advisor,
		publisher: deps.Publisher,
		pagespeed: deps.PageSpeed,
		bus:       deps.Bus,
		rec:       rec,
		logger:    logger.With(slog.String("component", "agent")),
		pubRetry:  retry.NewPolicy(retry.BackoffExponential, 2*time.Second, 30*time.Second, 2),
		base:      settings.Merge(deps.BaseSettings, nil),
		runs:      make(map[string]*runHandle),
	}, nil
}

// SetBaseSettings swaps the instance-wide settings layer, e.g. after a
// config reload. Live runs keep the tree they resolved at their last build;
// the next iteration picks up the new layer.
func (c *Controller) SetBaseSettings(base map[string]any) {
	c.mu.Lock()
	c.base = settings.Merge(base, nil)
	c.mu.Unlock()
}

// layeredDefaults returns the shipped defaults with the instance-wide
// settings layer resolved on top. Effective settings for a run resolve
// against this tree; canonicalization of stored site overrides does not,
// so those stay meaningful on any instance.
func (c *Controller) layeredDefaults() map[string]any {
	c.mu.Lock()
	base := c.base
	c.mu.Unlock()
	defaults := settings.Defaults()
	if len(base) == 0 {
		return defaults
	}
	return settings.Resolve(defaults, base)
}

// Start arms the controller. Runs started afterwards inherit ctx: cancel it
// (or call Stop) and every live run checkpoints and parks as resumable.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseCtx != nil {
		return pferrors.DaemonError("agent controller already started")
	}
	c.baseCtx, c.cancel = context.WithCancel(ctx)
	return nil
}

// Stop cancels every live run and blocks until each has checkpointed.
// Interrupted runs are persisted as failed with their last completed phase
// intact, so ResumeRun picks them up after a restart.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
