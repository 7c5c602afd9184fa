package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pageforge/internal/advisor"
	appcfg "git.home.luguber.info/inful/pageforge/internal/config"
	"git.home.luguber.info/inful/pageforge/internal/crawl"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/metrics"
	"git.home.luguber.info/inful/pageforge/internal/pipeline"
	"git.home.luguber.info/inful/pageforge/internal/queue"
	"git.home.luguber.info/inful/pageforge/internal/retry"
	"git.home.luguber.info/inful/pageforge/internal/store"
	"git.home.luguber.info/inful/pageforge/internal/verify"
	"git.home.luguber.info/inful/pageforge/internal/workspace"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleInventory(origin string) *inventory.SiteInventory {
	return &inventory.SiteInventory{
		Origin: origin,
		Pages: []inventory.CrawledPage{
			{URL: origin + "/", Path: "/", HTML: []byte("<html><body>home</body></html>"), Title: "Home"},
		},
		CapturedAt: time.Now().UTC(),
	}
}

type fakeCrawler struct {
	mu    sync.Mutex
	calls int
	err   error
	opts  []crawl.Options
}

func (f *fakeCrawler) Crawl(_ context.Context, opts crawl.Options) (*inventory.SiteInventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return sampleInventory(opts.Origin), nil
}

func (f *fakeCrawler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type buildOutcome struct {
	status queue.Status
	err    string
}

// fakeQueue hands out scripted outcomes in enqueue order; the last outcome
// repeats. When gate is set, Await blocks until the gate closes so tests can
// stop or race the run mid-build.
type fakeQueue struct {
	mu       sync.Mutex
	jobs     []*queue.Job
	outcomes []buildOutcome
	outDir   string
	gate     chan struct{}
	enqueued chan string
}

func (f *fakeQueue) Enqueue(job *queue.Job) error {
	f.mu.Lock()
	if job.ID == "" {
		job.ID = fmt.Sprintf("build-%d", len(f.jobs)+1)
	}
	job.Status = queue.StatusQueued
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()
	if f.enqueued != nil {
		f.enqueued <- job.ID
	}
	return nil
}

func (f *fakeQueue) Await(ctx context.Context, id string) (*queue.Job, error) {
	f.mu.Lock()
	gate := f.gate
	var job *queue.Job
	idx := -1
	for i, j := range f.jobs {
		if j.ID == id {
			job, idx = j, i
		}
	}
	f.mu.Unlock()
	if job == nil {
		return nil, pferrors.New(pferrors.CategoryNotFound, pferrors.SeverityError, "job not found")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out := buildOutcome{status: queue.StatusSuccess}
	if len(f.outcomes) > 0 {
		out = f.outcomes[min(idx, len(f.outcomes)-1)]
	}
	job.Status = out.status
	job.Error = out.err
	if out.status == queue.StatusSuccess {
		job.Result = &pipeline.Result{
			OutputDir: f.outDir,
			Stats: pipeline.Stats{
				Categories: map[string]pipeline.CategoryStats{
					"css": {OriginalBytes: 10_000, OptimizedBytes: 4_000},
				},
			},
		}
	}
	return job, nil
}

func (f *fakeQueue) jobsSnapshot() []*queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*queue.Job, len(f.jobs))
	copy(out, f.jobs)
	return out
}

// fakeVerifier returns scripted reports in call order; the last repeats.
// An empty script passes everything.
type fakeVerifier struct {
	mu      sync.Mutex
	calls   int
	reports []*verify.Report
	reqs    []verify.Request
}

func (f *fakeVerifier) Run(_ context.Context, req verify.Request) (*verify.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	i := f.calls
	f.calls++
	if len(f.reports) == 0 {
		return &verify.Report{HardPass: true, SoftPass: true}, nil
	}
	return f.reports[min(i, len(f.reports)-1)], nil
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAdvisor struct {
	mu         sync.Mutex
	plan       advisor.Plan
	planErr    error
	planCalls  int
	reviews    []advisor.Review
	reviewReqs []advisor.ReviewRequest
}

func (f *fakeAdvisor) Plan(_ context.Context, _ advisor.PlanRequest) (advisor.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planCalls++
	if f.planErr != nil {
		return advisor.Plan{}, f.planErr
	}
	return f.plan, nil
}

func (f *fakeAdvisor) Review(_ context.Context, req advisor.ReviewRequest) (advisor.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewReqs = append(f.reviewReqs, req)
	if len(f.reviews) == 0 {
		return advisor.Review{Verdict: advisor.VerdictAcceptable}, nil
	}
	return f.reviews[min(len(f.reviewReqs)-1, len(f.reviews)-1)], nil
}

func (f *fakeAdvisor) planCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.planCalls
}

func (f *fakeAdvisor) reviewRequests() []advisor.ReviewRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]advisor.ReviewRequest, len(f.reviewReqs))
	copy(out, f.reviewReqs)
	return out
}

type fakePublisher struct {
	mu    sync.Mutex
	calls int
	url   string
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// rig is one controller wired to fakes, a real in-memory store and a real
// workspace. The edge test server answers immediately so the SSL readiness
// wait never sleeps.
type rig struct {
	t       *testing.T
	c       *Controller
	store   *store.SQLite
	ws      *workspace.Manager
	crawler *fakeCrawler
	queue   *fakeQueue
	verif   *fakeVerifier
	adv     *fakeAdvisor
	pub     *fakePublisher
}

func newRig(t *testing.T) *rig {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ws, err := workspace.NewManager(appcfg.WorkspaceConfig{
		Root:       t.TempDir(),
		TTL:        "1h",
		GCInterval: "10m",
	}, discardLogger())
	require.NoError(t, err)

	edge := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(edge.Close)

	r := &rig{
		t:       t,
		store:   st,
		ws:      ws,
		crawler: &fakeCrawler{},
		queue:   &fakeQueue{outDir: t.TempDir(), enqueued: make(chan string, 8)},
		verif:   &fakeVerifier{},
		adv:     &fakeAdvisor{},
		pub:     &fakePublisher{url: edge.URL},
	}
	c, err := NewController(Deps{
		Store:     st,
		Queue:     r.queue,
		Workspace: ws,
		Crawler:   r.crawler,
		Verifier:  r.verif,
		Advisor:   r.adv,
		Publisher: r.pub,
		Bus:       events.NewBus(),
		Recorder:  metrics.NoopRecorder{},
		Logger:    discardLogger(),
	})
	require.NoError(t, err)
	c.pubRetry = retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 2)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Stop)
	r.c = c
	return r
}

func (r *rig) seedSite(id string, overrides map[string]any) {
	r.t.Helper()
	require.NoError(r.t, r.store.UpsertSite(r.t.Context(), &store.Site{
		ID:        id,
		Origin:    "https://" + id + ".example",
		Overrides: overrides,
	}))
}

func (r *rig) await(runID string) *store.AgentRun {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	run, err := r.c.Await(ctx, runID)
	require.NoError(r.t, err)
	return run
}

func (r *rig) waitEnqueued() string {
	r.t.Helper()
	select {
	case id := <-r.queue.enqueued:
		return id
	case <-time.After(5 * time.Second):
		r.t.Fatal("no build enqueued in time")
		return ""
	}
}

func decodeCP(t *testing.T, run *store.AgentRun) *Checkpoint {
	t.Helper()
	cp, err := DecodeCheckpoint(run.Checkpoint)
	require.NoError(t, err)
	return cp
}

func TestNewControllerValidatesDeps(t *testing.T) {
	_, err := NewController(Deps{})
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryValidation))

	r := newRig(t)
	_, err = NewController(Deps{
		Store: r.store, Queue: r.queue, Workspace: r.ws,
		Crawler: r.crawler, Verifier: r.verif, Advisor: r.adv,
	})
	require.Error(t, err, "publisher is required")
}

func TestStartRunRequiresStartedController(t *testing.T) {
	r := newRig(t)
	r.seedSite("idle", nil)

	c, err := NewController(Deps{
		Store: r.store, Queue: r.queue, Workspace: r.ws,
		Crawler: r.crawler, Verifier: r.verif, Advisor: r.adv, Publisher: r.pub,
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	_, err = c.StartRun(t.Context(), "idle")
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryDaemon))
}

func TestStartRunUnknownSite(t *testing.T) {
	r := newRig(t)
	_, err := r.c.StartRun(t.Context(), "ghost")
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryNotFound))
}
