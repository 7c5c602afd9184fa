// Package queue dispatches optimization builds to a small worker pool while
// enforcing the single-writer-per-site discipline: at most one build runs
// per site, later builds for the same site wait in per-site FIFO order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/metrics"
	"git.home.luguber.info/inful/pageforge/internal/pipeline"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// Trigger identifies what enqueued a build.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAgent     Trigger = "agent"
	TriggerScheduled Trigger = "scheduled"
	TriggerWebhook   Trigger = "webhook"
)

// Status is the lifecycle state of a queued build.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Job is one build record: the API-visible lifecycle fields plus the build
// payload handed to the pipeline.
type Job struct {
	ID         string        `json:"id"`
	SiteID     string        `json:"siteId"`
	Trigger    Trigger       `json:"trigger"`
	Status     Status        `json:"status"`
	Scope      string        `json:"scope"`
	PagesDone  int           `json:"pagesDone"`
	PagesTotal int           `json:"pagesTotal"`
	Error      string        `json:"error,omitempty"`
	EdgeURL    string        `json:"edgeUrl,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	StartedAt  *time.Time    `json:"startedAt,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`

	// Build payload, not exposed over the API.
	WorkDir   string                   `json:"-"`
	Inventory *inventory.SiteInventory `json:"-"`
	Effective map[string]any           `json:"-"` // settings snapshot taken at enqueue
	Overrides map[string]any           `json:"-"`

	Result *pipeline.Result `json:"-"`

	cancel context.CancelFunc
	done   chan struct{}
}

// Builder executes one build. *pipeline.Orchestrator satisfies it.
type Builder interface {
	Build(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Queue is the build dispatcher. Workers pull runnable jobs from a bounded
// channel; a site claim map guarantees the channel never holds two jobs for
// the same site, deferring conflicting jobs to a per-site FIFO instead.
type Queue struct {
	jobs        chan *Job
	workers     int
	maxSize     int
	historySize int

	mu         sync.RWMutex
	byID       map[string]*Job   // every known job until evicted from history
	active     map[string]*Job   // running, keyed by job ID
	siteClaims map[string]string // siteID -> job ID owning the runnable slot
	pending    map[string][]*Job // siteID -> deferred jobs, FIFO
	history    []*Job
	waiting    int // queued (channel + pending), ≤ maxSize
	stopped    bool

	stopChan    chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()

	builder Builder
	bus     *events.Bus
	rec     metrics.Recorder
	log     *slog.Logger
}

// New wires a queue. Bus, recorder and logger may be nil; the builder is
// required.
func New(maxSize, workers int, builder Builder, bus *events.Bus, rec metrics.Recorder, logger *slog.Logger) *Queue {
	if maxSize <= 0 {
		maxSize = 100
	}
	if workers <= 0 {
		workers = 2
	}
	if builder == nil {
		panic("queue.New: builder is required")
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		jobs:        make(chan *Job, maxSize),
		workers:     workers,
		maxSize:     maxSize,
		historySize: 50,
		byID:        make(map[string]*Job),
		active:      make(map[string]*Job),
		siteClaims:  make(map[string]string),
		pending:     make(map[string][]*Job),
		stopChan:    make(chan struct{}),
		builder:     builder,
		bus:         bus,
		rec:         rec,
		log:         logger,
	}
}

// Start launches the workers and, when a bus is wired, the progress tracker
// that mirrors html-phase page counters onto active jobs.
func (q *Queue) Start(ctx context.Context) {
	q.log.Info("build queue starting",
		slog.Int("workers", q.workers), slog.Int("max_size", q.maxSize))
	if q.bus != nil {
		ch, unsub := events.SubscribeDropOldest[events.PhaseEvent](q.bus, 64)
		q.unsubscribe = unsub
		q.wg.Add(1)
		go q.trackProgress(ch)
	}
	for i := range q.workers {
		q.wg.Add(1)
		go q.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Stop cancels running jobs and waits for the workers to drain. Jobs still
// queued keep their queued status; a restart would need to re-enqueue them.
func (q *Queue) Stop(context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for _, job := range q.active {
		if job.cancel != nil {
			job.cancel()
		}
	}
	q.mu.Unlock()

	close(q.stopChan)
	if q.unsubscribe != nil {
		q.unsubscribe()
	}
	q.wg.Wait()
}

// Enqueue registers a job and either hands it to the workers or, when its
// site already owns the runnable slot, defers it in FIFO order. The settings
// snapshot is deep-copied so later site edits cannot leak into this build.
func (q *Queue) Enqueue(job *Job) error {
	if job == nil {
		return pferrors.ValidationError("job cannot be nil")
	}
	if job.SiteID == "" {
		return pferrors.ValidationFailed("siteId", "required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Trigger == "" {
		job.Trigger = TriggerManual
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return pferrors.DaemonError("build queue is stopped")
	}
	if _, dup := q.byID[job.ID]; dup {
		return pferrors.ValidationFailed("id", "job already known")
	}
	if q.waiting >= q.maxSize {
		return pferrors.New(pferrors.CategoryConflict, pferrors.SeverityError, "build queue is full").
			WithContext("site_id", job.SiteID)
	}

	job.Status = StatusQueued
	job.CreatedAt = time.Now()
	job.done = make(chan struct{})
	if job.Effective != nil {
		job.Effective = settings.Merge(job.Effective, nil)
	}
	if job.Scope == "" {
		job.Scope = settings.String(job.Effective, "full", "build", "scope")
	}

	q.byID[job.ID] = job
	q.waiting++

	if _, busy := q.siteClaims[job.SiteID]; busy {
		q.pending[job.SiteID] = append(q.pending[job.SiteID], job)
	} else {
		q.siteClaims[job.SiteID] = job.ID
		// Never blocks: the channel holds at most one job per claimed site
		// and every one of them is counted in waiting ≤ maxSize = cap.
		q.jobs <- job
	}
	q.rec.SetQueueDepth(q.waiting)
	return nil
}

// Await blocks until the job reaches a terminal status and returns its
// snapshot.
func (q *Queue) Await(ctx context.Context, id string) (*Job, error) {
	q.mu.RLock()
	job, ok := q.byID[id]
	q.mu.RUnlock()
	if !ok {
		return nil, pferrors.New(pferrors.CategoryNotFound, pferrors.SeverityError, "build job not found").
			WithContext("build_id", id)
	}
	select {
	case <-job.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	snap, _ := q.JobSnapshot(id)
	return snap, nil
}

// JobSnapshot returns a copy of a known job.
func (q *Queue) JobSnapshot(id string) (*Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return snapshotLocked(j), true
}

// ActiveJobs returns copies of the currently running jobs.
func (q *Queue) ActiveJobs() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Job, 0, len(q.active))
	for _, j := range q.active {
		out = append(out, snapshotLocked(j))
	}
	return out
}

// History returns copies of completed jobs, oldest first.
func (q *Queue) History() []*Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*Job, 0, len(q.history))
	for _, j := range q.history {
		out = append(out, snapshotLocked(j))
	}
	return out
}

// Length returns the number of queued (not yet running) jobs.
func (q *Queue) Length() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.waiting
}

func snapshotLocked(j *Job) *Job {
	cp := *j
	cp.cancel = nil
	cp.done = nil
	return &cp
}

func (q *Queue) worker(ctx context.Context, workerID string) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopChan:
			return
		case job := <-q.jobs:
			if job != nil {
				q.processJob(ctx, job, workerID)
			}
		}
	}
}

func (q *Queue) processJob(ctx context.Context, job *Job, workerID string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	q.mu.Lock()
	job.cancel = cancel
	job.StartedAt = &start
	job.Status = StatusRunning
	q.active[job.ID] = job
	q.waiting--
	depth := q.waiting
	q.mu.Unlock()
	q.rec.SetQueueDepth(depth)

	q.log.Info("build job starting",
		logfields.SiteID(job.SiteID), logfields.BuildID(job.ID),
		logfields.Worker(workerID), slog.String("trigger", string(job.Trigger)))

	res, err := q.builder.Build(jobCtx, pipeline.Request{
		SiteID:    job.SiteID,
		BuildID:   job.ID,
		WorkDir:   job.WorkDir,
		Inventory: job.Inventory,
		Effective: job.Effective,
		Overrides: job.Overrides,
	})

	q.finishJob(ctx, job, res, err)
}

func (q *Queue) finishJob(ctx context.Context, job *Job, res *pipeline.Result, err error) {
	end := time.Now()
	q.mu.Lock()
	job.FinishedAt = &end
	if job.StartedAt != nil {
		job.Duration = end.Sub(*job.StartedAt)
	}
	delete(q.active, job.ID)
	switch {
	case err == nil:
		job.Status = StatusSuccess
		job.Result = res
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		job.Status = StatusCanceled
		job.Error = err.Error()
	default:
		job.Status = StatusFailed
		job.Error = err.Error()
	}
	q.appendHistoryLocked(job)
	close(job.done)

	// Hand the runnable slot to the next deferred job for this site, or
	// release the claim.
	var next *Job
	if deferred := q.pending[job.SiteID]; len(deferred) > 0 {
		next = deferred[0]
		if len(deferred) == 1 {
			delete(q.pending, job.SiteID)
		} else {
			q.pending[job.SiteID] = deferred[1:]
		}
		q.siteClaims[job.SiteID] = next.ID
	} else {
		delete(q.siteClaims, job.SiteID)
	}
	q.mu.Unlock()

	if next != nil {
		q.jobs <- next
	}

	q.log.Info("build job finished",
		logfields.SiteID(job.SiteID), logfields.BuildID(job.ID),
		logfields.JobStatus(string(job.Status)),
		logfields.DurationMS(float64(job.Duration.Milliseconds())))
	// The completion event must reach subscribers even when the job was
	// canceled by shutdown; the recorder persists the final status from it.
	q.publishCompleted(context.WithoutCancel(ctx), job)
}

func (q *Queue) publishCompleted(ctx context.Context, job *Job) {
	if q.bus == nil {
		return
	}
	status := "success"
	if job.Status != StatusSuccess {
		status = "failed"
	}
	evt := events.BuildCompleted{
		SiteID:  job.SiteID,
		BuildID: job.ID,
		Status:  status,
		Error:   job.Error,
		At:      time.Now(),
	}
	if err := q.bus.Publish(ctx, evt); err != nil {
		q.log.Warn("build completion event dropped",
			logfields.BuildID(job.ID), logfields.Error(err))
	}
}

// appendHistoryLocked keeps the last historySize completed jobs and drops
// evicted ones from the byID index.
func (q *Queue) appendHistoryLocked(job *Job) {
	q.history = append(q.history, job)
	if len(q.history) > q.historySize {
		for _, evicted := range q.history[:len(q.history)-q.historySize] {
			delete(q.byID, evicted.ID)
		}
		copy(q.history, q.history[len(q.history)-q.historySize:])
		q.history = q.history[:q.historySize]
	}
}

// trackProgress mirrors html-phase page counters from the bus onto the
// active job so status snapshots carry live progress.
func (q *Queue) trackProgress(ch <-chan events.PhaseEvent) {
	defer q.wg.Done()
	for evt := range ch {
		if evt.PagesTotal == 0 && evt.PagesDone == 0 {
			continue
		}
		q.mu.Lock()
		if job, ok := q.active[evt.BuildID]; ok {
			job.PagesDone = evt.PagesDone
			job.PagesTotal = evt.PagesTotal
		}
		q.mu.Unlock()
	}
}
