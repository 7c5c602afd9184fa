package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/queue"
	"git.home.luguber.info/inful/pageforge/internal/store"
)

// jobIndex is the slice of the build queue the recorder needs: job
// snapshots to materialize build rows from. *queue.Queue satisfies it.
type jobIndex interface {
	JobSnapshot(id string) (*queue.Job, bool)
}

// buildRecorder turns the volatile bus stream into durable build history:
// every log and phase event becomes a row in the append-only build event
// log, and completion events write the final build record. The SSE
// endpoint replays these rows to late subscribers, so payload shapes here
// must stay identical to the live events.
type buildRecorder struct {
	store store.Store
	jobs  jobIndex
	bus   *events.Bus
	log   *slog.Logger

	logCh   <-chan events.LogEvent
	phaseCh <-chan events.PhaseEvent
	doneCh  <-chan events.BuildCompleted
	unsubs  []func()

	seen map[string]bool // builds with a persisted row
	wg   sync.WaitGroup
}

func newBuildRecorder(st store.Store, jobs jobIndex, bus *events.Bus, logger *slog.Logger) *buildRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &buildRecorder{
		store: st,
		jobs:  jobs,
		bus:   bus,
		log:   logger.With(slog.String("component", "recorder")),
		seen:  make(map[string]bool),
	}
}

// Start subscribes and launches the single persistence goroutine. Blocking
// subscriptions on purpose: losing build history to a slow disk is worse
// than briefly stalling a publisher.
func (r *buildRecorder) Start() {
	var unsub func()
	r.logCh, unsub = events.Subscribe[events.LogEvent](r.bus, 256)
	r.unsubs = append(r.unsubs, unsub)
	r.phaseCh, unsub = events.Subscribe[events.PhaseEvent](r.bus, 64)
	r.unsubs = append(r.unsubs, unsub)
	r.doneCh, unsub = events.Subscribe[events.BuildCompleted](r.bus, 16)
	r.unsubs = append(r.unsubs, unsub)

	r.wg.Add(1)
	go r.run()
}

// Wait unsubscribes and blocks until buffered events are persisted. Safe
// to call after the bus is already closed.
func (r *buildRecorder) Wait() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.wg.Wait()
}

// run drains the three subscriptions until all are closed. Receives on a
// closed channel still deliver its buffered events first, so nothing
// published before shutdown is lost.
func (r *buildRecorder) run() {
	defer r.wg.Done()
	for r.logCh != nil || r.phaseCh != nil || r.doneCh != nil {
		select {
		case evt, ok := <-r.logCh:
			if !ok {
				r.logCh = nil
				continue
			}
			r.onLog(evt)
		case evt, ok := <-r.phaseCh:
			if !ok {
				r.phaseCh = nil
				continue
			}
			r.onPhase(evt)
		case evt, ok := <-r.doneCh:
			if !ok {
				r.doneCh = nil
				continue
			}
			// Log and phase events for this build were published before
			// its completion, so they already sit in the buffers; drain
			// them first to keep the persisted order matching the live
			// order.
			r.drainPending()
			r.onCompleted(evt)
		}
	}
}

func (r *buildRecorder) drainPending() {
	for {
		select {
		case evt, ok := <-r.logCh:
			if !ok {
				r.logCh = nil
				continue
			}
			r.onLog(evt)
		case evt, ok := <-r.phaseCh:
			if !ok {
				r.phaseCh = nil
				continue
			}
			r.onPhase(evt)
		default:
			return
		}
	}
}

// persistCtx: store writes run on their own context, not the daemon's, so
// the final events of a canceled build still land during shutdown.
func persistCtx() context.Context { return context.Background() }

func (r *buildRecorder) onLog(evt events.LogEvent) {
	if evt.BuildID == "" {
		return // agent notes outside a build carry no build ID
	}
	r.ensureBuildRow(evt.BuildID)
	r.append(evt.BuildID, "log", evt)
}

func (r *buildRecorder) onPhase(evt events.PhaseEvent) {
	if evt.BuildID == "" {
		return
	}
	r.ensureBuildRow(evt.BuildID)
	r.append(evt.BuildID, "phase", evt)
}

func (r *buildRecorder) onCompleted(evt events.BuildCompleted) {
	if evt.BuildID == "" {
		return
	}
	r.append(evt.BuildID, "complete", evt)

	build := r.finalBuild(evt)
	if err := r.store.SaveBuild(persistCtx(), build); err != nil {
		r.log.Error("failed to persist completed build",
			logfields.BuildID(evt.BuildID), logfields.Error(err))
		return
	}
	delete(r.seen, evt.BuildID)
}

// ensureBuildRow writes a running build record the first time a build is
// seen, so list and log endpoints find it while it is still in flight.
func (r *buildRecorder) ensureBuildRow(buildID string) {
	if r.seen[buildID] {
		return
	}
	job, ok := r.jobs.JobSnapshot(buildID)
	if !ok {
		// One-shot CLI builds bypass the queue; their events are only
		// persisted, not materialized into a row.
		r.seen[buildID] = true
		return
	}
	if err := r.store.SaveBuild(persistCtx(), buildFromJob(job)); err != nil {
		r.log.Error("failed to persist build record",
			logfields.BuildID(buildID), logfields.Error(err))
		return
	}
	r.seen[buildID] = true
}

// finalBuild prefers the queue's terminal job snapshot; when the job has
// already been evicted from history, the completion event itself carries
// enough for a minimal record.
func (r *buildRecorder) finalBuild(evt events.BuildCompleted) *store.Build {
	if job, ok := r.jobs.JobSnapshot(evt.BuildID); ok {
		return buildFromJob(job)
	}
	return &store.Build{
		ID:         evt.BuildID,
		SiteID:     evt.SiteID,
		Status:     evt.Status,
		Error:      evt.Error,
		FinishedAt: &evt.At,
	}
}

func (r *buildRecorder) append(buildID, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.log.Error("failed to encode build event",
			logfields.BuildID(buildID), logfields.Error(err))
		return
	}
	if err := r.store.AppendBuildEvent(persistCtx(), buildID, eventType, raw); err != nil {
		r.log.Error("failed to persist build event",
			logfields.BuildID(buildID), logfields.Error(err))
	}
}

func buildFromJob(j *queue.Job) *store.Build {
	return &store.Build{
		ID:         j.ID,
		SiteID:     j.SiteID,
		Trigger:    string(j.Trigger),
		Status:     string(j.Status),
		Scope:      j.Scope,
		PagesDone:  j.PagesDone,
		PagesTotal: j.PagesTotal,
		Error:      j.Error,
		Effective:  j.Effective,
		EdgeURL:    j.EdgeURL,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
	}
}
