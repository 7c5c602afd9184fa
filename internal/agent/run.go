package agent

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/settings"
	"git.home.luguber.info/inful/pageforge/internal/store"
)

// runHandle is the in-process registration of one live run. Abort is a
// request, not a kill: the loop checks it at phase entries and after a
// build await, finishes the current operation, and discards its results.
type runHandle struct {
	runID  string
	siteID string
	abort  atomic.Bool
	done   chan struct{}
}

func (h *runHandle) aborted() bool { return h.abort.Load() }

// StartRun begins a fresh run for the site and returns its persisted record.
// The loop runs on a controller goroutine; callers follow progress through
// Status, the event bus, or Await.
func (c *Controller) StartRun(ctx context.Context, siteID string) (*store.AgentRun, error) {
	site, err := c.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, err
	}

	h := &runHandle{runID: uuid.NewString(), siteID: siteID, done: make(chan struct{})}
	runCtx, err := c.register(h)
	if err != nil {
		return nil, err
	}

	// The registry only covers this process; the store check also catches
	// a run owned by another daemon against the same database.
	if active, err := c.store.ActiveRun(ctx, siteID); err != nil {
		c.unregister(h)
		return nil, err
	} else if active != nil {
		c.unregister(h)
		return nil, pferrors.RunConflict(siteID)
	}

	workDir, err := c.ws.CreateRun(siteID, h.runID)
	if err != nil {
		c.unregister(h)
		return nil, err
	}

	cp := &Checkpoint{
		Origin:          site.Origin,
		Iteration:       1,
		CurrentSettings: settings.Resolve(c.layeredDefaults(), site.Overrides),
	}
	raw, err := cp.Encode()
	if err != nil {
		c.unregister(h)
		_ = c.ws.Release(siteID, h.runID, true)
		return nil, err
	}
	run := &store.AgentRun{
		ID:         h.runID,
		SiteID:     siteID,
		Status:     StatusRunning,
		Phase:      string(PhaseAnalyzing),
		Iteration:  1,
		WorkDir:    workDir,
		Checkpoint: raw,
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		c.unregister(h)
		_ = c.ws.Release(siteID, h.runID, true)
		return nil, err
	}

	c.logger.Info("agent run started",
		logfields.SiteID(siteID), logfields.RunID(h.runID))
	c.spawn(runCtx, h, run, cp, PhaseAnalyzing)
	return run, nil
}

// ResumeRun restarts a failed run from its checkpoint. The run re-enters
// the loop at the phase after the last completed one; if the workspace has
// been garbage collected in the meantime the resume is rejected and a fresh
// run is the only way forward.
func (c *Controller) ResumeRun(ctx context.Context, siteID, runID string) (*store.AgentRun, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.SiteID != siteID {
		return nil, pferrors.RunNotFound(runID)
	}
	if run.Status != StatusFailed {
		return nil, pferrors.New(pferrors.CategoryConflict, pferrors.SeverityError,
			"only failed runs can be resumed").WithContext("run_id", runID)
	}
	cp, err := DecodeCheckpoint(run.Checkpoint)
	if err != nil {
		return nil, err
	}
	// The failed finalize stamped a verdict and report; the resumed loop
	// decides its own.
	cp.FinalVerdict = ""
	cp.FinalReport = ""

	h := &runHandle{runID: runID, siteID: siteID, done: make(chan struct{})}
	runCtx, err := c.register(h)
	if err != nil {
		return nil, err
	}
	if active, err := c.store.ActiveRun(ctx, siteID); err != nil {
		c.unregister(h)
		return nil, err
	} else if active != nil {
		c.unregister(h)
		return nil, pferrors.RunConflict(siteID)
	}

	workDir, err := c.ws.Adopt(siteID, runID)
	if err != nil {
		c.unregister(h)
		if pferrors.IsCategory(err, pferrors.CategoryNotFound) {
			return nil, pferrors.New(pferrors.CategoryConflict, pferrors.SeverityError,
				"run artifacts expired, start a new run").WithContext("run_id", runID)
		}
		return nil, err
	}

	entry := entryPhase(cp.LastCompletedPhase)
	run.Status = StatusRunning
	run.Phase = string(entry)
	run.WorkDir = workDir
	run.LastError = ""
	if err := c.store.SaveRun(ctx, run); err != nil {
		c.unregister(h)
		_ = c.ws.Release(siteID, runID, false)
		return nil, err
	}

	c.logger.Info("agent run resumed",
		logfields.SiteID(siteID), logfields.RunID(runID),
		logfields.Phase(string(entry)), logfields.Iteration(cp.Iteration))
	c.spawn(runCtx, h, run, cp, entry)
	return run, nil
}

// StopRun requests an orderly stop. A live run aborts at its next phase
// boundary; a run row left behind by a dead process is marked failed right
// away so the site is free to start over. A non-empty runID stops only that
// run, so a caller holding a stale ID cannot abort a newer run.
func (c *Controller) StopRun(ctx context.Context, siteID, runID string) (*store.AgentRun, error) {
	c.mu.Lock()
	h := c.runs[siteID]
	c.mu.Unlock()

	if h != nil {
		if runID != "" && h.runID != runID {
			return nil, pferrors.RunNotFound(runID)
		}
		h.abort.Store(true)
		c.logger.Info("agent stop requested",
			logfields.SiteID(siteID), logfields.RunID(h.runID))
		return c.store.GetRun(ctx, h.runID)
	}

	active, err := c.store.ActiveRun(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, pferrors.New(pferrors.CategoryNotFound, pferrors.SeverityError,
			"site has no active run").WithContext("site_id", siteID)
	}
	if runID != "" && active.ID != runID {
		return nil, pferrors.RunNotFound(runID)
	}
	// No goroutine owns this row; its process died before finalizing.
	active.Status = StatusFailed
	active.LastError = "aborted while no controller owned the run"
	if err := c.store.SaveRun(ctx, active); err != nil {
		return nil, err
	}
	c.logger.Warn("orphaned agent run marked failed",
		logfields.SiteID(siteID), logfields.RunID(active.ID))
	return active, nil
}

// Status returns the active run for the site, falling back to the most
// recent finished one.
func (c *Controller) Status(ctx context.Context, siteID string) (*store.AgentRun, error) {
	if active, err := c.store.ActiveRun(ctx, siteID); err != nil {
		return nil, err
	} else if active != nil {
		return active, nil
	}
	runs, err := c.store.ListRuns(ctx, siteID, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, pferrors.New(pferrors.CategoryNotFound, pferrors.SeverityError,
			"site has no agent runs").WithContext("site_id", siteID)
	}
	return runs[0], nil
}

// Await blocks until the run's loop goroutine finishes (or ctx is done) and
// returns the final persisted record. Runs not owned by this process are
// returned as stored.
func (c *Controller) Await(ctx context.Context, runID string) (*store.AgentRun, error) {
	c.mu.Lock()
	var h *runHandle
	for _, cand := range c.runs {
		if cand.runID == runID {
			h = cand
			break
		}
	}
	c.mu.Unlock()

	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.store.GetRun(ctx, runID)
}

// register reserves the site's registry slot and returns the context runs
// inherit. Reserving before the store lookup keeps two concurrent StartRun
// calls from both passing the active-run check.
func (c *Controller) register(h *runHandle) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.baseCtx == nil {
		return nil, pferrors.DaemonError("agent controller is not running")
	}
	if c.runs[h.siteID] != nil {
		return nil, pferrors.RunConflict(h.siteID)
	}
	c.runs[h.siteID] = h
	return c.baseCtx, nil
}

func (c *Controller) unregister(h *runHandle) {
	c.mu.Lock()
	if c.runs[h.siteID] == h {
		delete(c.runs, h.siteID)
	}
	c.mu.Unlock()
}

func (c *Controller) spawn(ctx context.Context, h *runHandle, run *store.AgentRun, cp *Checkpoint, entry Phase) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.unregister(h)
		defer close(h.done)
		c.loop(ctx, h, run, cp, entry)
	}()
}
