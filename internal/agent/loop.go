package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/pageforge/internal/advisor"
	"git.home.luguber.info/inful/pageforge/internal/crawl"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/publish"
	"git.home.luguber.info/inful/pageforge/internal/queue"
	"git.home.luguber.info/inful/pageforge/internal/retry"
	"git.home.luguber.info/inful/pageforge/internal/settings"
	"git.home.luguber.info/inful/pageforge/internal/store"
	"git.home.luguber.info/inful/pageforge/internal/verify"
)

// logTailLines is how much recent log history a checkpoint carries.
const logTailLines = 100

// runState is the loop's working set for one run. The checkpoint is the
// durable part; the rest is rebuilt on resume.
type runState struct {
	h      *runHandle
	run    *store.AgentRun
	cp     *Checkpoint
	tail   *events.LogRing
	seed   []string // tail restored from the checkpoint on resume
	logger *slog.Logger
}

// iterationPayload is the per-iteration record appended to the store: the
// compact outcome plus the settings that produced it.
type iterationPayload struct {
	Outcome  advisor.IterationOutcome `json:"outcome"`
	Settings map[string]any           `json:"settings,omitempty"`
}

func (c *Controller) loop(ctx context.Context, h *runHandle, run *store.AgentRun, cp *Checkpoint, entry Phase) {
	st := &runState{
		h:    h,
		run:  run,
		cp:   cp,
		tail: events.NewLogRing(logTailLines),
		seed: cp.LogTail,
		logger: c.logger.With(
			logfields.SiteID(h.siteID), logfields.RunID(h.runID)),
	}

	if c.bus != nil {
		ch, unsub := events.SubscribeDropOldest[events.LogEvent](c.bus, 256)
		defer unsub()
		go mirrorBuildLogs(st, ch)
	}

	phase := entry
	for {
		if err := c.gate(ctx, st); err != nil {
			c.finalize(st, PhaseFailed, err)
			return
		}
		st.run.Phase = string(phase)
		c.publishState(st, phase)

		var next Phase
		var err error
		started := time.Now()
		switch phase {
		case PhaseAnalyzing:
			next, err = c.stepAnalyze(ctx, st)
		case PhasePlanning:
			next, err = c.stepPlan(ctx, st)
		case PhaseBuilding:
			next, err = c.stepBuild(ctx, st)
		case PhaseVerifying:
			next, err = c.stepVerify(ctx, st)
		case PhaseReviewing:
			next, err = c.stepReview(ctx, st)
		default:
			err = pferrors.InternalError("unknown agent phase "+string(phase), nil)
		}
		st.cp.addTiming(phase, time.Since(started))

		if err != nil {
			next, err = c.recover(ctx, st, phase, err)
			if err != nil {
				c.finalize(st, PhaseFailed, err)
				return
			}
		}
		if next == PhaseComplete || next == PhaseFailed {
			c.finalize(st, next, nil)
			return
		}
		phase = next
	}
}

// gate enforces the phase-boundary stop points: daemon shutdown and
// operator abort. Neither interrupts a phase in flight.
func (c *Controller) gate(ctx context.Context, st *runState) error {
	select {
	case <-ctx.Done():
		return pferrors.Wrap(ctx.Err(), pferrors.CategoryDaemon, pferrors.SeverityError,
			"daemon shutting down")
	default:
	}
	if st.h.aborted() {
		return pferrors.RunAborted(st.h.runID)
	}
	return nil
}

// stepAnalyze crawls the origin into the inventory and, when configured,
// takes a baseline PageSpeed reading. A zero iteration budget ends the run
// here: the site was measured, nothing was changed.
func (c *Controller) stepAnalyze(ctx context.Context, st *runState) (Phase, error) {
	st.note(events.LevelInfo, events.PhaseCrawl, "analyzing "+st.cp.Origin)
	inv, err := c.crawler.Crawl(ctx, crawl.OptionsFromSettings(st.cp.CurrentSettings, st.cp.Origin, st.run.WorkDir))
	if err != nil {
		return "", err
	}
	st.cp.Inventory = inv
	st.note(events.LevelInfo, events.PhaseCrawl,
		fmt.Sprintf("captured %d pages from %s", len(inv.Pages), st.cp.Origin))

	if c.pagespeed != nil && settings.Bool(st.cp.CurrentSettings, false, "verify", "pageSpeed", "enabled") {
		strategy := settings.String(st.cp.CurrentSettings, "mobile", "verify", "pageSpeed", "strategy")
		if psi, err := c.pagespeed.Audit(ctx, st.cp.Origin, strategy); err != nil {
			st.note(events.LevelWarn, events.PhaseMeasure, "baseline pagespeed audit failed: "+err.Error())
		} else {
			st.cp.PageSpeed = psi
			st.note(events.LevelInfo, events.PhaseMeasure,
				fmt.Sprintf("baseline pagespeed (%s) score %d", psi.Strategy, psi.Performance))
		}
	}

	st.cp.LastCompletedPhase = PhaseAnalyzing
	if err := c.checkpoint(ctx, st); err != nil {
		return "", err
	}
	if c.maxIterations(st) <= 0 {
		st.cp.FinalVerdict = advisor.VerdictIncomplete
		st.note(events.LevelInfo, events.PhaseMeasure, "iteration budget is zero, stopping after analysis")
		return PhaseComplete, nil
	}
	return PhasePlanning, nil
}

// stepPlan asks the advisor for the first settings patch.
func (c *Controller) stepPlan(ctx context.Context, st *runState) (Phase, error) {
	plan, err := c.advisor.Plan(ctx, advisor.PlanRequest{
		Origin:    st.cp.Origin,
		Inventory: st.cp.Inventory,
		PageSpeed: st.cp.PageSpeed,
		Current:   st.cp.CurrentSettings,
	})
	if err != nil {
		return "", err
	}
	st.cp.Plan = &plan
	st.cp.PendingPatch = settings.Merge(st.cp.PendingPatch, plan.SettingsPatch)
	if plan.Summary != "" {
		st.note(events.LevelInfo, events.PhaseMeasure, "plan: "+plan.Summary)
	}
	st.cp.LastCompletedPhase = PhasePlanning
	if err := c.checkpoint(ctx, st); err != nil {
		return "", err
	}
	return PhaseBuilding, nil
}

// stepBuild folds the pending patch into the site overrides, runs one
// pipeline build through the shared queue, and publishes the output to the
// edge. The site is re-read first so operator settings edits made during
// the run take effect on this iteration.
func (c *Controller) stepBuild(ctx context.Context, st *runState) (Phase, error) {
	site, err := c.store.GetSite(ctx, st.h.siteID)
	if err != nil {
		return "", err
	}
	defaults := settings.Defaults()
	merged := settings.Merge(site.Overrides, st.cp.PendingPatch)
	canonical := settings.Diff(defaults, settings.Resolve(defaults, merged))
	site.Overrides = canonical
	if err := c.store.UpsertSite(ctx, site); err != nil {
		return "", err
	}
	st.cp.CurrentSettings = settings.Resolve(c.layeredDefaults(), canonical)
	st.cp.PendingPatch = nil

	job := &queue.Job{
		SiteID:    st.h.siteID,
		Trigger:   queue.TriggerAgent,
		WorkDir:   st.run.WorkDir,
		Inventory: st.cp.Inventory,
		Effective: st.cp.CurrentSettings,
		Overrides: canonical,
	}
	if err := c.queue.Enqueue(job); err != nil {
		return "", err
	}
	st.cp.LastBuildID = job.ID
	st.note(events.LevelInfo, events.PhaseDeploy,
		fmt.Sprintf("build %s enqueued (iteration %d)", job.ID, st.cp.Iteration))
	c.rec.IncAgentIteration()

	// The timeout covers queue wait plus the build itself.
	timeout := time.Duration(settings.Int(st.cp.CurrentSettings, 30, "build", "pipelineTimeoutMin")) * time.Minute
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	done, err := c.queue.Await(waitCtx, job.ID)
	cancel()
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return "", pferrors.Wrap(err, pferrors.CategoryBuild, pferrors.SeverityFatal,
				"build timed out")
		}
		return "", err
	}
	if st.h.aborted() {
		// Stop arrived while the build ran; the output is discarded.
		return "", pferrors.RunAborted(st.h.runID)
	}
	switch done.Status {
	case queue.StatusSuccess:
	case queue.StatusCanceled:
		return "", pferrors.RunAborted(st.h.runID)
	default:
		var cause error
		if done.Error != "" {
			cause = errors.New(done.Error)
		}
		return "", pferrors.BuildFailed("pipeline", cause)
	}
	if done.Result == nil {
		return "", pferrors.InternalError("build succeeded without a result", nil)
	}
	st.cp.LastStats = &done.Result.Stats

	st.note(events.LevelInfo, events.PhaseDeploy, "publishing build "+job.ID)
	var edgeURL string
	err = retry.Do(ctx, c.pubRetry, func() error {
		var perr error
		edgeURL, perr = c.publisher.Publish(ctx, st.h.siteID, done.Result.OutputDir)
		return perr
	})
	if err != nil {
		return "", err
	}
	st.cp.EdgeURL = edgeURL
	c.recordEdge(ctx, st, edgeURL)
	st.note(events.LevelInfo, events.PhaseDeploy, "published to "+edgeURL)

	st.cp.LastCompletedPhase = PhaseBuilding
	if err := c.checkpoint(ctx, st); err != nil {
		return "", err
	}
	return PhaseVerifying, nil
}

// stepVerify waits for the edge to answer (fresh subdomains sit behind
// certificate provisioning) and runs the verification suite against it.
// The wait is informational: verification proceeds either way and reports
// the truth.
func (c *Controller) stepVerify(ctx context.Context, st *runState) (Phase, error) {
	if st.cp.EdgeURL == "" {
		return "", pferrors.ValidationError("no edge URL recorded for verification")
	}
	sslWait := time.Duration(settings.Int(st.cp.CurrentSettings, 120, "agent", "sslWaitSec")) * time.Second
	if err := publish.WaitReady(ctx, nil, st.cp.EdgeURL, 5*time.Second, sslWait); err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		st.note(events.LevelWarn, events.PhaseMeasure, "edge not confirmed ready: "+err.Error())
	}

	st.note(events.LevelInfo, events.PhaseMeasure, "verifying "+st.cp.EdgeURL)
	rep, err := c.verifier.Run(ctx, verify.Request{
		EdgeOrigin: st.cp.EdgeURL,
		WorkDir:    st.run.WorkDir,
		Inventory:  st.cp.Inventory,
		Effective:  st.cp.CurrentSettings,
	})
	if err != nil {
		return "", err
	}
	st.cp.LastReport = rep
	outcome := advisor.Outcome(st.cp.Iteration, true, rep, "")
	st.cp.History = append(st.cp.History, outcome)
	c.appendIteration(ctx, st)
	st.note(events.LevelInfo, events.PhaseMeasure,
		fmt.Sprintf("iteration %d verified: hardPass=%t softPass=%t perf=%d",
			st.cp.Iteration, rep.HardPass, rep.SoftPass, outcome.AvgPerformance))

	st.cp.LastCompletedPhase = PhaseVerifying
	if err := c.checkpoint(ctx, st); err != nil {
		return "", err
	}
	return PhaseReviewing, nil
}

// stepReview ends the run when the pass rule is met, otherwise asks the
// reviewer whether another iteration is worth the build. The reviewer sees
// the history of iterations before this one.
func (c *Controller) stepReview(ctx context.Context, st *runState) (Phase, error) {
	rep := st.cp.LastReport
	if rep != nil && rep.Pass() {
		st.cp.FinalVerdict = advisor.VerdictPass
		st.note(events.LevelInfo, events.PhaseMeasure,
			fmt.Sprintf("iteration %d met the pass rule", st.cp.Iteration))
		return PhaseComplete, nil
	}

	maxIter := c.maxIterations(st)
	prior := st.cp.History
	if n := len(prior); n > 0 && prior[n-1].Iteration == st.cp.Iteration {
		prior = prior[:n-1]
	}
	review, err := c.advisor.Review(ctx, advisor.ReviewRequest{
		Iteration:     st.cp.Iteration,
		MaxIterations: maxIter,
		Report:        rep,
		History:       prior,
		Current:       st.cp.CurrentSettings,
	})
	if err != nil {
		return "", err
	}
	verdict := review.Verdict
	if !advisor.KnownVerdict(verdict) {
		verdict = advisor.VerdictIncomplete
	}
	if review.Reasoning != "" {
		st.note(events.LevelInfo, events.PhaseMeasure, "review: "+review.Reasoning)
	}

	if !review.ShouldRebuild || st.cp.Iteration >= maxIter {
		st.cp.FinalVerdict = verdict
		if verdict == advisor.VerdictFailed {
			reason := review.Reasoning
			if reason == "" {
				reason = "reviewer judged the run failed"
			}
			st.run.LastError = reason
			return PhaseFailed, nil
		}
		return PhaseComplete, nil
	}

	st.cp.PendingPatch = settings.Merge(st.cp.PendingPatch, review.SettingChanges)
	st.cp.Iteration++
	st.cp.LastCompletedPhase = PhaseReviewing
	if err := c.checkpoint(ctx, st); err != nil {
		return "", err
	}
	st.note(events.LevelInfo, events.PhaseMeasure,
		fmt.Sprintf("rebuilding with revised settings (iteration %d)", st.cp.Iteration))
	return PhaseBuilding, nil
}

// recover handles a step error. Build and verify failures inside the
// iteration budget record the outcome, fall back to safer settings and try
// again; everything else ends the run. Shutdown, abort, store and daemon
// errors are never retried.
func (c *Controller) recover(ctx context.Context, st *runState, phase Phase, stepErr error) (Phase, error) {
	if ctx.Err() != nil || st.h.aborted() {
		return PhaseFailed, stepErr
	}
	for _, cat := range []pferrors.ErrorCategory{
		pferrors.CategoryAborted, pferrors.CategoryStore, pferrors.CategoryDaemon,
	} {
		if pferrors.IsCategory(stepErr, cat) {
			return PhaseFailed, stepErr
		}
	}
	if phase != PhaseBuilding && phase != PhaseVerifying {
		return PhaseFailed, stepErr
	}

	st.note(events.LevelWarn, events.PhaseDeploy,
		fmt.Sprintf("iteration %d failed: %v", st.cp.Iteration, stepErr))
	outcome := advisor.Outcome(st.cp.Iteration, phase != PhaseBuilding, nil, stepErr.Error())
	st.cp.History = append(st.cp.History, outcome)
	c.appendIteration(ctx, st)

	if st.cp.Iteration >= c.maxIterations(st) {
		return PhaseFailed, pferrors.Wrap(stepErr, pferrors.CategoryBuild, pferrors.SeverityFatal,
			"iteration budget exhausted")
	}

	st.cp.PendingPatch = settings.Merge(st.cp.PendingPatch, settings.SaferPatch())
	st.cp.Iteration++
	st.cp.LastCompletedPhase = PhaseReviewing
	if err := c.checkpoint(ctx, st); err != nil {
		return PhaseFailed, err
	}
	st.note(events.LevelInfo, events.PhaseDeploy,
		fmt.Sprintf("retrying with safer settings (iteration %d)", st.cp.Iteration))
	return PhaseBuilding, nil
}

// finalize persists the terminal state. It runs on a fresh context so a
// dead loop context cannot block the bookkeeping. The workspace is removed
// on success and retained on failure for resume; retained dirs age out
// through the workspace TTL sweep.
func (c *Controller) finalize(st *runState, terminal Phase, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if runErr != nil {
		st.run.LastError = runErr.Error()
		st.note(events.LevelError, events.PhaseDeploy, "run failed: "+runErr.Error())
		if st.cp.FinalVerdict == "" {
			if pferrors.IsCategory(runErr, pferrors.CategoryAborted) {
				st.cp.FinalVerdict = advisor.VerdictIncomplete
			} else {
				st.cp.FinalVerdict = advisor.VerdictFailed
			}
		}
	}
	if st.cp.FinalVerdict == "" {
		st.cp.FinalVerdict = advisor.VerdictIncomplete
	}

	st.cp.FinalReport = runMarkdown(st.cp)
	if err := writeReport(st.run.WorkDir, st.cp.FinalReport); err != nil {
		st.logger.Warn("run report not written", logfields.Error(err))
	}

	st.run.Status = StatusCompleted
	if terminal == PhaseFailed {
		st.run.Status = StatusFailed
	}
	st.run.Phase = string(terminal)
	if err := c.checkpoint(ctx, st); err != nil {
		st.logger.Error("final checkpoint failed", logfields.Error(err))
	}

	c.updateSiteState(ctx, st, terminal)
	c.publishState(st, terminal)

	if err := c.ws.Release(st.h.siteID, st.h.runID, terminal == PhaseComplete); err != nil {
		st.logger.Warn("workspace release failed", logfields.Error(err))
	}

	st.logger.Info("agent run finished",
		slog.String("status", st.run.Status),
		slog.String("verdict", string(st.cp.FinalVerdict)),
		logfields.Iteration(st.cp.Iteration))
}

// checkpoint flushes the run state to the store: the encoded checkpoint,
// the formatted log tail and the progress columns the status endpoint
// reads without decoding anything.
func (c *Controller) checkpoint(ctx context.Context, st *runState) error {
	st.cp.LogTail = st.tailLines()
	raw, err := st.cp.Encode()
	if err != nil {
		return err
	}
	st.run.Checkpoint = raw
	st.run.Iteration = st.cp.Iteration
	st.run.LogTail = st.cp.LogTail
	st.run.LastSuccessfulPhase = string(st.cp.LastCompletedPhase)
	return c.store.SaveRun(ctx, st.run)
}

// appendIteration records the newest history line in the store. Appends are
// best effort: a resume that replays a phase hits the once-per-iteration
// constraint, and the checkpoint already holds the same data.
func (c *Controller) appendIteration(ctx context.Context, st *runState) {
	n := len(st.cp.History)
	if n == 0 {
		return
	}
	outcome := st.cp.History[n-1]
	payload, err := json.Marshal(iterationPayload{Outcome: outcome, Settings: st.cp.CurrentSettings})
	if err == nil {
		err = c.store.AppendIteration(ctx, &store.IterationResult{
			RunID:     st.h.runID,
			Iteration: outcome.Iteration,
			BuildID:   st.cp.LastBuildID,
			EdgeURL:   st.cp.EdgeURL,
			Payload:   payload,
		})
	}
	if err != nil {
		st.logger.Warn("iteration append skipped",
			logfields.Iteration(outcome.Iteration), logfields.Error(err))
	}
}

// recordEdge stores the edge URL on the site. Best effort; the checkpoint
// already carries it.
func (c *Controller) recordEdge(ctx context.Context, st *runState, edgeURL string) {
	site, err := c.store.GetSite(ctx, st.h.siteID)
	if err == nil && site.EdgeURL != edgeURL {
		site.EdgeURL = edgeURL
		err = c.store.UpsertSite(ctx, site)
	}
	if err != nil {
		st.logger.Warn("edge URL not recorded", logfields.Error(err))
	}
}

// updateSiteState marks the site optimized or errored when the run ends.
func (c *Controller) updateSiteState(ctx context.Context, st *runState, terminal Phase) {
	site, err := c.store.GetSite(ctx, st.h.siteID)
	if err == nil {
		if terminal == PhaseComplete {
			site.State = "optimized"
		} else {
			site.State = "error"
		}
		err = c.store.UpsertSite(ctx, site)
	}
	if err != nil {
		st.logger.Warn("site state not updated", logfields.Error(err))
	}
}

// publishState emits the run's phase transition for SSE consumers.
func (c *Controller) publishState(st *runState, phase Phase) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(context.Background(), events.AgentStateChanged{
		SiteID:    st.h.siteID,
		RunID:     st.h.runID,
		State:     string(phase),
		Iteration: st.cp.Iteration,
		At:        time.Now().UTC(),
	})
}

func (c *Controller) maxIterations(st *runState) int {
	return settings.Int(st.cp.CurrentSettings, 10, "agent", "maxIterations")
}

// note records one agent log line in the tail ring and the daemon log.
func (st *runState) note(level, phase, msg string) {
	st.tail.Append(events.LogEvent{
		SiteID:    st.h.siteID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Phase:     phase,
		Message:   msg,
	})
	lvl := slog.LevelInfo
	switch level {
	case events.LevelDebug:
		lvl = slog.LevelDebug
	case events.LevelWarn:
		lvl = slog.LevelWarn
	case events.LevelError:
		lvl = slog.LevelError
	}
	st.logger.Log(context.Background(), lvl, msg, logfields.Phase(phase))
}

// tailLines renders the retained tail, oldest first, capped at
// logTailLines including lines restored from a previous checkpoint.
func (st *runState) tailLines() []string {
	recent := st.tail.Snapshot()
	lines := make([]string, 0, len(st.seed)+len(recent))
	lines = append(lines, st.seed...)
	for _, e := range recent {
		lines = append(lines, formatTailLine(e))
	}
	if len(lines) > logTailLines {
		lines = lines[len(lines)-logTailLines:]
	}
	return lines
}

func formatTailLine(e events.LogEvent) string {
	ts := e.Timestamp.UTC().Format(time.RFC3339)
	if e.Phase == "" {
		return fmt.Sprintf("%s %s %s", ts, e.Level, e.Message)
	}
	return fmt.Sprintf("%s %s [%s] %s", ts, e.Level, e.Phase, e.Message)
}

// mirrorBuildLogs copies this site's pipeline log events into the run tail
// so the checkpoint keeps build context alongside the agent's own lines.
func mirrorBuildLogs(st *runState, ch <-chan events.LogEvent) {
	for evt := range ch {
		if evt.SiteID == st.h.siteID {
			st.tail.Append(evt)
		}
	}
}

func (cp *Checkpoint) addTiming(phase Phase, d time.Duration) {
	if cp.PhaseTimings == nil {
		cp.PhaseTimings = make(map[string]int64)
	}
	cp.PhaseTimings[string(phase)] += d.Milliseconds()
}
