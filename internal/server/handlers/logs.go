package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/queue"
	"git.home.luguber.info/inful/pageforge/internal/store"
)

// SSE event names on the build log stream.
const (
	eventPhase    = "phase"
	eventLog      = "log"
	eventComplete = "complete"
)

// BuildIndex answers whether a build is known to the in-memory queue. Builds
// are persisted when they start; the index covers the enqueue-to-start gap.
type BuildIndex interface {
	JobSnapshot(id string) (*queue.Job, bool)
}

// BuildLogHandlers streams per-build events over SSE: persisted events are
// replayed on connect, then live bus events follow until the build completes.
type BuildLogHandlers struct {
	store   store.Store
	queue   BuildIndex
	bus     *events.Bus
	adapter *pferrors.HTTPErrorAdapter
	logger  *slog.Logger

	heartbeat   time.Duration
	replayLimit int
}

// NewBuildLogHandlers creates a new build log handlers instance. The queue
// index may be nil when the server runs without an in-process queue.
func NewBuildLogHandlers(st store.Store, q BuildIndex, bus *events.Bus, adapter *pferrors.HTTPErrorAdapter, logger *slog.Logger) *BuildLogHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &BuildLogHandlers{
		store:       st,
		queue:       q,
		bus:         bus,
		adapter:     adapter,
		logger:      logger,
		heartbeat:   15 * time.Second,
		replayLimit: 500,
	}
}

// HandleBuildLogs serves GET /builds/{buildId}/logs as a server-sent event
// stream. Subscriptions are taken before the replay read, so an event racing
// the connect may arrive twice; a gap cannot.
func (h *BuildLogHandlers) HandleBuildLogs(w http.ResponseWriter, r *http.Request) {
	buildID := r.PathValue("buildId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.adapter.WriteErrorResponse(w, pferrors.New(pferrors.CategoryInternal, pferrors.SeverityError,
			"response writer does not support streaming"))
		return
	}

	ctx := r.Context()
	status, err := h.buildStatus(r)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}

	logCh, unsubLogs := events.SubscribeDropOldest[events.LogEvent](h.bus, 256)
	defer unsubLogs()
	phaseCh, unsubPhases := events.SubscribeDropOldest[events.PhaseEvent](h.bus, 64)
	defer unsubPhases()
	doneCh, unsubDone := events.SubscribeDropOldest[events.BuildCompleted](h.bus, 8)
	defer unsubDone()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if h.replay(ctx, w, buildID) {
		flusher.Flush()
		return
	}
	flusher.Flush()

	if isTerminalBuild(status) {
		// Terminal build whose complete row never landed; synthesize one so
		// clients do not wait on a build that already ended.
		h.send(w, flusher, eventComplete, events.BuildCompleted{
			BuildID: buildID, Status: status, At: time.Now().UTC(),
		})
		return
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-hb.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, open := <-logCh:
			if !open {
				return
			}
			if evt.BuildID != buildID {
				continue
			}
			h.send(w, flusher, eventLog, evt)
		case evt, open := <-phaseCh:
			if !open {
				return
			}
			if evt.BuildID != buildID {
				continue
			}
			h.send(w, flusher, eventPhase, evt)
		case evt, open := <-doneCh:
			if !open {
				return
			}
			if evt.BuildID != buildID {
				continue
			}
			h.send(w, flusher, eventComplete, evt)
			return
		}
	}
}

// buildStatus locates the build in the store or, failing that, the live
// queue, and returns its current status.
func (h *BuildLogHandlers) buildStatus(r *http.Request) (string, error) {
	buildID := r.PathValue("buildId")
	b, err := h.store.GetBuild(r.Context(), buildID)
	switch {
	case err == nil:
		return b.Status, nil
	case !pferrors.IsCategory(err, pferrors.CategoryNotFound):
		return "", err
	}
	if h.queue != nil {
		if job, live := h.queue.JobSnapshot(buildID); live {
			return string(job.Status), nil
		}
	}
	return "", pferrors.New(pferrors.CategoryNotFound, pferrors.SeverityWarning, "build not found").
		WithContext("build_id", buildID)
}

// replay writes the persisted event rows for the build and reports whether a
// complete event was among them.
func (h *BuildLogHandlers) replay(ctx context.Context, w io.Writer, buildID string) bool {
	rows, err := h.store.BuildEvents(ctx, buildID, h.replayLimit)
	if err != nil {
		h.logger.Warn("build event replay failed",
			logfields.BuildID(buildID), logfields.Error(err))
		return false
	}
	sawComplete := false
	for _, row := range rows {
		writeSSE(w, row.Type, row.Payload)
		if row.Type == eventComplete {
			sawComplete = true
		}
	}
	return sawComplete
}

func (h *BuildLogHandlers) send(w io.Writer, flusher http.Flusher, event string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Warn("SSE payload marshal failed", logfields.Error(err))
		return
	}
	writeSSE(w, event, b)
	flusher.Flush()
}

// writeSSE frames one event. Payloads are single-line JSON, so no data
// splitting is needed.
func writeSSE(w io.Writer, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func isTerminalBuild(status string) bool {
	switch queue.Status(status) {
	case queue.StatusSuccess, queue.StatusFailed, queue.StatusCanceled:
		return true
	}
	return false
}
