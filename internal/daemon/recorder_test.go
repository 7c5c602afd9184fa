package daemon

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/queue"
	"git.home.luguber.info/inful/pageforge/internal/store"
)

type fakeJobIndex struct {
	jobs map[string]*queue.Job
}

func (f *fakeJobIndex) JobSnapshot(id string) (*queue.Job, bool) {
	j, ok := f.jobs[id]
	return j, ok
}

type recorderRig struct {
	rec   *buildRecorder
	store store.Store
	bus   *events.Bus
	jobs  *fakeJobIndex
}

func newRecorderRig(t *testing.T, jobs map[string]*queue.Job) *recorderRig {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	if jobs == nil {
		jobs = map[string]*queue.Job{}
	}
	idx := &fakeJobIndex{jobs: jobs}
	rec := newBuildRecorder(st, idx, bus, testLogger())
	rec.Start()
	t.Cleanup(rec.Wait)
	return &recorderRig{rec: rec, store: st, bus: bus, jobs: idx}
}

func (r *recorderRig) eventTypes(t *testing.T, buildID string) []string {
	t.Helper()
	rows, err := r.store.BuildEvents(t.Context(), buildID, 0)
	require.NoError(t, err)
	types := make([]string, len(rows))
	for i, row := range rows {
		types[i] = row.Type
	}
	return types
}

func TestRecorderPersistsBuildLifecycle(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	job := &queue.Job{
		ID:        "b1",
		SiteID:    "blog",
		Trigger:   queue.TriggerManual,
		Status:    queue.StatusRunning,
		Scope:     "full",
		CreatedAt: started,
	}
	rig := newRecorderRig(t, map[string]*queue.Job{"b1": job})
	ctx := t.Context()

	require.NoError(t, rig.bus.Publish(ctx, events.LogEvent{
		SiteID: "blog", BuildID: "b1",
		Timestamp: time.Now(), Level: events.LevelInfo,
		Phase: events.PhaseCSS, Message: "purging unused selectors",
	}))
	require.NoError(t, rig.bus.Publish(ctx, events.PhaseEvent{
		SiteID: "blog", BuildID: "b1",
		Phase: events.PhaseHTML, PagesDone: 2, PagesTotal: 4, At: time.Now(),
	}))

	// The row is materialized from the running snapshot on the first event.
	require.Eventually(t, func() bool {
		b, err := rig.store.GetBuild(ctx, "b1")
		return err == nil && b.Status == string(queue.StatusRunning)
	}, 2*time.Second, 10*time.Millisecond)

	finished := time.Now()
	job.Status = queue.StatusSuccess
	job.PagesDone = 4
	job.PagesTotal = 4
	job.FinishedAt = &finished
	require.NoError(t, rig.bus.Publish(ctx, events.BuildCompleted{
		SiteID: "blog", BuildID: "b1", Status: "success", At: finished,
	}))

	require.Eventually(t, func() bool {
		b, err := rig.store.GetBuild(ctx, "b1")
		return err == nil && b.Status == string(queue.StatusSuccess)
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"log", "phase", "complete"}, rig.eventTypes(t, "b1"))

	b, err := rig.store.GetBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "blog", b.SiteID)
	assert.Equal(t, string(queue.TriggerManual), b.Trigger)
	assert.Equal(t, 4, b.PagesDone)
	require.NotNil(t, b.FinishedAt)

	// Persisted payloads must decode back into the live event shape; the
	// SSE endpoint replays them verbatim.
	rows, err := rig.store.BuildEvents(ctx, "b1", 0)
	require.NoError(t, err)
	var logged events.LogEvent
	require.NoError(t, json.Unmarshal(rows[0].Payload, &logged))
	assert.Equal(t, "purging unused selectors", logged.Message)
	assert.Equal(t, events.PhaseCSS, logged.Phase)
}

func TestRecorderIgnoresEventsWithoutBuild(t *testing.T) {
	rig := newRecorderRig(t, map[string]*queue.Job{
		"b2": {ID: "b2", SiteID: "blog", Status: queue.StatusRunning, CreatedAt: time.Now()},
	})
	ctx := t.Context()

	// Agent notes emitted outside a build carry no build ID.
	require.NoError(t, rig.bus.Publish(ctx, events.LogEvent{
		SiteID: "blog", Timestamp: time.Now(),
		Level: events.LevelInfo, Phase: events.PhaseCrawl, Message: "crawling origin",
	}))
	require.NoError(t, rig.bus.Publish(ctx, events.LogEvent{
		SiteID: "blog", BuildID: "b2", Timestamp: time.Now(),
		Level: events.LevelInfo, Phase: events.PhaseCSS, Message: "sentinel",
	}))

	require.Eventually(t, func() bool {
		return len(rig.eventTypes(t, "b2")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	builds, err := rig.store.ListBuilds(ctx, "blog", 0)
	require.NoError(t, err)
	assert.Len(t, builds, 1, "the note without a build ID must not create rows")
}

func TestRecorderMaterializesCLIBuildFromCompletion(t *testing.T) {
	// One-shot builds bypass the queue entirely: no snapshot exists, so
	// the completion event itself is the record of truth.
	rig := newRecorderRig(t, nil)
	ctx := t.Context()
	finished := time.Now()

	require.NoError(t, rig.bus.Publish(ctx, events.LogEvent{
		SiteID: "docs", BuildID: "b3", Timestamp: time.Now(),
		Level: events.LevelError, Phase: events.PhaseImages, Message: "decode failed",
	}))
	require.NoError(t, rig.bus.Publish(ctx, events.BuildCompleted{
		SiteID: "docs", BuildID: "b3", Status: "failed",
		Error: "image transform failed", At: finished,
	}))

	require.Eventually(t, func() bool {
		_, err := rig.store.GetBuild(ctx, "b3")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"log", "complete"}, rig.eventTypes(t, "b3"))
	b, err := rig.store.GetBuild(ctx, "b3")
	require.NoError(t, err)
	assert.Equal(t, "failed", b.Status)
	assert.Equal(t, "image transform failed", b.Error)
	assert.Equal(t, "docs", b.SiteID)
}

func TestRecorderWaitFlushesBufferedEvents(t *testing.T) {
	job := &queue.Job{ID: "b4", SiteID: "blog", Status: queue.StatusRunning, CreatedAt: time.Now()}
	rig := newRecorderRig(t, map[string]*queue.Job{"b4": job})
	ctx := t.Context()

	for range 5 {
		require.NoError(t, rig.bus.Publish(ctx, events.LogEvent{
			SiteID: "blog", BuildID: "b4", Timestamp: time.Now(),
			Level: events.LevelInfo, Phase: events.PhaseJS, Message: "minified",
		}))
	}

	// Wait must drain everything already accepted by the subscriptions.
	rig.rec.Wait()

	rows, err := rig.store.BuildEvents(ctx, "b4", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}
