package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSiteRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	site := &Site{
		Origin:    "https://example.com",
		Overrides: map[string]any{"css": map[string]any{"purge": true}},
	}
	require.NoError(t, s.UpsertSite(ctx, site))
	assert.NotEmpty(t, site.ID, "missing ID should be generated")
	assert.Equal(t, "active", site.State)

	got, err := s.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", got.Origin)
	assert.Equal(t, true, got.Overrides["css"].(map[string]any)["purge"])
	assert.Empty(t, got.EdgeURL)

	site.EdgeURL = "https://example.pages.dev"
	site.Overrides = nil
	require.NoError(t, s.UpsertSite(ctx, site))

	got, err = s.GetSite(ctx, site.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.pages.dev", got.EdgeURL)
	assert.Nil(t, got.Overrides)

	sites, err := s.ListSites(ctx)
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, site.ID, sites[0].ID)
}

func TestGetSiteNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSite(t.Context(), "nope")
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryNotFound))
}

func TestBuildLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	build := &Build{
		ID:      "b-1",
		SiteID:  "site-a",
		Trigger: "agent",
		Status:  "queued",
		Effective: map[string]any{
			"images": map[string]any{"quality": float64(82)},
		},
	}
	require.NoError(t, s.SaveBuild(ctx, build))

	finished := time.Now()
	build.Status = "success"
	build.PagesDone = 12
	build.PagesTotal = 12
	build.EdgeURL = "https://site-a.pages.dev"
	build.FinishedAt = &finished
	require.NoError(t, s.SaveBuild(ctx, build))

	got, err := s.GetBuild(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "success", got.Status)
	assert.Equal(t, "agent", got.Trigger)
	assert.Equal(t, 12, got.PagesDone)
	require.NotNil(t, got.FinishedAt)
	assert.WithinDuration(t, finished, *got.FinishedAt, time.Second)
	assert.Equal(t, float64(82), got.Effective["images"].(map[string]any)["quality"])

	_, err = s.GetBuild(ctx, "missing")
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryNotFound))
}

func TestListBuildsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	base := time.Now().Add(-time.Hour)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.SaveBuild(ctx, &Build{
			ID:        fmt.Sprintf("b-%d", i),
			SiteID:    "site-a",
			Trigger:   "manual",
			Status:    "success",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.SaveBuild(ctx, &Build{
		ID: "other", SiteID: "site-b", Trigger: "manual", Status: "failed",
	}))

	builds, err := s.ListBuilds(ctx, "site-a", 2)
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, "b-3", builds[0].ID)
	assert.Equal(t, "b-2", builds[1].ID)

	all, err := s.ListBuilds(ctx, "site-a", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRunCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	checkpoint := []byte(`{"lastCompletedPhase":"building","iteration":2}`)
	run := &AgentRun{
		ID:         "run-1",
		SiteID:     "site-a",
		Status:     "running",
		Phase:      "verifying",
		Iteration:  2,
		WorkDir:    "/tmp/pf/run-1",
		Checkpoint: checkpoint,
		LogTail:    []string{"crawl done", "build 2 started"},
	}
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint, got.Checkpoint)
	assert.Equal(t, []string{"crawl done", "build 2 started"}, got.LogTail)
	assert.Equal(t, "verifying", got.Phase)

	active, err := s.ActiveRun(ctx, "site-a")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "run-1", active.ID)

	run.Status = "completed"
	run.Phase = ""
	require.NoError(t, s.SaveRun(ctx, run))

	active, err = s.ActiveRun(ctx, "site-a")
	require.NoError(t, err)
	assert.Nil(t, active, "completed runs are not active")

	runs, err := s.ListRuns(ctx, "site-a", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
}

func TestAppendIterationIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	res := &IterationResult{
		RunID:     "run-1",
		Iteration: 1,
		BuildID:   "b-1",
		EdgeURL:   "https://site.pages.dev",
		Payload:   []byte(`{"hardPass":false}`),
	}
	require.NoError(t, s.AppendIteration(ctx, res))

	err := s.AppendIteration(ctx, res)
	require.Error(t, err, "an iteration can be appended exactly once")
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryStore))

	require.NoError(t, s.AppendIteration(ctx, &IterationResult{
		RunID: "run-1", Iteration: 2, Payload: []byte(`{"hardPass":true}`),
	}))

	results, err := s.ListIterations(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Iteration)
	assert.Equal(t, 2, results[1].Iteration)
	assert.Equal(t, []byte(`{"hardPass":false}`), results[0].Payload)
}

func TestBuildEventsTail(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for i := 1; i <= 5; i++ {
		payload := fmt.Appendf(nil, `{"seq":%d}`, i)
		require.NoError(t, s.AppendBuildEvent(ctx, "b-1", "phase", payload))
	}
	require.NoError(t, s.AppendBuildEvent(ctx, "b-2", "phase", nil))

	tail, err := s.BuildEvents(ctx, "b-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, []byte(`{"seq":3}`), tail[0].Payload)
	assert.Equal(t, []byte(`{"seq":5}`), tail[2].Payload)
	assert.Less(t, tail[0].ID, tail[2].ID, "tail stays in append order")

	all, err := s.BuildEvents(ctx, "b-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
