package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/pipeline"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBuilder records every Build call and can block until released, fail,
// or linger for a fixed delay.
type fakeBuilder struct {
	mu      sync.Mutex
	starts  []pipeline.Request
	running map[string]int
	peaks   map[string]int

	block chan struct{}
	delay time.Duration
	err   error
}

func (f *fakeBuilder) Build(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.mu.Lock()
	if f.running == nil {
		f.running = make(map[string]int)
		f.peaks = make(map[string]int)
	}
	f.starts = append(f.starts, req)
	f.running[req.SiteID]++
	if f.running[req.SiteID] > f.peaks[req.SiteID] {
		f.peaks[req.SiteID] = f.running[req.SiteID]
	}
	block := f.block
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running[req.SiteID]--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Result{OutputDir: "out/" + req.BuildID}, nil
}

func (f *fakeBuilder) siteStarts(site string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.starts {
		if r.SiteID == site {
			out = append(out, r.BuildID)
		}
	}
	return out
}

func (f *fakeBuilder) peak(site string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peaks[site]
}

func (f *fakeBuilder) request(id string) (pipeline.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.starts {
		if r.BuildID == id {
			return r, true
		}
	}
	return pipeline.Request{}, false
}

func awaitJob(t *testing.T, q *Queue, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	job, err := q.Await(ctx, id)
	require.NoError(t, err)
	return job
}

func TestEnqueueRunsJobToSuccess(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, unsub := events.Subscribe[events.BuildCompleted](bus, 4)
	defer unsub()

	b := &fakeBuilder{}
	q := New(4, 1, b, bus, nil, discardLogger())
	q.Start(t.Context())
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue(&Job{ID: "job-1", SiteID: "site-a", Trigger: TriggerAgent}))

	job := awaitJob(t, q, "job-1")
	assert.Equal(t, StatusSuccess, job.Status)
	require.NotNil(t, job.Result)
	assert.Equal(t, "out/job-1", job.Result.OutputDir)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)
	assert.Empty(t, job.Error)

	select {
	case evt := <-ch:
		assert.Equal(t, "job-1", evt.BuildID)
		assert.Equal(t, "site-a", evt.SiteID)
		assert.Equal(t, "success", evt.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event published")
	}

	hist := q.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "job-1", hist[0].ID)
}

func TestSameSiteJobsRunInOrder(t *testing.T) {
	b := &fakeBuilder{delay: 10 * time.Millisecond}
	q := New(10, 4, b, nil, nil, discardLogger())
	q.Start(t.Context())
	defer q.Stop(context.Background())

	ids := []string{"a1", "a2", "a3", "a4"}
	for _, id := range ids {
		require.NoError(t, q.Enqueue(&Job{ID: id, SiteID: "site-a"}))
	}
	require.NoError(t, q.Enqueue(&Job{ID: "b1", SiteID: "site-b"}))

	for _, id := range append(ids, "b1") {
		job := awaitJob(t, q, id)
		assert.Equal(t, StatusSuccess, job.Status, "job %s", id)
	}

	assert.Equal(t, ids, b.siteStarts("site-a"))
	assert.Equal(t, 1, b.peak("site-a"), "same-site jobs must never overlap")
}

func TestConflictingJobDeferredUntilSiteFrees(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBuilder{block: release}
	q := New(10, 2, b, nil, nil, discardLogger())
	q.Start(t.Context())
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue(&Job{ID: "first", SiteID: "site-a"}))
	require.Eventually(t, func() bool {
		return len(b.siteStarts("site-a")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, q.Enqueue(&Job{ID: "second", SiteID: "site-a"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"first"}, b.siteStarts("site-a"),
		"second job must wait while the first holds the site")

	snap, ok := q.JobSnapshot("second")
	require.True(t, ok)
	assert.Equal(t, StatusQueued, snap.Status)
	assert.Equal(t, 1, q.Length())

	close(release)
	job := awaitJob(t, q, "second")
	assert.Equal(t, StatusSuccess, job.Status)
	assert.Equal(t, []string{"first", "second"}, b.siteStarts("site-a"))
	assert.Equal(t, 1, b.peak("site-a"))
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	// Not started, so nothing drains.
	q := New(2, 1, &fakeBuilder{}, nil, nil, discardLogger())

	require.NoError(t, q.Enqueue(&Job{ID: "j1", SiteID: "s1"}))
	require.NoError(t, q.Enqueue(&Job{ID: "j2", SiteID: "s2"}))

	err := q.Enqueue(&Job{ID: "j3", SiteID: "s3"})
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryConflict))
	assert.Contains(t, err.Error(), "build queue is full")
	assert.Equal(t, 2, q.Length())
}

func TestEnqueueValidation(t *testing.T) {
	q := New(4, 1, &fakeBuilder{}, nil, nil, discardLogger())

	err := q.Enqueue(nil)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryValidation))

	err = q.Enqueue(&Job{ID: "no-site"})
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryValidation))

	require.NoError(t, q.Enqueue(&Job{ID: "dup", SiteID: "s"}))
	err = q.Enqueue(&Job{ID: "dup", SiteID: "s"})
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryValidation))

	job := &Job{SiteID: "s2"}
	require.NoError(t, q.Enqueue(job))
	assert.NotEmpty(t, job.ID, "missing ID should be generated")
	assert.Equal(t, TriggerManual, job.Trigger)
	assert.Equal(t, StatusQueued, job.Status)

	stopped := New(4, 1, &fakeBuilder{}, nil, nil, discardLogger())
	stopped.Stop(context.Background())
	err = stopped.Enqueue(&Job{SiteID: "s"})
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryDaemon))
}

func TestFailedBuildKeepsError(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch, unsub := events.Subscribe[events.BuildCompleted](bus, 4)
	defer unsub()

	b := &fakeBuilder{err: pferrors.BuildFailed("html", fmt.Errorf("rewrite exploded"))}
	q := New(4, 1, b, bus, nil, discardLogger())
	q.Start(t.Context())
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue(&Job{ID: "boom", SiteID: "site-a"}))
	job := awaitJob(t, q, "boom")
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "rewrite exploded")
	assert.Nil(t, job.Result)

	select {
	case evt := <-ch:
		assert.Equal(t, "failed", evt.Status)
		assert.NotEmpty(t, evt.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event published")
	}
}

func TestStopCancelsRunningJob(t *testing.T) {
	b := &fakeBuilder{block: make(chan struct{})} // never released
	q := New(4, 1, b, nil, nil, discardLogger())
	q.Start(t.Context())

	require.NoError(t, q.Enqueue(&Job{ID: "hung", SiteID: "site-a"}))
	require.Eventually(t, func() bool {
		return len(b.siteStarts("site-a")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	q.Stop(context.Background())

	snap, ok := q.JobSnapshot("hung")
	require.True(t, ok)
	assert.Equal(t, StatusCanceled, snap.Status)
	assert.NotEmpty(t, snap.Error)
}

func TestHistoryEvictsOldestJobs(t *testing.T) {
	b := &fakeBuilder{}
	q := New(10, 1, b, nil, nil, discardLogger())
	q.historySize = 2
	q.Start(t.Context())
	defer q.Stop(context.Background())

	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("h%d", i)
		require.NoError(t, q.Enqueue(&Job{ID: id, SiteID: "site-h"}))
		awaitJob(t, q, id)
	}

	hist := q.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "h3", hist[0].ID)
	assert.Equal(t, "h4", hist[1].ID)

	_, ok := q.JobSnapshot("h1")
	assert.False(t, ok, "evicted jobs leave the index")
	_, ok = q.JobSnapshot("h4")
	assert.True(t, ok)
}

func TestProgressMirroredFromPhaseEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	release := make(chan struct{})
	b := &fakeBuilder{block: release}
	q := New(4, 1, b, bus, nil, discardLogger())
	q.Start(t.Context())
	defer q.Stop(context.Background())

	require.NoError(t, q.Enqueue(&Job{ID: "prog", SiteID: "site-a"}))
	require.Eventually(t, func() bool {
		return len(b.siteStarts("site-a")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(t.Context(), events.PhaseEvent{
		SiteID: "site-a", BuildID: "prog", Phase: "html",
		PagesDone: 3, PagesTotal: 9, At: time.Now(),
	}))

	require.Eventually(t, func() bool {
		snap, ok := q.JobSnapshot("prog")
		return ok && snap.PagesDone == 3 && snap.PagesTotal == 9
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	awaitJob(t, q, "prog")
}

func TestEffectiveSettingsSnapshotIsDecoupled(t *testing.T) {
	b := &fakeBuilder{}
	q := New(4, 1, b, nil, nil, discardLogger())
	q.Start(t.Context())
	defer q.Stop(context.Background())

	eff := map[string]any{"css": map[string]any{"minify": true}}
	require.NoError(t, q.Enqueue(&Job{ID: "snap", SiteID: "s", Effective: eff}))

	// Simulate a settings edit landing after enqueue.
	eff["css"].(map[string]any)["minify"] = false

	awaitJob(t, q, "snap")
	req, ok := b.request("snap")
	require.True(t, ok)
	assert.True(t, settings.Bool(req.Effective, false, "css", "minify"),
		"build must see the settings as they were at enqueue time")
}

func TestAwaitUnknownJob(t *testing.T) {
	q := New(4, 1, &fakeBuilder{}, nil, nil, discardLogger())
	_, err := q.Await(t.Context(), "ghost")
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryNotFound))
}
