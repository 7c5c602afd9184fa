package workspace

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcfg "git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(appcfg.WorkspaceConfig{
		Root:       t.TempDir(),
		TTL:        "1h",
		GCInterval: "10m",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return m
}

func TestCreateRunLayout(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.CreateRun("Example.COM", "run-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.Root(), "example-com", "run-1"), dir)
	assert.DirExists(t, dir)

	_, err = m.CreateRun("", "run-1")
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryValidation))
}

func TestReleaseRemovesOnSuccess(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.CreateRun("site-1", "run-1")
	require.NoError(t, err)

	require.NoError(t, m.Release("site-1", "run-1", true))
	assert.NoDirExists(t, dir)
}

func TestSweepExpiresReleasedRuns(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.CreateRun("site-1", "run-1")
	require.NoError(t, err)
	require.NoError(t, m.Release("site-1", "run-1", false))

	assert.Zero(t, m.Sweep(time.Now()), "fresh directories survive the sweep")
	assert.DirExists(t, dir)

	removed := m.Sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, dir)

	// The emptied site directory goes with it.
	assert.NoDirExists(t, filepath.Join(m.Root(), "site-1"))
}

func TestSweepSkipsPinnedRuns(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.CreateRun("site-1", "run-live")
	require.NoError(t, err)

	assert.Zero(t, m.Sweep(time.Now().Add(24*time.Hour)))
	assert.DirExists(t, dir, "live runs are never collected")
}

func TestAdoptResumableRun(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.CreateRun("site-1", "run-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint.json"), []byte("{}"), 0o644))
	require.NoError(t, m.Release("site-1", "run-1", false))

	adopted, err := m.Adopt("site-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, dir, adopted)

	// Pinned again: a sweep far in the future must leave it alone.
	assert.Zero(t, m.Sweep(time.Now().Add(24*time.Hour)))
	assert.FileExists(t, filepath.Join(dir, "checkpoint.json"))
}

func TestAdoptExpiredRunFails(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateRun("site-1", "run-1")
	require.NoError(t, err)
	require.NoError(t, m.Release("site-1", "run-1", false))
	require.Equal(t, 1, m.Sweep(time.Now().Add(2*time.Hour)))

	_, err = m.Adopt("site-1", "run-1")
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryNotFound))
}

func TestSchedulerLifecycle(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Example.COM":          "example-com",
		"https://café.example": "https-cafe-example",
		"My Site 2":            "my-site-2",
		"0c9d2a6e":             "0c9d2a6e",
		"---":                  "site",
		"":                     "site",
		"trailing.dots...":     "trailing-dots",
		"Ünïcôde Sïte":         "unicode-site",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), "input %q", in)
	}
}
