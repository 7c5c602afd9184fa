package daemon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testDaemonConfig returns a fully defaulted config pointed at temp
// storage, with the heuristic advisor so nothing dials out.
func testDaemonConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)

	dir := t.TempDir()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.MasterKey = "test-master-key"
	cfg.Store.Path = filepath.Join(dir, "pageforge.db")
	cfg.Workspace.Root = filepath.Join(dir, "work")
	cfg.Advisor.Provider = config.AdvisorHeuristic
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testDaemonConfig(t)
	d, err := New(t.Context(), cfg, Options{Logger: testLogger()})
	require.NoError(t, err)

	require.NoError(t, d.Start(t.Context()))
	stopped := false
	defer func() {
		if !stopped {
			_ = d.Stop(context.Background())
		}
	}()

	addr := d.Addr()
	require.NotEmpty(t, addr)

	// The health probe answers without authentication.
	resp, err := http.Get("http://" + addr + cfg.Server.HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// An authenticated route proves store, handlers and middleware are
	// wired through.
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://"+addr+"/sites", nil)
	require.NoError(t, err)
	req.Header.Set("X-PageForge-Key", cfg.Server.MasterKey)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	stopped = true

	// A second Stop is a no-op.
	require.NoError(t, d.Stop(ctx))
}

func TestDaemonRejectsConfigWithoutMasterKey(t *testing.T) {
	cfg := testDaemonConfig(t)
	cfg.Server.MasterKey = ""

	_, err := New(t.Context(), cfg, Options{Logger: testLogger()})
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryConfig))
}

func TestDaemonApplyConfigSwapsReloadableFields(t *testing.T) {
	cfg := testDaemonConfig(t)
	d, err := New(t.Context(), cfg, Options{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(d.closeQuietly)

	next, err := config.Default()
	require.NoError(t, err)
	next.Server = cfg.Server
	next.Store = cfg.Store
	next.Workspace = cfg.Workspace
	next.Advisor = cfg.Advisor
	next.Logging.Level = config.LogLevelDebug
	next.Settings = map[string]any{
		"images": map[string]any{"convertToAvif": true},
	}

	require.NoError(t, d.applyConfig(next))

	d.mu.Lock()
	current := d.cfg
	d.mu.Unlock()
	assert.Same(t, next, current)
}

func TestRestartRequiredSections(t *testing.T) {
	base := func() *config.Config {
		cfg, err := config.Default()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{
			name:   "identical",
			mutate: func(*config.Config) {},
			want:   nil,
		},
		{
			name:   "listen address",
			mutate: func(c *config.Config) { c.Server.Listen = ":9090" },
			want:   []string{"server"},
		},
		{
			name:   "browser viewport",
			mutate: func(c *config.Config) { c.Browser.ViewportWidth = 390 },
			want:   []string{"browser"},
		},
		{
			name: "publish section added",
			mutate: func(c *config.Config) {
				c.Publish = &config.PublishConfig{Remote: "https://edge.example.net/sites.git"}
			},
			want: []string{"publish"},
		},
		{
			name: "queue tuning and store path",
			mutate: func(c *config.Config) {
				c.Build.Workers = 8
				c.Store.Path = "/var/lib/pageforge/pageforge.db"
			},
			want: []string{"store", "build"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := base()
			next := base()
			tt.mutate(next)
			assert.Equal(t, tt.want, restartRequired(prev, next))
		})
	}
}
