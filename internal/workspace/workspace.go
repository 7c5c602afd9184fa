package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	appcfg "git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

const (
	defaultTTL        = time.Hour
	defaultGCInterval = 10 * time.Minute
)

// Manager owns the run directory tree. All methods are safe for concurrent
// use.
type Manager struct {
	root    string
	ttl     time.Duration
	gcEvery time.Duration
	log     *slog.Logger

	scheduler gocron.Scheduler

	mu     sync.Mutex
	pinned map[string]struct{} // absolute run dirs owned by live runs
}

// NewManager builds the manager from configuration. Durations were already
// syntax-checked by config validation; empty fields fall back to one hour
// retention swept every ten minutes.
func NewManager(cfg appcfg.WorkspaceConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root := cfg.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "pageforge")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, pferrors.WorkspaceError("create root", err)
	}

	ttl := defaultTTL
	if cfg.TTL != "" {
		if d, err := time.ParseDuration(cfg.TTL); err == nil && d > 0 {
			ttl = d
		}
	}
	gcEvery := defaultGCInterval
	if cfg.GCInterval != "" {
		if d, err := time.ParseDuration(cfg.GCInterval); err == nil && d > 0 {
			gcEvery = d
		}
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, pferrors.WorkspaceError("create scheduler", err)
	}

	return &Manager{
		root:      root,
		ttl:       ttl,
		gcEvery:   gcEvery,
		log:       logger,
		scheduler: scheduler,
		pinned:    map[string]struct{}{},
	}, nil
}

// Root returns the directory all run workspaces live under.
func (m *Manager) Root() string { return m.root }

// TTL returns how long released directories stay resumable.
func (m *Manager) TTL() time.Duration { return m.ttl }

func (m *Manager) runDir(siteID, runID string) string {
	return filepath.Join(m.root, Slug(siteID), runID)
}

// CreateRun allocates and pins the working directory for a new run.
func (m *Manager) CreateRun(siteID, runID string) (string, error) {
	if siteID == "" || runID == "" {
		return "", pferrors.ValidationFailed("siteID/runID", "required")
	}
	dir := m.runDir(siteID, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", pferrors.WorkspaceError("create run dir", err)
	}
	m.pin(dir)
	m.log.Debug("created run workspace", logfields.SiteID(siteID), logfields.RunID(runID), logfields.Path(dir))
	return dir, nil
}

// Adopt re-pins the directory of a run being resumed. When the sweep already
// collected it the run can no longer continue; callers surface that as a
// conflict.
func (m *Manager) Adopt(siteID, runID string) (string, error) {
	if siteID == "" || runID == "" {
		return "", pferrors.ValidationFailed("siteID/runID", "required")
	}
	dir := m.runDir(siteID, runID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", pferrors.New(pferrors.CategoryNotFound, pferrors.SeverityWarning,
			"run workspace no longer exists").WithContext(logfields.KeyPath, dir)
	}
	m.pin(dir)
	m.log.Debug("adopted run workspace", logfields.SiteID(siteID), logfields.RunID(runID), logfields.Path(dir))
	return dir, nil
}

// Release unpins a run directory. With remove it is deleted immediately;
// otherwise it stays on disk for resume until the TTL sweep expires it.
func (m *Manager) Release(siteID, runID string, remove bool) error {
	dir := m.runDir(siteID, runID)
	m.unpin(dir)
	if !remove {
		// Freshen the mtime so the TTL countdown starts at release, not at
		// the last file write.
		now := time.Now()
		_ = os.Chtimes(dir, now, now)
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return pferrors.WorkspaceError("remove run dir", err)
	}
	m.log.Debug("removed run workspace", logfields.SiteID(siteID), logfields.RunID(runID))
	return nil
}

func (m *Manager) pin(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[dir] = struct{}{}
}

func (m *Manager) unpin(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pinned, dir)
}

func (m *Manager) isPinned(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pinned[dir]
	return ok
}

// Start schedules the periodic sweep.
func (m *Manager) Start() error {
	_, err := m.scheduler.NewJob(
		gocron.DurationJob(m.gcEvery),
		gocron.NewTask(func() { m.Sweep(time.Now()) }),
		gocron.WithName("workspace-gc"),
	)
	if err != nil {
		return pferrors.WorkspaceError("schedule gc", err)
	}
	m.scheduler.Start()
	m.log.Info("workspace gc scheduled",
		slog.Duration("interval", m.gcEvery), slog.Duration("ttl", m.ttl))
	return nil
}

// Stop shuts the sweep scheduler down.
func (m *Manager) Stop() error {
	return m.scheduler.Shutdown()
}

// Sweep removes unpinned run directories older than the TTL and returns how
// many it took. Site directories left empty are removed opportunistically.
func (m *Manager) Sweep(now time.Time) int {
	removed := 0
	sites, err := os.ReadDir(m.root)
	if err != nil {
		m.log.Warn("workspace sweep failed", logfields.Error(err))
		return 0
	}
	for _, site := range sites {
		if !site.IsDir() {
			continue
		}
		siteDir := filepath.Join(m.root, site.Name())
		runs, err := os.ReadDir(siteDir)
		if err != nil {
			continue
		}
		for _, run := range runs {
			if !run.IsDir() {
				continue
			}
			dir := filepath.Join(siteDir, run.Name())
			if m.isPinned(dir) {
				continue
			}
			info, err := run.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) <= m.ttl {
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				m.log.Warn("failed to remove expired run dir", logfields.Path(dir), logfields.Error(err))
				continue
			}
			removed++
			m.log.Info("expired run workspace removed", logfields.Path(dir))
		}
		// Fails while runs remain, which is exactly when we want to keep it.
		_ = os.Remove(siteDir)
	}
	if removed > 0 {
		m.log.Info("workspace sweep finished", slog.Int("removed", removed))
	}
	return removed
}
