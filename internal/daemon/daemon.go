// Package daemon assembles the PageForge process: store, event bus, build
// queue and pipeline, headless browser, verification stack, planning
// advisor, edge publisher, workspace janitor, agent controller and the
// control-plane HTTP server. New wires everything, Start brings the pieces
// up in dependency order, Stop tears them down in reverse so in-flight
// work checkpoints before anything it needs goes away.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/pageforge/internal/advisor"
	"git.home.luguber.info/inful/pageforge/internal/agent"
	"git.home.luguber.info/inful/pageforge/internal/browser"
	"git.home.luguber.info/inful/pageforge/internal/config"
	"git.home.luguber.info/inful/pageforge/internal/crawl"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/metrics"
	"git.home.luguber.info/inful/pageforge/internal/observability"
	"git.home.luguber.info/inful/pageforge/internal/pipeline"
	"git.home.luguber.info/inful/pageforge/internal/publish"
	"git.home.luguber.info/inful/pageforge/internal/queue"
	"git.home.luguber.info/inful/pageforge/internal/server/httpserver"
	"git.home.luguber.info/inful/pageforge/internal/store"
	"git.home.luguber.info/inful/pageforge/internal/verify"
	"git.home.luguber.info/inful/pageforge/internal/workspace"
)

// Options carries process-level wiring that does not belong in the config
// file.
type Options struct {
	// Logger defaults to slog.Default(). Handlers installed through
	// observability.SetupLogging pick up level changes on config reload.
	Logger *slog.Logger
	// ConfigPath, when set, is watched for changes; reloadable fields
	// take effect in place, the rest log a restart-required warning.
	ConfigPath string
}

// Daemon owns every long-lived component of a serve-mode process.
type Daemon struct {
	logger *slog.Logger

	mu      sync.Mutex
	cfg     *config.Config
	started bool

	store     store.Store
	bus       *events.Bus
	registry  *prometheus.Registry
	rec       metrics.Recorder
	browser   *browser.Manager
	ws        *workspace.Manager
	queue     *queue.Queue
	agent     *agent.Controller
	server    *httpserver.Server
	recorder  *buildRecorder
	watcher   *configWatcher
	linkCache *verify.NATSLinkCache
	localPub  *publish.Local
}

// New wires a daemon from a loaded configuration. The context bounds
// client construction (the Gemini advisor dials out); it does not govern
// the daemon's lifetime, Start's context does.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, pferrors.ValidationError("config is required")
	}
	if err := config.ValidateDaemon(cfg); err != nil {
		return nil, pferrors.WrapError(err, pferrors.CategoryConfig, "daemon configuration rejected")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	d := &Daemon{logger: logger, cfg: cfg, store: st}
	ok := false
	defer func() {
		if !ok {
			d.closeQuietly()
		}
	}()

	d.bus = events.NewBus()
	d.registry = prometheus.NewRegistry()
	d.rec = metrics.NewPrometheusRecorder(d.registry)
	d.browser = browser.NewManager(browserConfig(cfg.Browser), logger)

	d.ws, err = workspace.NewManager(cfg.Workspace, logger)
	if err != nil {
		return nil, err
	}

	orch := pipeline.New(logger, d.rec, d.bus, nil)
	d.queue = queue.New(cfg.Build.QueueSize, cfg.Build.Workers, orch, d.bus, d.rec, logger)

	crawler := crawl.New(d.browser, logger, d.rec)

	var cache verify.LinkCache
	if lc := cfg.LinkCache; lc != nil && lc.NATSURL != "" {
		ttlOK, _ := time.ParseDuration(lc.CacheTTL)
		ttlFail, _ := time.ParseDuration(lc.FailureTTL)
		natsCache, cerr := verify.NewNATSLinkCache(lc.NATSURL, lc.KVBucket, ttlOK, ttlFail, logger)
		if cerr != nil {
			// The cache only saves probe traffic; a dead NATS must not
			// keep the daemon down.
			logger.Warn("link cache unavailable, probing uncached", logfields.Error(cerr))
		} else {
			d.linkCache = natsCache
			cache = natsCache
		}
	}
	prober := verify.NewLinkProber(nil, cache, 0, logger)

	var psi *verify.PageSpeedClient
	if cfg.PageSpeed.APIKey != "" {
		psi = verify.NewPageSpeedClient(nil, cfg.PageSpeed.APIKey, logger)
	}
	verifier := verify.New(logger, d.rec, d.browser, prober, psi)

	adv, err := advisor.FromConfig(ctx, cfg.Advisor, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := d.newPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}

	deps := agent.Deps{
		Store:        st,
		Queue:        d.queue,
		Workspace:    d.ws,
		Crawler:      crawler,
		Verifier:     verifier,
		Advisor:      adv,
		Publisher:    publisher,
		Bus:          d.bus,
		Recorder:     d.rec,
		Logger:       logger,
		BaseSettings: cfg.Settings,
	}
	if psi != nil {
		deps.PageSpeed = psi
	}
	d.agent, err = agent.NewController(deps)
	if err != nil {
		return nil, err
	}

	d.recorder = newBuildRecorder(st, d.queue, d.bus, logger)

	d.server = httpserver.New(cfg, httpserver.Deps{
		Store:   st,
		Agent:   d.agent,
		Queue:   d.queue,
		Bus:     d.bus,
		Metrics: metrics.HTTPHandler(d.registry),
		Logger:  logger,
	})

	if opts.ConfigPath != "" {
		d.watcher = newConfigWatcher(opts.ConfigPath, d.applyConfig, logger)
	}

	ok = true
	return d, nil
}

// newPublisher picks the edge target: the git publisher when a publish
// section is configured, loopback serving of the latest copy otherwise.
// Staging and serving directories live next to the store so they survive
// restarts, unlike workspace run dirs which the janitor sweeps.
func (d *Daemon) newPublisher(cfg *config.Config, logger *slog.Logger) (publish.Publisher, error) {
	dataDir := filepath.Dir(cfg.Store.Path)
	if cfg.Publish != nil {
		return publish.NewGit(*cfg.Publish, filepath.Join(dataDir, "publish-staging"), logger)
	}
	local := publish.NewLocal(filepath.Join(dataDir, "local-edge"), logger)
	d.localPub = local
	return local, nil
}

func browserConfig(cfg config.BrowserConfig) browser.Config {
	return browser.Config{
		Headful:        cfg.Headful,
		BinPath:        cfg.BinPath,
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
		UserAgent:      cfg.UserAgent,
	}
}

// Start brings the daemon up: workspace janitor, event recorder, build
// workers, agent controller, HTTP listener, config watcher. Canceling ctx
// has the same effect as Stop on the workers and live runs; callers should
// still Stop to flush persistence and release the listener.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return pferrors.DaemonError("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if err := d.ws.Start(); err != nil {
		return err
	}
	d.recorder.Start()
	d.queue.Start(ctx)
	if err := d.agent.Start(ctx); err != nil {
		return err
	}
	if err := d.server.Start(ctx); err != nil {
		return err
	}
	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			// Reload is a convenience; the daemon runs fine without it.
			d.logger.Warn("config watcher failed to start", logfields.Error(err))
			d.watcher = nil
		}
	}
	d.logger.Info("daemon started", slog.String("addr", d.server.Addr()))
	return nil
}

// Stop tears the daemon down in reverse order: close intake first (HTTP),
// checkpoint agent runs, cancel builds, then close the bus and wait for
// the recorder to finish persisting before the store goes away.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	var errs []error
	if d.watcher != nil {
		d.watcher.Stop()
	}
	if err := d.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	d.agent.Stop()
	d.queue.Stop(ctx)
	d.bus.Close()
	d.recorder.Wait()
	if err := d.ws.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := d.browser.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if d.localPub != nil {
		if err := d.localPub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.linkCache != nil {
		if err := d.linkCache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.store.Close(); err != nil {
		errs = append(errs, err)
	}
	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}

// Addr returns the control plane's bound address once Start has returned.
func (d *Daemon) Addr() string { return d.server.Addr() }

// Agent exposes the run controller for one-shot CLI use.
func (d *Daemon) Agent() *agent.Controller { return d.agent }

// Store exposes the persistence layer for one-shot CLI use.
func (d *Daemon) Store() store.Store { return d.store }

// closeQuietly releases the resources New had already acquired when a
// later construction step fails.
func (d *Daemon) closeQuietly() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.linkCache != nil {
		_ = d.linkCache.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// applyConfig is the reload hook. Log level and instance-wide settings
// overrides take effect immediately; structural changes are logged as
// restart-required so operators see that the running process diverges
// from the file.
func (d *Daemon) applyConfig(next *config.Config) error {
	d.mu.Lock()
	prev := d.cfg
	d.cfg = next
	d.mu.Unlock()

	for _, field := range restartRequired(prev, next) {
		d.logger.Warn("config change needs a restart to take effect", slog.String("section", field))
	}

	if next.Logging.Level != prev.Logging.Level {
		observability.SetLogLevel(string(next.Logging.Level))
		d.logger.Info("log level updated", slog.String("level", string(next.Logging.Level)))
	}
	if next.Logging.Format != prev.Logging.Format {
		d.logger.Warn("config change needs a restart to take effect", slog.String("section", "logging.format"))
	}
	if !reflect.DeepEqual(prev.Settings, next.Settings) {
		d.agent.SetBaseSettings(next.Settings)
		d.logger.Info("instance settings overrides updated")
	}
	return nil
}

// restartRequired reports config sections whose components are wired once
// at construction.
func restartRequired(prev, next *config.Config) []string {
	var fields []string
	if prev.Server != next.Server {
		fields = append(fields, "server")
	}
	if prev.Store != next.Store {
		fields = append(fields, "store")
	}
	if prev.Workspace != next.Workspace {
		fields = append(fields, "workspace")
	}
	if prev.Build != next.Build {
		fields = append(fields, "build")
	}
	if prev.Browser != next.Browser {
		fields = append(fields, "browser")
	}
	if !equalSection(prev.LinkCache, next.LinkCache) {
		fields = append(fields, "link_cache")
	}
	if prev.PageSpeed != next.PageSpeed {
		fields = append(fields, "pagespeed")
	}
	if prev.Advisor != next.Advisor {
		fields = append(fields, "advisor")
	}
	if !equalSection(prev.Publish, next.Publish) {
		fields = append(fields, "publish")
	}
	return fields
}

func equalSection[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
