package daemon

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

// configWatcher reloads the daemon configuration when the file changes on
// disk. It watches the parent directory rather than the file itself:
// editors and config-map mounts replace files by rename, which would
// silently detach a direct file watch.
type configWatcher struct {
	path  string // absolute
	base  string
	apply func(*config.Config) error
	log   *slog.Logger

	// debounce absorbs editor write bursts (truncate, write, chmod) into
	// one reload.
	debounce time.Duration

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newConfigWatcher(path string, apply func(*config.Config) error, logger *slog.Logger) *configWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &configWatcher{
		path:     path,
		apply:    apply,
		log:      logger.With(slog.String("component", "config-watcher")),
		debounce: 2 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching. The config file itself may not exist yet; only
// the directory must.
func (cw *configWatcher) Start() error {
	abs, err := filepath.Abs(cw.path)
	if err != nil {
		return pferrors.WrapError(err, pferrors.CategoryConfig, "resolve config path")
	}
	cw.path = abs
	cw.base = filepath.Base(abs)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return pferrors.WrapError(err, pferrors.CategoryConfig, "create filesystem watcher")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return pferrors.WrapError(err, pferrors.CategoryConfig, "watch config directory")
	}
	cw.watcher = w

	cw.wg.Add(1)
	go cw.run()
	cw.log.Info("watching configuration for changes", logfields.Path(cw.path))
	return nil
}

// Stop detaches the watch and waits for the loop to exit.
func (cw *configWatcher) Stop() {
	if cw.watcher == nil {
		return
	}
	close(cw.stopCh)
	_ = cw.watcher.Close()
	cw.wg.Wait()
}

func (cw *configWatcher) run() {
	defer cw.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-cw.stopCh:
			return
		case evt, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(evt.Name) != cw.base {
				continue
			}
			switch {
			case evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0:
				if timer == nil {
					timer = time.NewTimer(cw.debounce)
					timerCh = timer.C
				} else {
					timer.Reset(cw.debounce)
				}
			case evt.Op&fsnotify.Remove != 0:
				cw.log.Warn("config file removed, keeping current configuration",
					logfields.Path(cw.path))
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn("config watcher error", logfields.Error(err))
		case <-timerCh:
			timer = nil
			timerCh = nil
			cw.reload()
		}
	}
}

// reload re-parses and re-validates the file, then hands it to the apply
// hook. A broken file never displaces the running configuration.
func (cw *configWatcher) reload() {
	cfg, err := config.Load(cw.path)
	if err != nil {
		cw.log.Error("config reload failed, keeping current configuration",
			logfields.Path(cw.path), logfields.Error(err))
		return
	}
	if err := cw.apply(cfg); err != nil {
		cw.log.Error("config reload rejected", logfields.Error(err))
		return
	}
	cw.log.Info("configuration reloaded", logfields.Path(cw.path))
}
