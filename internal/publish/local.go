package publish

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

// Local serves published copies from loopback listeners, one per site so
// root-relative links resolve without a path prefix. It backs runs without a
// configured edge remote: verification probes the local copy directly.
type Local struct {
	root string
	log  *slog.Logger

	mu    sync.Mutex
	sites map[string]*localSite
}

type localSite struct {
	url    string
	server *http.Server
}

var _ Publisher = (*Local)(nil)

func NewLocal(root string, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{root: root, log: logger, sites: map[string]*localSite{}}
}

// Publish syncs outputDir into the serving directory and returns the
// loopback URL. The listener is created on first publish and reused after,
// so the URL stays stable across iterations of one process.
func (l *Local) Publish(_ context.Context, siteID, outputDir string) (string, error) {
	if siteID == "" {
		return "", pferrors.ValidationFailed("siteID", "required")
	}
	info, err := os.Stat(outputDir)
	if err != nil || !info.IsDir() {
		return "", pferrors.ValidationFailed("outputDir", "must be an existing directory")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Join(l.root, siteID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", pferrors.PublishError("local", err)
	}
	if err := syncTree(outputDir, dir); err != nil {
		return "", pferrors.PublishError("local", err)
	}

	if site, ok := l.sites[siteID]; ok {
		return site.url, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", pferrors.PublishError("local", err)
	}
	srv := &http.Server{
		Handler:           http.FileServer(http.Dir(dir)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if serr := srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			l.log.Warn("local edge stopped", logfields.SiteID(siteID), logfields.Error(serr))
		}
	}()

	url := "http://" + ln.Addr().String()
	l.sites[siteID] = &localSite{url: url, server: srv}
	l.log.Info("serving local copy", logfields.SiteID(siteID), logfields.URL(url))
	return url, nil
}

// Close shuts down every loopback listener.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var firstErr error
	for id, site := range l.sites {
		if err := site.server.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.sites, id)
	}
	return firstErr
}
