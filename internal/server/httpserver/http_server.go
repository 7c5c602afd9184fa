// Package httpserver wires the PageForge control plane: one HTTP server
// carrying the site, settings, agent and build-log endpoints plus the
// unauthenticated health and metrics probes.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/queue"
	"git.home.luguber.info/inful/pageforge/internal/server/handlers"
	smw "git.home.luguber.info/inful/pageforge/internal/server/middleware"
	"git.home.luguber.info/inful/pageforge/internal/store"
)

// Deps carries the collaborators the server exposes over HTTP. Queue, Bus and
// Metrics may be nil; the corresponding endpoints degrade gracefully.
type Deps struct {
	Store   store.Store
	Agent   handlers.AgentService
	Queue   *queue.Queue
	Bus     *events.Bus
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server manages the control-plane HTTP endpoint.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	errorAdapter *pferrors.HTTPErrorAdapter
	httpServer   *http.Server
	ln           net.Listener

	// Handler modules
	siteHandlers       *handlers.SiteHandlers
	agentHandlers      *handlers.AgentHandlers
	logHandlers        *handlers.BuildLogHandlers
	monitoringHandlers *handlers.MonitoringHandlers

	// middleware chain
	mchain func(http.Handler) http.Handler
}

// New constructs a new HTTP server wiring instance.
func New(cfg *config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		errorAdapter: pferrors.NewHTTPErrorAdapter(logger),
	}

	var idx handlers.BuildIndex
	var health handlers.HealthSource
	if deps.Queue != nil {
		idx = deps.Queue
		health = queueHealth{q: deps.Queue}
	}

	// Initialize handler modules
	s.siteHandlers = handlers.NewSiteHandlers(deps.Store, s.errorAdapter, logger)
	s.agentHandlers = handlers.NewAgentHandlers(deps.Agent, s.errorAdapter)
	s.logHandlers = handlers.NewBuildLogHandlers(deps.Store, idx, deps.Bus, s.errorAdapter, logger)
	s.monitoringHandlers = handlers.NewMonitoringHandlers(health, deps.Metrics, s.errorAdapter)

	// Initialize middleware chain
	s.mchain = smw.Chain(logger, s.errorAdapter)

	if cfg.Server.MasterKey == "" {
		logger.Warn("control plane running without master key authentication")
	}

	return s
}

// queueHealth adapts the build queue to the health endpoint.
type queueHealth struct {
	q *queue.Queue
}

func (h queueHealth) ActiveBuilds() int { return len(h.q.ActiveJobs()) }
func (h queueHealth) QueuedBuilds() int { return h.q.Length() }

// Handler returns the full route tree wrapped in the middleware chain.
// Exposed for tests; Start uses it for the real listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Probes stay outside authentication: Kubernetes and Prometheus do not
	// send custom headers.
	mux.HandleFunc("GET "+s.cfg.Server.HealthPath, s.monitoringHandlers.HandleHealthCheck)
	mux.HandleFunc("GET "+s.cfg.Server.MetricsPath, s.monitoringHandlers.HandleMetrics)

	api := http.NewServeMux()
	api.HandleFunc("GET /sites", s.siteHandlers.HandleListSites)
	api.HandleFunc("PUT /sites/{id}", s.siteHandlers.HandleRegisterSite)
	api.HandleFunc("GET /sites/{id}", s.siteHandlers.HandleGetSite)
	api.HandleFunc("GET /sites/{id}/settings", s.siteHandlers.HandleGetSettings)
	api.HandleFunc("PUT /sites/{id}/settings", s.siteHandlers.HandlePutSettings)
	api.HandleFunc("DELETE /sites/{id}/settings", s.siteHandlers.HandleDeleteSettings)
	api.HandleFunc("GET /sites/{id}/settings/diff", s.siteHandlers.HandleSettingsDiff)
	api.HandleFunc("GET /sites/{id}/builds", s.siteHandlers.HandleListBuilds)
	api.HandleFunc("POST /sites/{id}/agent", s.agentHandlers.HandleStartRun)
	api.HandleFunc("GET /sites/{id}/agent", s.agentHandlers.HandleRunStatus)
	api.HandleFunc("POST /sites/{id}/agent/{runId}/resume", s.agentHandlers.HandleResumeRun)
	api.HandleFunc("POST /sites/{id}/agent/{runId}/stop", s.agentHandlers.HandleStopRun)
	api.HandleFunc("GET /builds/{buildId}/logs", s.logHandlers.HandleBuildLogs)
	api.HandleFunc("/", s.handleNotFound)

	auth := smw.MasterKey(s.cfg.Server.MasterKey, s.errorAdapter)
	mux.Handle("/sites", auth(api))
	mux.Handle("/sites/", auth(api))
	mux.Handle("/builds/", auth(api))
	mux.HandleFunc("/", s.handleNotFound)

	return s.mchain(mux)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.errorAdapter.WriteErrorResponse(w, pferrors.New(
		pferrors.CategoryNotFound, pferrors.SeverityInfo, "no such endpoint").
		WithContext("path", r.URL.Path))
}

// Start binds the listen address and serves in the background. Binding before
// returning surfaces an occupied port immediately instead of from a goroutine
// log line.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.Listen)
	if err != nil {
		return pferrors.Wrap(err, pferrors.CategoryDaemon, pferrors.SeverityFatal,
			"control plane bind failed").WithContext("addr", s.cfg.Server.Listen)
	}
	s.ln = ln

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: the build log stream stays open for the whole build.
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control plane server error", logfields.Error(err))
		}
	}()

	s.logger.Info("control plane listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop gracefully shuts the server down. Connections that outlive the grace
// period, typically open SSE streams, are cut.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
		return pferrors.Wrap(err, pferrors.CategoryDaemon, pferrors.SeverityError,
			"control plane shutdown")
	}
	s.logger.Info("control plane stopped")
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
