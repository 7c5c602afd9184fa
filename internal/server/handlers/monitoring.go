package handlers

import (
	"net/http"
	"time"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/server/responses"
	"git.home.luguber.info/inful/pageforge/internal/version"
)

// HealthSource reports live queue load for the health endpoint.
type HealthSource interface {
	ActiveBuilds() int
	QueuedBuilds() int
}

// MonitoringHandlers contains the health check and metrics endpoints.
type MonitoringHandlers struct {
	health  HealthSource
	metrics http.Handler
	adapter *pferrors.HTTPErrorAdapter
	start   time.Time
}

// NewMonitoringHandlers creates a new monitoring handlers instance. Both the
// health source and the metrics handler may be nil.
func NewMonitoringHandlers(health HealthSource, metrics http.Handler, adapter *pferrors.HTTPErrorAdapter) *MonitoringHandlers {
	return &MonitoringHandlers{
		health:  health,
		metrics: metrics,
		adapter: adapter,
		start:   time.Now(),
	}
}

// HandleHealthCheck handles the health check endpoint.
func (h *MonitoringHandlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &responses.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   version.Version,
		Uptime:    time.Since(h.start).Seconds(),
	}
	if h.health != nil {
		health.ActiveJobs = h.health.ActiveBuilds()
		health.QueueLength = h.health.QueuedBuilds()
	}

	if err := writeJSONPretty(w, r, http.StatusOK, health); err != nil {
		h.adapter.WriteErrorResponse(w,
			pferrors.WrapError(err, pferrors.CategoryInternal, "failed to write health response"))
	}
}

// HandleMetrics serves the Prometheus exposition endpoint.
func (h *MonitoringHandlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		h.adapter.WriteErrorResponse(w, pferrors.New(pferrors.CategoryNotFound, pferrors.SeverityInfo,
			"metrics are not enabled"))
		return
	}
	h.metrics.ServeHTTP(w, r)
}
