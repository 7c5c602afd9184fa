// Package responses defines the JSON response types of the PageForge control plane.
package responses

import "time"

// SettingsResponse pairs a site's effective settings with the shipped defaults.
type SettingsResponse struct {
	Settings map[string]any `json:"settings"`
	Defaults map[string]any `json:"defaults"`
}

// SettingsDiffResponse is the canonical override tree and its leaf count.
type SettingsDiffResponse struct {
	Diff          map[string]any `json:"diff"`
	OverrideCount int            `json:"overrideCount"`
}

// SiteResponse is the API view of a registered site.
type SiteResponse struct {
	ID            string    `json:"id"`
	Origin        string    `json:"origin"`
	State         string    `json:"state"`
	EdgeURL       string    `json:"edgeUrl,omitempty"`
	OverrideCount int       `json:"overrideCount"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SiteListResponse wraps the site collection.
type SiteListResponse struct {
	Sites []SiteResponse `json:"sites"`
	Count int            `json:"count"`
}

// AgentRunResponse acknowledges a start, resume or stop request.
type AgentRunResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
	Phase  string `json:"phase,omitempty"`
}

// AgentStatusResponse is the current (or most recent) run state plus its log tail.
type AgentStatusResponse struct {
	RunID               string    `json:"runId"`
	Status              string    `json:"status"`
	Phase               string    `json:"phase,omitempty"`
	Iteration           int       `json:"iteration"`
	LastSuccessfulPhase string    `json:"lastSuccessfulPhase,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
	Logs                []string  `json:"logs,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// BuildResponse is one persisted or in-flight build.
type BuildResponse struct {
	ID         string     `json:"id"`
	SiteID     string     `json:"siteId"`
	Trigger    string     `json:"trigger"`
	Status     string     `json:"status"`
	PagesDone  int        `json:"pagesDone"`
	PagesTotal int        `json:"pagesTotal"`
	Error      string     `json:"error,omitempty"`
	EdgeURL    string     `json:"edgeUrl,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// BuildListResponse wraps a site's recent builds, newest first.
type BuildListResponse struct {
	Builds []BuildResponse `json:"builds"`
	Count  int             `json:"count"`
}

// HealthResponse represents the health check API response.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Uptime      float64   `json:"uptime"`
	ActiveJobs  int       `json:"active_jobs"`
	QueueLength int       `json:"queue_length"`
}
