// Package store persists sites, builds, agent runs and iteration history.
// Checkpoints and iteration payloads are opaque JSON blobs; the store only
// indexes the columns the control plane queries on.
package store

import (
	"context"
	"time"
)

// Site is the long-lived record for an optimized origin.
type Site struct {
	ID        string         `json:"id"`
	Origin    string         `json:"origin"`
	Overrides map[string]any `json:"overrides,omitempty"`
	EdgeURL   string         `json:"edgeUrl,omitempty"`
	State     string         `json:"state"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Build is the persisted build record. Effective is the settings snapshot
// the pipeline consumed.
type Build struct {
	ID         string         `json:"id"`
	SiteID     string         `json:"siteId"`
	Trigger    string         `json:"trigger"`
	Status     string         `json:"status"`
	Scope      string         `json:"scope,omitempty"`
	PagesDone  int            `json:"pagesDone"`
	PagesTotal int            `json:"pagesTotal"`
	Error      string         `json:"error,omitempty"`
	Effective  map[string]any `json:"effective,omitempty"`
	EdgeURL    string         `json:"edgeUrl,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// AgentRun is the persisted controller state for one optimization run.
// Checkpoint is the serialized resume state; the store never decodes it.
type AgentRun struct {
	ID                  string    `json:"id"`
	SiteID              string    `json:"siteId"`
	Status              string    `json:"status"` // running|completed|failed
	Phase               string    `json:"phase,omitempty"`
	Iteration           int       `json:"iteration"`
	WorkDir             string    `json:"workDir,omitempty"`
	Checkpoint          []byte    `json:"-"`
	LogTail             []string  `json:"logTail,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
	LastSuccessfulPhase string    `json:"lastSuccessfulPhase,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// IterationResult is one appended loop iteration: the verification outcome
// plus the settings that produced it, serialized by the agent.
type IterationResult struct {
	RunID     string    `json:"runId"`
	Iteration int       `json:"iteration"`
	BuildID   string    `json:"buildId,omitempty"`
	EdgeURL   string    `json:"edgeUrl,omitempty"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// BuildEvent is one row of the append-only per-build event log.
type BuildEvent struct {
	ID      int64     `json:"id"`
	BuildID string    `json:"buildId"`
	Type    string    `json:"type"`
	Payload []byte    `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Store is the persistence boundary for the control plane.
type Store interface {
	UpsertSite(ctx context.Context, site *Site) error
	GetSite(ctx context.Context, id string) (*Site, error)
	ListSites(ctx context.Context) ([]*Site, error)

	// SaveBuild inserts or replaces a build record by ID.
	SaveBuild(ctx context.Context, build *Build) error
	GetBuild(ctx context.Context, id string) (*Build, error)
	// ListBuilds returns the most recent builds for a site, newest first.
	// limit <= 0 means no limit.
	ListBuilds(ctx context.Context, siteID string, limit int) ([]*Build, error)

	// SaveRun inserts or replaces an agent run by ID.
	SaveRun(ctx context.Context, run *AgentRun) error
	GetRun(ctx context.Context, id string) (*AgentRun, error)
	// ActiveRun returns the running agent run for a site, or (nil, nil)
	// when the site has none.
	ActiveRun(ctx context.Context, siteID string) (*AgentRun, error)
	ListRuns(ctx context.Context, siteID string, limit int) ([]*AgentRun, error)

	// AppendIteration stores one iteration result. A (runID, iteration)
	// pair can be appended exactly once.
	AppendIteration(ctx context.Context, res *IterationResult) error
	ListIterations(ctx context.Context, runID string) ([]*IterationResult, error)

	AppendBuildEvent(ctx context.Context, buildID, eventType string, payload []byte) error
	// BuildEvents returns the last limit events for a build in append
	// order. limit <= 0 means all.
	BuildEvents(ctx context.Context, buildID string, limit int) ([]*BuildEvent, error)

	Close() error
}
