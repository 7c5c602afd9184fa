package events

import "time"

// Log levels carried on build log events.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Phase names used on phase and log events. The pipeline emits css, js,
// images, html, write and headers; the agent loop adds crawl, fonts, deploy
// and measure around it.
const (
	PhaseCrawl   = "crawl"
	PhaseCSS     = "css"
	PhaseJS      = "js"
	PhaseImages  = "images"
	PhaseHTML    = "html"
	PhaseFonts   = "fonts"
	PhaseWrite   = "write"
	PhaseHeaders = "headers"
	PhaseDeploy  = "deploy"
	PhaseMeasure = "measure"
)

// Savings is a before/after byte pair attached to log events.
type Savings struct {
	Before int64 `json:"before"`
	After  int64 `json:"after"`
}

// LogMeta carries optional structured context on a log event.
type LogMeta struct {
	Savings    *Savings `json:"savings,omitempty"`
	DurationMS int64    `json:"duration,omitempty"`
	PageURL    string   `json:"pageUrl,omitempty"`
	AssetURL   string   `json:"assetUrl,omitempty"`
}

// LogEvent is one build log line, the payload streamed over SSE and mirrored
// into the agent checkpoint tail.
type LogEvent struct {
	SiteID    string    `json:"-"`
	BuildID   string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	Meta      *LogMeta  `json:"meta,omitempty"`
}

// PhaseEvent marks a pipeline phase transition, with page counters during
// the html phase.
type PhaseEvent struct {
	SiteID     string    `json:"-"`
	BuildID    string    `json:"-"`
	Phase      string    `json:"phase"`
	PagesDone  int       `json:"pagesDone,omitempty"`
	PagesTotal int       `json:"pagesTotal,omitempty"`
	At         time.Time `json:"at"`
}

// BuildCompleted is emitted once per build, after the final phase or on
// failure.
type BuildCompleted struct {
	SiteID  string    `json:"-"`
	BuildID string    `json:"buildId"`
	Status  string    `json:"status"` // success|failed
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// AgentStateChanged is emitted by the controller at every FSM transition.
type AgentStateChanged struct {
	SiteID    string    `json:"-"`
	RunID     string    `json:"runId"`
	State     string    `json:"state"`
	Iteration int       `json:"iteration"`
	At        time.Time `json:"at"`
}
