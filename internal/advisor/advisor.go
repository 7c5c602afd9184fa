// Package advisor supplies the planning intelligence for the agent loop: an
// initial optimization plan from the crawl inventory, and a per-iteration
// review deciding whether to rebuild with adjusted settings or stop.
package advisor

import (
	"context"

	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/verify"
)

// Verdict is the advisor's overall judgement of a run.
type Verdict string

const (
	VerdictPass       Verdict = "pass"
	VerdictAcceptable Verdict = "acceptable"
	VerdictIncomplete Verdict = "incomplete"
	VerdictFailed     Verdict = "failed"
)

// KnownVerdict reports whether v is one of the four defined verdicts.
func KnownVerdict(v Verdict) bool {
	switch v {
	case VerdictPass, VerdictAcceptable, VerdictIncomplete, VerdictFailed:
		return true
	}
	return false
}

// PlanRequest carries everything the planner may consider.
type PlanRequest struct {
	Origin    string
	Inventory *inventory.SiteInventory
	PageSpeed *verify.PageSpeedResult // baseline audit of the origin, optional
	Current   map[string]any          // effective settings at run start
}

// Plan is the planner's output: a human-readable summary and a sparse
// settings patch to merge onto the current settings.
type Plan struct {
	Summary       string         `json:"summary"`
	SettingsPatch map[string]any `json:"settingsPatch,omitempty"`
}

// IterationOutcome is one compact history line handed to the reviewer.
type IterationOutcome struct {
	Iteration          int    `json:"iteration"`
	BuildOK            bool   `json:"buildOk"`
	HardPass           bool   `json:"hardPass"`
	SoftPass           bool   `json:"softPass"`
	AvgPerformance     int    `json:"avgPerformance"`
	VisualFailures     int    `json:"visualFailures"`
	FunctionalFailures int    `json:"functionalFailures"`
	BrokenLinks        int    `json:"brokenLinks"`
	Error              string `json:"error,omitempty"`
}

// ReviewRequest carries the latest iteration's verification report plus the
// run history.
type ReviewRequest struct {
	Iteration     int // 1-based, the iteration just verified
	MaxIterations int
	Report        *verify.Report
	History       []IterationOutcome // completed iterations, oldest first
	Current       map[string]any     // settings the iteration was built with
}

// Review is the reviewer's decision for the next loop step.
type Review struct {
	ShouldRebuild  bool           `json:"shouldRebuild"`
	SettingChanges map[string]any `json:"settingChanges,omitempty"`
	Verdict        Verdict        `json:"overallVerdict"`
	Reasoning      string         `json:"reasoning,omitempty"`
}

// Advisor plans the first iteration and reviews every failed one.
type Advisor interface {
	Plan(ctx context.Context, req PlanRequest) (Plan, error)
	Review(ctx context.Context, req ReviewRequest) (Review, error)
}
