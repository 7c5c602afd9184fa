package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/settings"
	"git.home.luguber.info/inful/pageforge/internal/verify"
)

// largeImageBytes is the size above which an image is worth the AVIF encode
// cost.
const largeImageBytes = 150 * 1024

// Heuristic is the deterministic rule-based advisor. It is the default
// backend and the fallback when a model call fails.
type Heuristic struct {
	log *slog.Logger
}

func NewHeuristic(logger *slog.Logger) *Heuristic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heuristic{log: logger}
}

var _ Advisor = (*Heuristic)(nil)

// Plan derives a settings patch from crawl evidence: heavy images enable
// AVIF, observed coverage enables purge and critical CSS, and jQuery that is
// loaded but never called gets removed.
func (h *Heuristic) Plan(_ context.Context, req PlanRequest) (Plan, error) {
	if req.Inventory == nil {
		return Plan{}, pferrors.ValidationFailed("inventory", "required")
	}

	patch := map[string]any{}
	var notes []string

	if n := countLargeImages(req.Inventory); n > 0 {
		patch = settings.Merge(patch, map[string]any{
			"images": map[string]any{"convertToAvif": true},
		})
		notes = append(notes, fmt.Sprintf("%d images over %dKB: enable AVIF", n, largeImageBytes/1024))
	}

	if hasCoverage(req.Inventory) {
		cssPatch := map[string]any{"purge": true, "purgeAggressiveness": "safe"}
		if hasAboveFoldCoverage(req.Inventory) {
			cssPatch["critical"] = true
			notes = append(notes, "above-the-fold coverage recorded: purge and inline critical CSS")
		} else {
			notes = append(notes, "selector coverage recorded: purge unused CSS")
		}
		patch = settings.Merge(patch, map[string]any{"css": cssPatch})
	}

	if len(req.Inventory.JQueryScripts) > 0 && !req.Inventory.UsesJQuery {
		patch = settings.Merge(patch, map[string]any{
			"js": map[string]any{"removeJquery": true},
		})
		notes = append(notes, "jQuery loaded but never called: remove it")
	}

	if req.PageSpeed != nil && req.PageSpeed.Performance < 50 {
		patch = settings.Merge(patch, map[string]any{
			"css":    map[string]any{"critical": true},
			"images": map[string]any{"convertToAvif": true},
		})
		notes = append(notes, fmt.Sprintf("baseline PageSpeed %d: inline critical CSS and enable AVIF", req.PageSpeed.Performance))
	}

	summary := "defaults look adequate; no changes"
	if len(notes) > 0 {
		summary = strings.Join(notes, "; ")
	}
	h.log.Debug("heuristic plan", slog.Int("patched_groups", len(patch)), slog.String("summary", summary))
	return Plan{Summary: summary, SettingsPatch: patch}, nil
}

// Review inspects the gate failures and either backs off the passes that
// plausibly caused them, escalates one performance knob, or stops.
func (h *Heuristic) Review(_ context.Context, req ReviewRequest) (Review, error) {
	rep := req.Report
	if rep == nil {
		return Review{}, pferrors.ValidationFailed("report", "required")
	}

	if rep.HardPass {
		return Review{Verdict: VerdictPass, Reasoning: "hard gate passed"}, nil
	}
	if rep.SoftPass {
		return Review{Verdict: VerdictAcceptable, Reasoning: "soft gate passed"}, nil
	}

	visual := countVisualFailures(rep)
	functional := countFunctionalFailures(rep)
	broken := countBrokenLinks(rep)
	threshold := settings.Int(req.Current, 80, "verify", "performanceThreshold")
	perf := int(rep.AvgPerformance())
	perfShort := perf < threshold

	if req.MaxIterations > 0 && req.Iteration >= req.MaxIterations {
		return Review{
			Verdict:   budgetVerdict(visual, functional),
			Reasoning: "iteration budget exhausted",
		}, nil
	}

	// Two iterations in a row without fewer regressions means the knobs we
	// turn are not what is breaking the site.
	if stalled(req.History, visual+functional) && req.Iteration >= 3 {
		return Review{
			Verdict:   VerdictFailed,
			Reasoning: "regressions are not improving across iterations",
		}, nil
	}

	patch := map[string]any{}
	var reasons []string

	if functional > 0 {
		patch = settings.Merge(patch, map[string]any{
			"js": map[string]any{
				"removeJquery":           false,
				"moveToBodyEnd":          false,
				"defaultLoadingStrategy": "defer",
			},
			"html": map[string]any{"thirdPartyScriptAction": "keep"},
		})
		reasons = append(reasons, fmt.Sprintf("%d behaviors broke: restore script handling", functional))
	}
	if visual > 0 {
		patch = settings.Merge(patch, map[string]any{
			"css": map[string]any{"purge": false, "critical": false},
			"html": map[string]any{
				"removeAttributeQuotes": false,
				"removeOptionalTags":    false,
				"removeEmptyElements":   false,
			},
		})
		reasons = append(reasons, fmt.Sprintf("%d pages drifted visually: back off CSS and HTML passes", visual))
	}

	if len(patch) > 0 {
		return Review{
			ShouldRebuild:  true,
			SettingChanges: patch,
			Verdict:        VerdictIncomplete,
			Reasoning:      strings.Join(reasons, "; "),
		}, nil
	}

	if broken > 0 {
		// Only cross-origin links are probed; a rebuild cannot revive a dead
		// external target.
		return Review{
			Verdict:   VerdictIncomplete,
			Reasoning: fmt.Sprintf("%d external links are unreachable; rebuilding cannot fix them", broken),
		}, nil
	}

	if perfShort {
		if change, name := nextPerformanceKnob(req.Current); change != nil {
			return Review{
				ShouldRebuild:  true,
				SettingChanges: change,
				Verdict:        VerdictIncomplete,
				Reasoning:      fmt.Sprintf("performance %d below %d: enable %s", perf, threshold, name),
			}, nil
		}
		return Review{
			Verdict:   VerdictIncomplete,
			Reasoning: "performance gate failed with every optimization already enabled",
		}, nil
	}

	// PageSpeed is the only gate left that can fail here.
	return Review{
		Verdict:   VerdictIncomplete,
		Reasoning: "remote PageSpeed below minimum with local gates green",
	}, nil
}

// nextPerformanceKnob returns the first still-disabled escalation step, in
// order of payoff per risk.
func nextPerformanceKnob(current map[string]any) (map[string]any, string) {
	if !settings.Bool(current, false, "images", "convertToAvif") {
		return map[string]any{"images": map[string]any{"convertToAvif": true}}, "AVIF variants"
	}
	if !settings.Bool(current, false, "css", "critical") {
		return map[string]any{"css": map[string]any{"critical": true}}, "critical CSS inlining"
	}
	if !settings.Bool(current, false, "css", "purge") {
		return map[string]any{"css": map[string]any{"purge": true, "purgeAggressiveness": "safe"}}, "CSS purge"
	}
	if !settings.Bool(current, false, "js", "moveToBodyEnd") {
		return map[string]any{"js": map[string]any{"moveToBodyEnd": true}}, "script relocation"
	}
	return nil, ""
}

func budgetVerdict(visual, functional int) Verdict {
	if visual > 0 || functional > 0 {
		return VerdictFailed
	}
	return VerdictIncomplete
}

// stalled reports whether the last completed iteration already had no more
// regressions than the current one.
func stalled(history []IterationOutcome, currentFailures int) bool {
	if len(history) == 0 || currentFailures == 0 {
		return false
	}
	prev := history[len(history)-1]
	return prev.VisualFailures+prev.FunctionalFailures <= currentFailures &&
		prev.VisualFailures+prev.FunctionalFailures > 0
}

func countLargeImages(inv *inventory.SiteInventory) int {
	n := 0
	for _, a := range inv.Assets {
		if a.Class == inventory.ClassImage && a.OriginalBytes >= largeImageBytes {
			n++
		}
	}
	return n
}

func hasCoverage(inv *inventory.SiteInventory) bool {
	for _, pg := range inv.Pages {
		for _, cov := range pg.Coverage {
			if len(cov.UsedSelectors) > 0 {
				return true
			}
		}
	}
	return false
}

func hasAboveFoldCoverage(inv *inventory.SiteInventory) bool {
	for _, pg := range inv.Pages {
		for _, cov := range pg.Coverage {
			if len(cov.AboveFoldSelectors) > 0 {
				return true
			}
		}
	}
	return false
}

func countVisualFailures(rep *verify.Report) int {
	n := 0
	for _, r := range rep.Visual {
		if !r.OK() {
			n++
		}
	}
	return n
}

func countFunctionalFailures(rep *verify.Report) int {
	n := 0
	for _, r := range rep.Functional {
		if !r.Passed {
			n++
		}
	}
	return n
}

func countBrokenLinks(rep *verify.Report) int {
	n := 0
	for _, r := range rep.Links {
		if !r.OK {
			n++
		}
	}
	return n
}

// Outcome summarizes a verification report into the compact history line the
// reviewer receives on later iterations.
func Outcome(iter int, buildOK bool, rep *verify.Report, runErr string) IterationOutcome {
	out := IterationOutcome{Iteration: iter, BuildOK: buildOK, Error: runErr}
	if rep != nil {
		out.HardPass = rep.HardPass
		out.SoftPass = rep.SoftPass
		out.AvgPerformance = int(rep.AvgPerformance())
		out.VisualFailures = countVisualFailures(rep)
		out.FunctionalFailures = countFunctionalFailures(rep)
		out.BrokenLinks = countBrokenLinks(rep)
	}
	return out
}
