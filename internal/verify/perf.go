package verify

import (
	"context"
	"encoding/json"
	"math"

	"git.home.luguber.info/inful/pageforge/internal/browser"
)

// timingProbeJS collects the four load metrics from the already-loaded page.
// LCP has no synchronous API; a buffered PerformanceObserver replays the
// entries recorded during load and the largest is resolved after a short
// grace period.
const timingProbeJS = `async () => {
	const lcp = new Promise((resolve) => {
		let last = 0;
		try {
			const obs = new PerformanceObserver((list) => {
				for (const e of list.getEntries()) last = e.startTime;
			});
			obs.observe({ type: 'largest-contentful-paint', buffered: true });
			setTimeout(() => { obs.disconnect(); resolve(last); }, 300);
		} catch (e) {
			resolve(0);
		}
	});
	const nav = performance.getEntriesByType('navigation')[0];
	const paint = performance.getEntriesByName('first-contentful-paint')[0];
	return {
		ttfb: nav ? nav.responseStart : 0,
		fcp: paint ? paint.startTime : 0,
		lcp: await lcp,
		load: nav ? nav.loadEventEnd : 0,
	};
}`

type pageTimings struct {
	TTFB float64 `json:"ttfb"`
	FCP  float64 `json:"fcp"`
	LCP  float64 `json:"lcp"`
	Load float64 `json:"load"`
}

// timingBands weight each metric and bound its linear credit ramp, loosely
// following the Lighthouse mobile thresholds: full credit at or below good,
// none at or beyond poor.
var timingBands = []struct {
	weight float64
	good   float64 // ms
	poor   float64 // ms
	value  func(pageTimings) float64
}{
	{0.15, 800, 1800, func(t pageTimings) float64 { return t.TTFB }},
	{0.25, 1800, 3000, func(t pageTimings) float64 { return t.FCP }},
	{0.40, 2500, 4000, func(t pageTimings) float64 { return t.LCP }},
	{0.20, 3000, 6000, func(t pageTimings) float64 { return t.Load }},
}

// measureTimings runs the probe against the loaded page and folds the
// metrics into the synthetic score.
func measureTimings(ctx context.Context, page *browser.Page) (PerfResult, error) {
	raw, err := page.Eval(ctx, timingProbeJS)
	if err != nil {
		return PerfResult{}, err
	}
	var t pageTimings
	if err := json.Unmarshal(raw, &t); err != nil {
		return PerfResult{}, err
	}
	return PerfResult{
		Score:  scoreTimings(t),
		TTFBMS: t.TTFB,
		FCPMS:  t.FCP,
		LCPMS:  t.LCP,
		LoadMS: t.Load,
	}, nil
}

// scoreTimings maps the load metrics onto a 0-100 score. Metrics the browser
// did not report (zero) renormalize the remaining weights instead of
// counting as instant.
func scoreTimings(t pageTimings) int {
	var score, weight float64
	for _, band := range timingBands {
		v := band.value(t)
		if v <= 0 {
			continue
		}
		score += band.weight * ramp(v, band.good, band.poor)
		weight += band.weight
	}
	if weight == 0 {
		return 0
	}
	return int(math.Round(score / weight * 100))
}

func ramp(v, good, poor float64) float64 {
	switch {
	case v <= good:
		return 1
	case v >= poor:
		return 0
	default:
		return (poor - v) / (poor - good)
	}
}
