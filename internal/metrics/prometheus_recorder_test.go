package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)
	pr.ObservePhaseDuration("images", 150*time.Millisecond)
	pr.ObserveBuildDuration(500 * time.Millisecond)
	pr.IncPhaseResult("images", ResultSuccess)
	pr.IncBuildOutcome("success")
	pr.AddBytesSaved("image", 2048)
	pr.AddPagesCrawled(5)
	pr.IncVerifyGate("visual", true)
	pr.IncAgentIteration()
	pr.SetQueueDepth(2)
	// Basic scrape to ensure metrics encode without panic
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatalf("expected metrics, got none")
	}
}

func TestNoopRecorderIsSafe(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObservePhaseDuration("css", time.Second)
	r.ObserveBuildDuration(time.Second)
	r.IncPhaseResult("css", ResultWarning)
	r.IncBuildOutcome("failed")
	r.AddBytesSaved("css", 10)
	r.AddPagesCrawled(1)
	r.IncVerifyGate("links", false)
	r.IncAgentIteration()
	r.SetQueueDepth(0)
}

func TestTestRecorderCounts(t *testing.T) {
	tr := newTestRecorder()
	tr.ObservePhaseDuration("js", time.Millisecond)
	tr.ObservePhaseDuration("js", time.Millisecond)
	tr.IncPhaseResult("js", ResultSuccess)
	tr.IncVerifyGate("functional", true)
	tr.IncVerifyGate("functional", false)
	if tr.phaseDurations["js"] != 2 {
		t.Fatalf("expected 2 js observations, got %d", tr.phaseDurations["js"])
	}
	if tr.phaseResults["js"][ResultSuccess] != 1 {
		t.Fatalf("expected 1 js success")
	}
	if tr.verifyGates["functional"][true] != 1 || tr.verifyGates["functional"][false] != 1 {
		t.Fatalf("expected one pass and one fail for functional gate")
	}
}
