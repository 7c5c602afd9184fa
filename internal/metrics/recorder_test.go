package metrics

import "time"

type testRecorder struct {
	phaseDurations  map[string]int
	phaseResults    map[string]map[ResultLabel]int
	buildDurations  int
	buildOutcomes   map[string]int
	bytesSaved      map[string]int64
	pagesCrawled    int
	verifyGates     map[string]map[bool]int
	agentIterations int
	queueDepth      int
}

func newTestRecorder() *testRecorder {
	return &testRecorder{
		phaseDurations: map[string]int{},
		phaseResults:   map[string]map[ResultLabel]int{},
		buildOutcomes:  map[string]int{},
		bytesSaved:     map[string]int64{},
		verifyGates:    map[string]map[bool]int{},
	}
}

func (t *testRecorder) ObservePhaseDuration(phase string, _ time.Duration) {
	t.phaseDurations[phase]++
}
func (t *testRecorder) ObserveBuildDuration(_ time.Duration) { t.buildDurations++ }
func (t *testRecorder) IncPhaseResult(phase string, result ResultLabel) {
	m, ok := t.phaseResults[phase]
	if !ok {
		m = map[ResultLabel]int{}
		t.phaseResults[phase] = m
	}
	m[result]++
}
func (t *testRecorder) IncBuildOutcome(outcome string)   { t.buildOutcomes[outcome]++ }
func (t *testRecorder) AddBytesSaved(cat string, n int64) { t.bytesSaved[cat] += n }
func (t *testRecorder) AddPagesCrawled(n int)            { t.pagesCrawled += n }
func (t *testRecorder) IncVerifyGate(gate string, pass bool) {
	m, ok := t.verifyGates[gate]
	if !ok {
		m = map[bool]int{}
		t.verifyGates[gate] = m
	}
	m[pass]++
}
func (t *testRecorder) IncAgentIteration() { t.agentIterations++ }
func (t *testRecorder) SetQueueDepth(n int) { t.queueDepth = n }
