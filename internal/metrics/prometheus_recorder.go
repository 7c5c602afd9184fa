package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	phaseDuration   *prom.HistogramVec
	buildDuration   prom.Histogram
	phaseResults    *prom.CounterVec
	buildOutcome    *prom.CounterVec
	bytesSaved      *prom.CounterVec
	pagesCrawled    prom.Counter
	verifyGates     *prom.CounterVec
	agentIterations prom.Counter
	queueDepth      prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.phaseDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "pageforge",
			Name:      "phase_duration_seconds",
			Help:      "Duration of individual optimization phases",
			Buckets:   prom.DefBuckets,
		}, []string{"phase"})
		pr.buildDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "pageforge",
			Name:      "build_duration_seconds",
			Help:      "Total optimization build duration",
			Buckets:   prom.DefBuckets,
		})
		pr.phaseResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pageforge",
			Name:      "phase_results_total",
			Help:      "Phase result counts by outcome",
		}, []string{"phase", "result"})
		pr.buildOutcome = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pageforge",
			Name:      "build_outcomes_total",
			Help:      "Build outcomes by final status",
		}, []string{"outcome"})
		pr.bytesSaved = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pageforge",
			Name:      "bytes_saved_total",
			Help:      "Bytes saved by asset category",
		}, []string{"category"})
		pr.pagesCrawled = prom.NewCounter(prom.CounterOpts{
			Namespace: "pageforge",
			Name:      "pages_crawled_total",
			Help:      "Pages captured across all crawls",
		})
		pr.verifyGates = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pageforge",
			Name:      "verify_gate_results_total",
			Help:      "Verification gate results by gate and outcome",
		}, []string{"gate", "result"})
		pr.agentIterations = prom.NewCounter(prom.CounterOpts{
			Namespace: "pageforge",
			Name:      "agent_iterations_total",
			Help:      "Agent optimization iterations executed",
		})
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "pageforge",
			Name:      "queue_depth",
			Help:      "Jobs currently waiting in the build queue",
		})
		reg.MustRegister(pr.phaseDuration, pr.buildDuration, pr.phaseResults, pr.buildOutcome, pr.bytesSaved, pr.pagesCrawled, pr.verifyGates, pr.agentIterations, pr.queueDepth)
	})
	return pr
}

func (p *PrometheusRecorder) ObservePhaseDuration(phase string, d time.Duration) {
	if p == nil || p.phaseDuration == nil {
		return
	}
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}
func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	if p == nil || p.buildDuration == nil {
		return
	}
	p.buildDuration.Observe(d.Seconds())
}
func (p *PrometheusRecorder) IncPhaseResult(phase string, result ResultLabel) {
	if p == nil || p.phaseResults == nil {
		return
	}
	p.phaseResults.WithLabelValues(phase, string(result)).Inc()
}
func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	if p == nil || p.buildOutcome == nil {
		return
	}
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) AddBytesSaved(category string, n int64) {
	if p == nil || p.bytesSaved == nil || n <= 0 {
		return
	}
	p.bytesSaved.WithLabelValues(category).Add(float64(n))
}

func (p *PrometheusRecorder) AddPagesCrawled(n int) {
	if p == nil || p.pagesCrawled == nil || n <= 0 {
		return
	}
	p.pagesCrawled.Add(float64(n))
}

func (p *PrometheusRecorder) IncVerifyGate(gate string, pass bool) {
	if p == nil || p.verifyGates == nil {
		return
	}
	res := "fail"
	if pass {
		res = "pass"
	}
	p.verifyGates.WithLabelValues(gate, res).Inc()
}

func (p *PrometheusRecorder) IncAgentIteration() {
	if p == nil || p.agentIterations == nil {
		return
	}
	p.agentIterations.Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}
