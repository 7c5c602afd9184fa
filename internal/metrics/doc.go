// Package metrics provides an observability framework for PageForge build metrics.
//
// # Design Philosophy
//
// This package implements the Null Object pattern to enable metrics collection
// without requiring explicit nil checks throughout the codebase. By default,
// all components use NoopRecorder which implements the Recorder interface with
// no-op methods that inline to nothing at compile time.
//
// # Architecture
//
// The metrics system has three components:
//
//  1. Recorder interface - Defines all metrics operations
//  2. NoopRecorder - Default implementation that does nothing (zero overhead)
//  3. PrometheusRecorder - Real implementation backed by a Prometheus registry
//
// # Usage Pattern
//
// Components receive a Recorder through dependency injection:
//
//	type Orchestrator struct {
//	    recorder metrics.Recorder
//	}
//
//	func NewOrchestrator() *Orchestrator {
//	    return &Orchestrator{
//	        recorder: metrics.NoopRecorder{}, // Default: no metrics
//	    }
//	}
//
// # Activation
//
// The daemon activates metrics by constructing a PrometheusRecorder and
// serving its registry on /metrics via HTTPHandler:
//
//	reg := prometheus.NewRegistry()
//	recorder := metrics.NewPrometheusRecorder(reg)
//	mux.Handle("/metrics", metrics.HTTPHandler(reg))
//
// CLI invocations keep the NoopRecorder so one-shot builds pay nothing for
// instrumentation they will never scrape.
package metrics
