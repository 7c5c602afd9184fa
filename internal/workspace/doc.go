// Package workspace manages per-run working directories and their garbage
// collection.
//
// Every agent run gets a directory under root/<site-slug>/<run-id>/ holding
// the crawl inventory, screenshot baselines, and build outputs. Directories
// of live runs are pinned and never collected. Released directories either
// go immediately (successful runs) or stay resumable until the TTL sweep
// takes them (failed runs).
package workspace
