// Package orchestrator is the submission entry point. It resolves fingerprints
// against the playbook store, drives the escalation executor, walks the
// cascade graph, and enforces depth and backpressure bounds so one submission
// can never saturate the process.
package orchestrator
