// Package governance coordinates runtime safety controls for the cascata
// engine: bounded retries with jittered exponential backoff for persistent
// store reads, and circuit breaking around the playbook store backend and the
// external module provider.
//
// The hot execution path depends on these primitives so a flapping disk or a
// broken provider degrades to lookup misses and step failures instead of
// stalling in-flight executions.
package governance
