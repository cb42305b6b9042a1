// Package storage implements the two-tier playbook store. A bounded in-memory
// LRU serves warm lookups; a Badger key-value database holds the persistent
// tier, keyed by raw fingerprint bytes. Cold reads run under retry and circuit
// breaker governance so a flapping disk never stalls the orchestration loop.
package storage
