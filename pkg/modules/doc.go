// Package modules manages resident resource modules for module-backed tier
// execution. A single owner goroutine serialises all reference counting,
// loading, grace timers and budget eviction, so callers interact with the
// loader purely through Acquire and Release and never observe partial state.
package modules
