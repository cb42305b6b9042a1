// Package engine drives playbook steps through the tiered escalation state
// machine. Each step starts at its lowest declared tier and may be promoted
// exactly one rung on a capability-gap failure, subject to the embedded
// promotion policy. Module-backed tiers acquire resident modules before
// dispatch and release them on every exit path.
package engine
