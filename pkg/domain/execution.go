package domain

import "time"

// Status is the terminal classification of a playbook execution.
type Status string

const (
	// StatusSucceeded means every step completed successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means at least one step exhausted its tier-promotion budget.
	StatusFailed Status = "failed"
	// StatusCancelled means the deadline expired or the caller cancelled;
	// distinct from failed so callers can tell "ran out of time" from
	// "attempted and failed".
	StatusCancelled Status = "cancelled"
	// StatusDropped means a cascade submission was shed under backpressure
	// before any step ran.
	StatusDropped Status = "dropped"
	// StatusMiss means no playbook resolved for the submitted fingerprint.
	StatusMiss Status = "miss"
	// StatusRunning is a snapshot-only status reported when a trace is
	// resubmitted while the original execution is still in flight.
	StatusRunning Status = "running"
)

// StepState tracks a single step through the escalation state machine.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepPromoted  StepState = "promoted"
	StepSkipped   StepState = "skipped"
)

// StepResult records the outcome of one executed step.
type StepResult struct {
	StepID      string        `json:"step_id"`
	ToolRef     string        `json:"tool_ref"`
	Action      string        `json:"action"`
	Tier        Tier          `json:"tier"`
	State       StepState     `json:"state"`
	Promotions  int           `json:"promotions"`
	ModulesUsed []string      `json:"modules_used,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
	Error       string        `json:"error,omitempty"`
}

// CascadeDecision records why a neighbor was or was not cascaded to.
type CascadeDecision struct {
	Target    string  `json:"target"`
	Strength  float64 `json:"strength"`
	Triggered bool    `json:"triggered"`
	Reason    string  `json:"reason,omitempty"`
}

// ExecutionSummary is returned per submission for post-hoc inspection.
// Failures local to a step or cascade are recorded here rather than surfaced
// as submission errors.
type ExecutionSummary struct {
	TraceID           string            `json:"trace_id"`
	PlaybookID        string            `json:"playbook_id,omitempty"`
	Mode              Mode              `json:"mode"`
	Status            Status            `json:"status"`
	Depth             int               `json:"depth"`
	StepsExecuted     int               `json:"steps_executed"`
	Steps             []StepResult      `json:"steps,omitempty"`
	ModulesUsed       []string          `json:"modules_used,omitempty"`
	CascadesTriggered int               `json:"cascades_triggered"`
	CascadesDropped   int               `json:"cascades_dropped"`
	Cascades          []CascadeDecision `json:"cascades,omitempty"`
	NoveltyScore      float64           `json:"novelty_score,omitempty"`
	Duration          time.Duration     `json:"duration_ns"`
}

// VisitedLimit bounds the per-trace visited set so deep cascade trees cannot
// grow contexts without bound.
const VisitedLimit = 256

// VisitedSet is the bounded set of node IDs already executed within one trace.
// It is owned by exactly one ExecutionContext; cascades receive a snapshot
// copy, never a shared reference.
type VisitedSet struct {
	order []string
	seen  map[string]struct{}
}

// NewVisitedSet returns an empty visited set.
func NewVisitedSet() *VisitedSet {
	return &VisitedSet{seen: make(map[string]struct{})}
}

// Contains reports whether the node was already visited in this trace.
func (v *VisitedSet) Contains(nodeID string) bool {
	_, ok := v.seen[nodeID]
	return ok
}

// Add records a visit. When the bound is reached the oldest entry is dropped;
// revisiting a dropped node is then possible but the depth bound still
// terminates the trace.
func (v *VisitedSet) Add(nodeID string) {
	if v.Contains(nodeID) {
		return
	}
	if len(v.order) >= VisitedLimit {
		oldest := v.order[0]
		v.order = v.order[1:]
		delete(v.seen, oldest)
	}
	v.order = append(v.order, nodeID)
	v.seen[nodeID] = struct{}{}
}

// Len returns the number of tracked nodes.
func (v *VisitedSet) Len() int { return len(v.order) }

// Snapshot returns an independent copy for a child context.
func (v *VisitedSet) Snapshot() *VisitedSet {
	out := &VisitedSet{
		order: make([]string, len(v.order)),
		seen:  make(map[string]struct{}, len(v.seen)),
	}
	copy(out.order, v.order)
	for k := range v.seen {
		out.seen[k] = struct{}{}
	}
	return out
}

// ExecutionContext is the per-invocation ownership unit. It is created at
// orchestration loop entry, owned exclusively by the executing task, and never
// shared for mutation across concurrent executions; cascades get fresh
// contexts with Depth+1 and a visited-set snapshot.
type ExecutionContext struct {
	TraceID     string
	Fingerprint Fingerprint
	Descriptor  *PlaybookDescriptor
	Mode        Mode
	Depth       int
	Deadline    time.Time
	Visited     *VisitedSet
	// CascadeOrigin is true for contexts spawned by graph edges rather than a
	// caller-facing submission; only these may be dropped under backpressure.
	CascadeOrigin bool
}

// Expired reports whether the context's budget deadline has passed.
func (c *ExecutionContext) Expired(now time.Time) bool {
	return !c.Deadline.IsZero() && now.After(c.Deadline)
}

// Child derives the context for a cascade to target. The trace ID is
// inherited so the whole cascade tree stays correlatable as one trace; the
// visited set is snapshotted so sibling cascades never alias each other's
// state.
func (c *ExecutionContext) Child(target Fingerprint, descriptor *PlaybookDescriptor) *ExecutionContext {
	return &ExecutionContext{
		TraceID:       c.TraceID,
		Fingerprint:   target,
		Descriptor:    descriptor,
		Mode:          c.Mode,
		Depth:         c.Depth + 1,
		Deadline:      c.Deadline,
		Visited:       c.Visited.Snapshot(),
		CascadeOrigin: true,
	}
}
