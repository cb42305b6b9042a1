package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	// ErrLookupMiss means no playbook resolves for a fingerprint. Not an error
	// condition for the orchestration loop, just an empty result.
	ErrLookupMiss = errors.New("no playbook for fingerprint")
	// ErrStoreUnavailable is a transient persistent-tier failure. It is retried
	// with bounded backoff and then downgraded to ErrLookupMiss for that call.
	ErrStoreUnavailable = errors.New("playbook store unavailable")
	// ErrBudgetExceeded means the module loader cannot satisfy its resident
	// memory ceiling for the requested module.
	ErrBudgetExceeded = errors.New("module resident budget exceeded")
	// ErrModuleLoadFailed means the underlying module resource is unavailable
	// or corrupt.
	ErrModuleLoadFailed = errors.New("module load failed")
	// ErrCapabilityGap is the explicit signal a step runner emits when the
	// current tier cannot satisfy the step, making it eligible for promotion.
	ErrCapabilityGap = errors.New("capability gap at current tier")
	// ErrDuplicateTrace is returned when a trace_id is resubmitted while the
	// original execution is still running.
	ErrDuplicateTrace = errors.New("trace already in flight")
	// ErrQueueFull signals the cascade queue rejected a submission under
	// backpressure.
	ErrQueueFull = errors.New("cascade queue full")
)

// FieldViolation describes a single violated constraint on an ingested
// descriptor field.
type FieldViolation struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Message    string `json:"message"`
}

// ValidationError rejects a malformed descriptor at ingestion time. It lists
// every violated field so authoring tools can fix all problems in one pass.
type ValidationError struct {
	Violations []FieldViolation `json:"violations"`
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "descriptor validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", v.Field, v.Constraint, v.Message))
	}
	return "descriptor validation failed: " + strings.Join(parts, "; ")
}

// ErrorResponse defines the standard JSON error model returned by the
// submission and ingestion APIs. It avoids exposing sensitive details while
// providing a stable machine-readable code. TraceID carries the submission
// trace identifier when available.
type ErrorResponse struct {
	Code    string `json:"code"`               // Machine-readable error code (e.g. VALIDATION_FAILED, QUEUE_FULL)
	Message string `json:"message"`            // Human-readable message (safe for logs)
	TraceID string `json:"trace_id,omitempty"` // Optional trace/correlation ID
}
