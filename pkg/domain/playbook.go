package domain

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the semantic intent of an execution. The tier ladder and module
// requirements are identical for both modes; only the action label resolved per
// step differs.
type Mode string

const (
	// ModeDefensive runs each step's defensive action.
	ModeDefensive Mode = "defensive"
	// ModeOffensive runs each step's offensive action.
	ModeOffensive Mode = "offensive"
)

// Valid reports whether the mode is one of the two recognised values.
func (m Mode) Valid() bool {
	return m == ModeDefensive || m == ModeOffensive
}

// Tier is one rung of the escalation ladder, in increasing cost and
// capability order.
type Tier int

const (
	// TierScript is a sub-second in-process script with no module loading.
	TierScript Tier = iota
	// TierEphemeralUnit is an isolated short-lived execution, still without
	// persistent module loading.
	TierEphemeralUnit
	// TierModuleBacked requires one or more resident resource modules.
	TierModuleBacked
	// TierService waits on a long-lived external collaborator.
	TierService
)

var tierNames = map[Tier]string{
	TierScript:        "script",
	TierEphemeralUnit: "ephemeral_unit",
	TierModuleBacked:  "module_backed",
	TierService:       "service",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier maps the wire name back to a Tier.
func ParseTier(s string) (Tier, error) {
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler for JSON and YAML use.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// UnmarshalYAML decodes the wire name in bundle files; yaml.v3 does not fall
// back to TextUnmarshaler on its own.
func (t *Tier) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// ToolStep is a single ordered step of a playbook. A step may declare more
// than one tier; execution starts at the lowest and promotes at most one rung
// per capability-gap failure.
type ToolStep struct {
	ID              string   `json:"id" yaml:"id"`
	ToolRef         string   `json:"tool_ref" yaml:"tool_ref" validate:"required"`
	Tiers           []Tier   `json:"tiers" yaml:"tiers" validate:"required,min=1"`
	DefensiveAction string   `json:"defensive_action" yaml:"defensive_action" validate:"required"`
	OffensiveAction string   `json:"offensive_action" yaml:"offensive_action" validate:"required"`
	RequiredModules []string `json:"required_modules,omitempty" yaml:"required_modules,omitempty"`

	// Blocking aborts the remaining steps if this step fails terminally.
	Blocking bool `json:"blocking,omitempty" yaml:"blocking,omitempty"`
	// Deescalate permits this step's floor tier to be lower than the
	// previous step's, overriding the monotonicity invariant.
	Deescalate bool `json:"deescalate,omitempty" yaml:"deescalate,omitempty"`
}

// FloorTier returns the lowest declared tier for the step.
func (s ToolStep) FloorTier() Tier {
	floor := s.Tiers[0]
	for _, t := range s.Tiers[1:] {
		if t < floor {
			floor = t
		}
	}
	return floor
}

// CeilingTier returns the highest declared tier for the step.
func (s ToolStep) CeilingTier() Tier {
	ceiling := s.Tiers[0]
	for _, t := range s.Tiers[1:] {
		if t > ceiling {
			ceiling = t
		}
	}
	return ceiling
}

// ActionFor resolves the semantic action label for the given mode.
func (s ToolStep) ActionFor(mode Mode) string {
	if mode == ModeOffensive {
		return s.OffensiveAction
	}
	return s.DefensiveAction
}

// NextTier returns the smallest declared tier strictly above from, and whether
// one exists. Promotion never skips past the declared ladder.
func (s ToolStep) NextTier(from Tier) (Tier, bool) {
	best := Tier(-1)
	for _, t := range s.Tiers {
		if t > from && (best < 0 || t < best) {
			best = t
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// CascadeEdge links a playbook to a related node with a cascade strength in
// [0,1].
type CascadeEdge struct {
	Target   string  `json:"target" yaml:"target" validate:"required"`
	Strength float64 `json:"strength" yaml:"strength" validate:"gte=0,lte=1"`
}

// PlaybookDescriptor is the record stored per fingerprint. Multiple
// fingerprints may resolve to one descriptor; the descriptor identifier is
// therefore distinct from any fingerprint that resolves it.
type PlaybookDescriptor struct {
	ID              string        `json:"id" yaml:"id" validate:"required"`
	DefaultMode     Mode          `json:"default_mode,omitempty" yaml:"default_mode,omitempty" validate:"omitempty,oneof=defensive offensive"`
	Steps           []ToolStep    `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	RequiredModules []string      `json:"required_modules,omitempty" yaml:"required_modules,omitempty"`
	CascadeEdges    []CascadeEdge `json:"cascade_edges,omitempty" yaml:"cascade_edges,omitempty" validate:"dive"`
	TTLSeconds      int64         `json:"ttl_seconds" yaml:"ttl_seconds" validate:"gte=0"`
}

// TTL returns the cache lifetime of the descriptor. Zero means the descriptor
// never needs revalidation.
func (d *PlaybookDescriptor) TTL() time.Duration {
	return time.Duration(d.TTLSeconds) * time.Second
}

// Validate checks the structural invariants: non-empty steps, declared tiers
// present on every step, monotonically non-decreasing floor tiers unless a
// step carries the de-escalation flag, and cascade strengths within [0,1].
// All violations are collected into a single *ValidationError.
func (d *PlaybookDescriptor) Validate() error {
	var violations []FieldViolation

	if d.ID == "" {
		violations = append(violations, FieldViolation{Field: "id", Constraint: "required", Message: "descriptor id is required"})
	}
	if d.DefaultMode != "" && !d.DefaultMode.Valid() {
		violations = append(violations, FieldViolation{
			Field:      "default_mode",
			Constraint: "oneof=defensive offensive",
			Message:    fmt.Sprintf("unknown mode %q", d.DefaultMode),
		})
	}
	if len(d.Steps) == 0 {
		violations = append(violations, FieldViolation{Field: "steps", Constraint: "min=1", Message: "steps must be non-empty"})
	}

	prevFloor := Tier(-1)
	for i, step := range d.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if step.ToolRef == "" {
			violations = append(violations, FieldViolation{Field: field + ".tool_ref", Constraint: "required", Message: "tool_ref is required"})
		}
		if len(step.Tiers) == 0 {
			violations = append(violations, FieldViolation{Field: field + ".tiers", Constraint: "min=1", Message: "at least one tier must be declared"})
			continue
		}
		for _, t := range step.Tiers {
			if t < TierScript || t > TierService {
				violations = append(violations, FieldViolation{
					Field:      field + ".tiers",
					Constraint: "oneof",
					Message:    fmt.Sprintf("undeclared tier %d", int(t)),
				})
			}
		}
		floor := step.FloorTier()
		if prevFloor >= 0 && floor < prevFloor && !step.Deescalate {
			violations = append(violations, FieldViolation{
				Field:      field + ".tiers",
				Constraint: "monotonic",
				Message:    fmt.Sprintf("floor tier %s below previous step's %s without deescalate flag", floor, prevFloor),
			})
		}
		prevFloor = floor
	}

	for i, edge := range d.CascadeEdges {
		field := fmt.Sprintf("cascade_edges[%d]", i)
		if edge.Target == "" {
			violations = append(violations, FieldViolation{Field: field + ".target", Constraint: "required", Message: "cascade target is required"})
		}
		if edge.Strength < 0 || edge.Strength > 1 {
			violations = append(violations, FieldViolation{
				Field:      field + ".strength",
				Constraint: "gte=0,lte=1",
				Message:    fmt.Sprintf("strength %g outside [0,1]", edge.Strength),
			})
		}
	}

	if d.TTLSeconds < 0 {
		violations = append(violations, FieldViolation{Field: "ttl_seconds", Constraint: "gte=0", Message: "ttl_seconds must not be negative"})
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
