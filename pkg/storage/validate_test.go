package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascata/cascata/pkg/domain"
)

func TestValidateDescriptorAcceptsCompleteRecord(t *testing.T) {
	desc := &domain.PlaybookDescriptor{
		ID:          "pb-scan",
		DefaultMode: domain.ModeDefensive,
		Steps: []domain.ToolStep{{
			ID:              "triage",
			ToolRef:         "tools/triage",
			Tiers:           []domain.Tier{domain.TierScript, domain.TierEphemeralUnit},
			DefensiveAction: "observe",
			OffensiveAction: "probe",
		}},
		CascadeEdges: []domain.CascadeEdge{{Target: "pb-isolate", Strength: 0.85}},
		TTLSeconds:   300,
	}
	assert.NoError(t, ValidateDescriptor(desc))
}

func TestValidateDescriptorReportsWireFieldPaths(t *testing.T) {
	desc := &domain.PlaybookDescriptor{
		Steps: []domain.ToolStep{{
			ID:    "step",
			Tiers: []domain.Tier{domain.TierScript},
		}},
	}

	err := ValidateDescriptor(desc)
	require.Error(t, err)

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))

	fields := make(map[string]string)
	for _, v := range verr.Violations {
		fields[v.Field] = v.Constraint
	}

	assert.Equal(t, "required", fields["id"])
	assert.Equal(t, "required", fields["steps[0].tool_ref"])
	assert.Equal(t, "required", fields["steps[0].defensive_action"])
	assert.Equal(t, "required", fields["steps[0].offensive_action"])
}

func TestValidateDescriptorMergesTagAndStructuralPasses(t *testing.T) {
	desc := &domain.PlaybookDescriptor{
		ID: "pb-bad",
		Steps: []domain.ToolStep{
			{
				ID:              "high",
				ToolRef:         "tools/high",
				Tiers:           []domain.Tier{domain.TierService},
				DefensiveAction: "scan",
				OffensiveAction: "exploit",
			},
			{
				ID:              "low",
				ToolRef:         "tools/low",
				Tiers:           []domain.Tier{domain.TierScript},
				DefensiveAction: "observe",
				OffensiveAction: "probe",
			},
		},
		CascadeEdges: []domain.CascadeEdge{{Target: "pb-next", Strength: 1.7}},
	}

	err := ValidateDescriptor(desc)
	require.Error(t, err)

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))

	constraints := make(map[string][]string)
	for _, v := range verr.Violations {
		constraints[v.Field] = append(constraints[v.Field], v.Constraint)
	}

	// Monotonicity only the structural pass can see.
	assert.Contains(t, constraints["steps[1].tiers"], "monotonic")
	// Strength range the tag pass catches.
	assert.NotEmpty(t, constraints["cascade_edges[0].strength"])
}

func TestValidateDescriptorDeduplicatesSharedViolations(t *testing.T) {
	desc := &domain.PlaybookDescriptor{
		Steps: []domain.ToolStep{{
			ID:              "step",
			Tiers:           []domain.Tier{domain.TierScript},
			DefensiveAction: "observe",
			OffensiveAction: "probe",
		}},
	}

	err := ValidateDescriptor(desc)
	require.Error(t, err)

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))

	// Both passes flag the missing tool_ref; only one violation survives.
	count := 0
	for _, v := range verr.Violations {
		if v.Field == "steps[0].tool_ref" && v.Constraint == "required" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEnvelopeRejectsUnsupportedSchema(t *testing.T) {
	_, err := decodeDescriptor([]byte(`{"schema_version": 99, "descriptor": {"id": "x"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")

	_, err = decodeDescriptor([]byte(`{"schema_version": 1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing payload")
}
