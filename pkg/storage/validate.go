package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cascata/cascata/pkg/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateDescriptor is the ingestion gate. It combines struct-tag validation
// with the structural checks the tags cannot express (tier range, floor-tier
// monotonicity) and reports every violation in a single *domain.ValidationError.
func ValidateDescriptor(desc *domain.PlaybookDescriptor) error {
	var violations []domain.FieldViolation

	if err := validate.Struct(desc); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate descriptor: %w", err)
		}
		for _, fe := range verrs {
			violations = append(violations, domain.FieldViolation{
				Field:      normalizeFieldPath(fe.Namespace()),
				Constraint: fe.Tag(),
				Message:    violationMessage(fe),
			})
		}
	}

	var structural *domain.ValidationError
	if err := desc.Validate(); errors.As(err, &structural) {
		violations = append(violations, structural.Violations...)
	}

	merged := dedupeViolations(violations)
	if len(merged) > 0 {
		return &domain.ValidationError{Violations: merged}
	}
	return nil
}

// dedupeViolations keeps the first violation per field and constraint pair so
// the tag pass and the structural pass do not double-report.
func dedupeViolations(in []domain.FieldViolation) []domain.FieldViolation {
	seen := make(map[string]struct{}, len(in))
	out := make([]domain.FieldViolation, 0, len(in))
	for _, v := range in {
		key := v.Field + "|" + v.Constraint
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

// normalizeFieldPath rewrites the validator namespace
// (PlaybookDescriptor.Steps[0].ToolRef) into the wire-level field path
// (steps[0].tool_ref) used by the structural pass and the API error model.
func normalizeFieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:] // drop the root struct name
	}
	for i, part := range parts {
		idx := ""
		if bracket := strings.IndexByte(part, '['); bracket >= 0 {
			idx = part[bracket:]
			part = part[:bracket]
		}
		parts[i] = toSnake(part) + idx
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "value is required"
	case "min":
		return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q constraint", fe.Tag())
	}
}
