package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

// defaultPromotionRego is the built-in promotion policy: a step may climb
// exactly one rung per capability gap, and only if it has not been promoted
// before. Operators override this source via configuration.
const defaultPromotionRego = `package cascata.promotion

import rego.v1

default decision := {"allow": false, "reason": "denied by default"}

decision := {"allow": true, "reason": "single rung promotion"} if {
	input.to == input.from + 1
	input.promotions == 0
}
`

const promotionEntrypoint = "cascata/promotion/decision"

// PromotionInput is the evaluation payload for one promotion request.
type PromotionInput struct {
	PlaybookID string
	StepID     string
	ToolRef    string
	Mode       string
	From       int
	To         int
	Promotions int
}

// PromotionDecision is the policy verdict.
type PromotionDecision struct {
	Allow  bool
	Reason string
}

// PromotionPolicy evaluates promotion requests against an embedded Rego
// module.
type PromotionPolicy struct {
	mu       sync.RWMutex
	prepared rego.PreparedEvalQuery
}

// NewPromotionPolicy compiles the policy source. An empty source selects the
// built-in single-rung policy.
func NewPromotionPolicy(ctx context.Context, source string) (*PromotionPolicy, error) {
	p := &PromotionPolicy{}
	if err := p.Reload(ctx, source); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload swaps in new policy source. In-flight evaluations finish against the
// previous compilation.
func (p *PromotionPolicy) Reload(ctx context.Context, source string) error {
	if strings.TrimSpace(source) == "" {
		source = defaultPromotionRego
	}

	module, err := ast.ParseModuleWithOpts("promotion.rego", source, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return fmt.Errorf("parse promotion policy: %w", err)
	}

	query := "data." + strings.ReplaceAll(promotionEntrypoint, "/", ".")
	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("compile promotion policy: %w", err)
	}

	p.mu.Lock()
	p.prepared = prepared
	p.mu.Unlock()
	return nil
}

// Evaluate returns the policy verdict for a promotion request. An undefined
// decision denies the promotion.
func (p *PromotionPolicy) Evaluate(ctx context.Context, input PromotionInput) (PromotionDecision, error) {
	payload := map[string]any{
		"playbook_id": input.PlaybookID,
		"step_id":     input.StepID,
		"tool_ref":    input.ToolRef,
		"mode":        input.Mode,
		"from":        input.From,
		"to":          input.To,
		"promotions":  input.Promotions,
	}

	p.mu.RLock()
	prepared := p.prepared
	p.mu.RUnlock()

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return PromotionDecision{}, fmt.Errorf("evaluate promotion policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return PromotionDecision{Reason: "policy undefined"}, nil
	}

	verdict, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return PromotionDecision{}, fmt.Errorf("promotion policy: unexpected result type %T", results[0].Expressions[0].Value)
	}

	allow, _ := verdict["allow"].(bool)
	reason, _ := verdict["reason"].(string)
	return PromotionDecision{Allow: allow, Reason: reason}, nil
}
