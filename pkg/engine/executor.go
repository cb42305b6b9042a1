package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/modules"
	"github.com/cascata/cascata/pkg/telemetry"
)

// Executor runs a resolved playbook within one execution context.
type Executor struct {
	runners *runnerRegistry
	loader  *modules.Loader
	policy  *PromotionPolicy
	logger  *slog.Logger
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	Loader *modules.Loader
	Policy *PromotionPolicy
	Logger *slog.Logger
	// Invoker performs in-process tool calls; nil selects the no-op invoker.
	Invoker Invoker
	// ServiceEndpoint is the external collaborator for service-tier steps.
	ServiceEndpoint string
}

// NewExecutor creates an executor with the default tier runners registered.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	invoker := cfg.Invoker
	if invoker == nil {
		invoker = noopInvoker
	}

	e := &Executor{
		runners: newRunnerRegistry(),
		loader:  cfg.Loader,
		policy:  cfg.Policy,
		logger:  logger,
	}

	e.runners.register(domain.TierScript, &ScriptRunner{invoker: invoker, logger: logger})
	e.runners.register(domain.TierEphemeralUnit, &EphemeralRunner{invoker: invoker, logger: logger})
	e.runners.register(domain.TierModuleBacked, &ModuleBackedRunner{invoker: invoker, logger: logger})
	e.runners.register(domain.TierService, NewServiceRunner(cfg.ServiceEndpoint, logger))

	return e
}

// RegisterRunner replaces the runner for a tier.
func (e *Executor) RegisterRunner(tier domain.Tier, runner TierRunner) {
	e.runners.register(tier, runner)
}

// Execute drives every step of the context's descriptor and returns the
// summary. Step-level failures are recorded in the summary, not returned:
// the caller always gets a terminal status.
func (e *Executor) Execute(ctx context.Context, ec *domain.ExecutionContext) *domain.ExecutionSummary {
	start := time.Now()
	desc := ec.Descriptor

	summary := &domain.ExecutionSummary{
		TraceID:    ec.TraceID,
		PlaybookID: desc.ID,
		Mode:       ec.Mode,
		Status:     domain.StatusSucceeded,
		Depth:      ec.Depth,
	}

	e.logger.Info("executing playbook",
		"trace_id", ec.TraceID,
		"playbook_id", desc.ID,
		"mode", ec.Mode,
		"depth", ec.Depth,
		"cascade_origin", ec.CascadeOrigin,
	)

	tracer := otel.Tracer("cascata.engine")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "playbook.execute")
	span.SetAttributes(
		attribute.String("trace.correlation_id", ec.TraceID),
		attribute.String("playbook.id", desc.ID),
		attribute.String("execution.mode", string(ec.Mode)),
		attribute.Int("execution.depth", ec.Depth),
		attribute.Bool("execution.cascade_origin", ec.CascadeOrigin),
	)
	defer span.End()

	if !ec.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, ec.Deadline)
		defer cancel()
	}

	moduleSet := make(map[string]struct{})

	for i := range desc.Steps {
		step := desc.Steps[i]

		if ctx.Err() != nil || ec.Expired(time.Now()) {
			summary.Status = domain.StatusCancelled
			for _, rest := range desc.Steps[i:] {
				summary.Steps = append(summary.Steps, domain.StepResult{
					StepID:  rest.ID,
					ToolRef: rest.ToolRef,
					State:   domain.StepSkipped,
				})
			}
			break
		}

		result := e.runStep(ctx, tracer, ec, step)
		summary.Steps = append(summary.Steps, result)
		summary.StepsExecuted++
		for _, id := range result.ModulesUsed {
			moduleSet[id] = struct{}{}
		}

		telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
			TraceID:    ec.TraceID,
			PlaybookID: desc.ID,
			StepID:     step.ID,
			ToolRef:    step.ToolRef,
			Tier:       result.Tier.String(),
			Mode:       string(ec.Mode),
			State:      string(result.State),
			Promotions: result.Promotions,
			Duration:   result.Duration,
		})

		if result.State != domain.StepFailed {
			continue
		}

		if ctx.Err() != nil {
			// The failure was the deadline, not the tool.
			summary.Status = domain.StatusCancelled
			for _, rest := range desc.Steps[i+1:] {
				summary.Steps = append(summary.Steps, domain.StepResult{
					StepID:  rest.ID,
					ToolRef: rest.ToolRef,
					State:   domain.StepSkipped,
				})
			}
			break
		}

		summary.Status = domain.StatusFailed
		if step.Blocking {
			e.logger.Warn("blocking step failed, aborting playbook",
				"trace_id", ec.TraceID, "playbook_id", desc.ID, "step_id", step.ID)
			for _, rest := range desc.Steps[i+1:] {
				summary.Steps = append(summary.Steps, domain.StepResult{
					StepID:  rest.ID,
					ToolRef: rest.ToolRef,
					State:   domain.StepSkipped,
				})
			}
			break
		}
	}

	summary.ModulesUsed = sortedKeys(moduleSet)
	summary.Duration = time.Since(start)

	if summary.Status != domain.StatusSucceeded {
		span.SetStatus(codes.Error, string(summary.Status))
	}
	span.SetAttributes(
		attribute.String("execution.status", string(summary.Status)),
		attribute.Int("execution.steps", summary.StepsExecuted),
	)

	return summary
}

// runStep drives one step through the escalation ladder.
func (e *Executor) runStep(ctx context.Context, tracer trace.Tracer, ec *domain.ExecutionContext, step domain.ToolStep) domain.StepResult {
	tier := step.FloorTier()
	result := domain.StepResult{
		StepID:  step.ID,
		ToolRef: step.ToolRef,
		Action:  step.ActionFor(ec.Mode),
	}

	stepCtx, span := tracer.Start(ctx, "playbook.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.tool_ref", step.ToolRef),
		attribute.String("step.tier", tier.String()),
	))
	defer span.End()

	start := time.Now()
	promotions := 0

	for {
		telemetry.RecordStateTransition(stepCtx, ec.TraceID, ec.Descriptor.ID, step.ID, string(domain.StepPending), string(domain.StepRunning))

		err := e.runAtTier(stepCtx, ec, step, tier, &result)
		if err == nil {
			result.State = domain.StepSucceeded
			telemetry.RecordStateTransition(stepCtx, ec.TraceID, ec.Descriptor.ID, step.ID, string(domain.StepRunning), string(domain.StepSucceeded))
			break
		}

		if stepCtx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			result.State = domain.StepFailed
			result.Error = err.Error()
			break
		}

		if promotable(err) && promotions == 0 {
			next, ok := step.NextTier(tier)
			if ok && e.allowPromotion(stepCtx, ec, step, tier, next, promotions) {
				telemetry.RecordStateTransition(stepCtx, ec.TraceID, ec.Descriptor.ID, step.ID, string(domain.StepRunning), string(domain.StepPromoted))
				e.logger.Info("step promoted",
					"trace_id", ec.TraceID, "step_id", step.ID,
					"from_tier", tier.String(), "to_tier", next.String(), "cause", err)
				promotions++
				tier = next
				continue
			}
		}

		result.State = domain.StepFailed
		result.Error = err.Error()
		telemetry.RecordStateTransition(stepCtx, ec.TraceID, ec.Descriptor.ID, step.ID, string(domain.StepRunning), string(domain.StepFailed))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		break
	}

	result.Tier = tier
	result.Promotions = promotions
	result.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("step.state", string(result.State)),
		attribute.Int("step.promotions", promotions),
		attribute.Int64("step.duration_ms", result.Duration.Milliseconds()),
	)

	return result
}

// runAtTier dispatches the step to the tier's runner, acquiring and releasing
// resident modules around module-backed execution.
func (e *Executor) runAtTier(ctx context.Context, ec *domain.ExecutionContext, step domain.ToolStep, tier domain.Tier, result *domain.StepResult) error {
	runner, ok := e.runners.resolve(tier)
	if !ok {
		return fmt.Errorf("no runner registered for tier %s", tier)
	}

	resolved := ResolvedStep{
		TraceID:    ec.TraceID,
		PlaybookID: ec.Descriptor.ID,
		Step:       step,
		Tier:       tier,
		Action:     step.ActionFor(ec.Mode),
		Mode:       ec.Mode,
	}

	if tier == domain.TierModuleBacked && len(step.RequiredModules) > 0 {
		handles, err := e.acquireModules(ctx, step.RequiredModules)
		if err != nil {
			return err
		}
		defer func() {
			for _, h := range handles {
				e.loader.Release(h.ID)
			}
		}()
		resolved.Modules = handles

		for _, h := range handles {
			result.ModulesUsed = append(result.ModulesUsed, h.ID)
		}
	}

	return runner.Run(ctx, resolved)
}

// acquireModules acquires every required module or none of them.
func (e *Executor) acquireModules(ctx context.Context, ids []string) ([]*modules.Module, error) {
	if e.loader == nil {
		return nil, fmt.Errorf("%w: no module loader configured", domain.ErrModuleLoadFailed)
	}

	handles := make([]*modules.Module, 0, len(ids))
	for _, id := range ids {
		m, err := e.loader.Acquire(ctx, id)
		if err != nil {
			for _, h := range handles {
				e.loader.Release(h.ID)
			}
			return nil, err
		}
		handles = append(handles, m)
	}
	return handles, nil
}

func (e *Executor) allowPromotion(ctx context.Context, ec *domain.ExecutionContext, step domain.ToolStep, from, to domain.Tier, promotions int) bool {
	if e.policy == nil {
		return true
	}

	decision, err := e.policy.Evaluate(ctx, PromotionInput{
		PlaybookID: ec.Descriptor.ID,
		StepID:     step.ID,
		ToolRef:    step.ToolRef,
		Mode:       string(ec.Mode),
		From:       int(from),
		To:         int(to),
		Promotions: promotions,
	})
	if err != nil {
		e.logger.Error("promotion policy evaluation failed",
			"trace_id", ec.TraceID, "step_id", step.ID, "error", err)
		return false
	}
	if !decision.Allow {
		e.logger.Debug("promotion denied by policy",
			"trace_id", ec.TraceID, "step_id", step.ID, "reason", decision.Reason)
	}
	return decision.Allow
}

// promotable reports whether a step error represents a capability gap at the
// current tier. Budget and load failures on the module-backed tier count: the
// service tier may still satisfy the step without resident modules.
func promotable(err error) bool {
	return errors.Is(err, domain.ErrCapabilityGap) ||
		errors.Is(err, domain.ErrModuleLoadFailed) ||
		errors.Is(err, domain.ErrBudgetExceeded)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
