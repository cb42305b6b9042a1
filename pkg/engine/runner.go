package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cascata/cascata/pkg/domain"
	"github.com/cascata/cascata/pkg/modules"
)

// ResolvedStep is the mode-resolved view of a step handed to a tier runner.
// Action is already selected for the execution mode, and Modules holds the
// resident handles acquired for module-backed execution.
type ResolvedStep struct {
	TraceID    string
	PlaybookID string
	Step       domain.ToolStep
	Tier       domain.Tier
	Action     string
	Mode       domain.Mode
	Modules    []*modules.Module
}

// TierRunner executes a step at one tier. A nil return means the step
// succeeded; an error wrapping domain.ErrCapabilityGap means this tier cannot
// satisfy the step and the executor may promote; any other error is a plain
// failure.
type TierRunner interface {
	Run(ctx context.Context, step ResolvedStep) error
}

// Invoker performs the actual tool call for in-process tiers. Deployments
// plug their tool integrations in here; the default invoker succeeds without
// side effects so the engine can run against catalog-only configurations.
type Invoker func(ctx context.Context, step ResolvedStep) error

func noopInvoker(ctx context.Context, _ ResolvedStep) error {
	return ctx.Err()
}

// runnerRegistry maps tiers to runners, with canonical names for logs.
type runnerRegistry struct {
	runners map[domain.Tier]TierRunner
}

func newRunnerRegistry() *runnerRegistry {
	return &runnerRegistry{runners: make(map[domain.Tier]TierRunner)}
}

func (r *runnerRegistry) register(tier domain.Tier, runner TierRunner) {
	r.runners[tier] = runner
}

func (r *runnerRegistry) resolve(tier domain.Tier) (TierRunner, bool) {
	runner, ok := r.runners[tier]
	return runner, ok
}

// ScriptRunner executes sub-second in-process scripts through the invoker.
type ScriptRunner struct {
	invoker Invoker
	logger  *slog.Logger
}

func (r *ScriptRunner) Run(ctx context.Context, step ResolvedStep) error {
	return r.invoker(ctx, step)
}

// EphemeralRunner isolates the invocation in its own goroutine so a hung tool
// cannot wedge the executor; the step context still bounds the wait.
type EphemeralRunner struct {
	invoker Invoker
	logger  *slog.Logger
}

func (r *EphemeralRunner) Run(ctx context.Context, step ResolvedStep) error {
	done := make(chan error, 1)
	go func() {
		done <- r.invoker(ctx, step)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ModuleBackedRunner requires resident modules; the executor acquires them
// before dispatch. Missing handles are a capability gap, not a crash.
type ModuleBackedRunner struct {
	invoker Invoker
	logger  *slog.Logger
}

func (r *ModuleBackedRunner) Run(ctx context.Context, step ResolvedStep) error {
	if len(step.Step.RequiredModules) > 0 && len(step.Modules) == 0 {
		return fmt.Errorf("%w: step %q needs modules %s",
			domain.ErrCapabilityGap, step.Step.ID, strings.Join(step.Step.RequiredModules, ","))
	}
	return r.invoker(ctx, step)
}

// ServiceRunner hands the step to a long-lived external collaborator and
// waits for its verdict under the step context deadline.
type ServiceRunner struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewServiceRunner builds a runner targeting the collaborator endpoint. An
// empty endpoint yields a runner that reports a capability gap for every step,
// so playbooks degrade instead of erroring when no collaborator is deployed.
func NewServiceRunner(endpoint string, logger *slog.Logger) *ServiceRunner {
	return &ServiceRunner{
		endpoint: strings.TrimSpace(endpoint),
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

type serviceRequest struct {
	TraceID    string `json:"trace_id"`
	PlaybookID string `json:"playbook_id"`
	StepID     string `json:"step_id"`
	ToolRef    string `json:"tool_ref"`
	Action     string `json:"action"`
	Mode       string `json:"mode"`
}

func (r *ServiceRunner) Run(ctx context.Context, step ResolvedStep) error {
	if r.endpoint == "" {
		return fmt.Errorf("%w: no service collaborator configured", domain.ErrCapabilityGap)
	}

	body, err := json.Marshal(serviceRequest{
		TraceID:    step.TraceID,
		PlaybookID: step.PlaybookID,
		StepID:     step.Step.ID,
		ToolRef:    step.Step.ToolRef,
		Action:     step.Action,
		Mode:       string(step.Mode),
	})
	if err != nil {
		return fmt.Errorf("encode service request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build service request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("service collaborator: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: collaborator cannot satisfy tool %q", domain.ErrCapabilityGap, step.Step.ToolRef)
	default:
		return fmt.Errorf("service collaborator returned status %d", resp.StatusCode)
	}
}
