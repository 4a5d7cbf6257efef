package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c360studio/deeprun/correction"
	"github.com/c360studio/deeprun/interpreter"
	"github.com/c360studio/deeprun/model"
)

// maxFormatRetries bounds how many times the facade will re-prompt a
// provider whose response failed to parse as a plan, mirroring the
// teacher's processor/planner/component.go maxFormatRetries constant.
const maxFormatRetries = 5

// planContent is the wire shape a provider's JSON response must match.
type planContent struct {
	Steps []planStep `json:"steps"`
}

type planStep struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// Facade wraps a single Provider with the bounded format-retry loop and a
// circuit breaker, so a flapping provider cannot cascade into endless
// correction loops — the same concern the teacher bounds with
// maxFormatRetries, extended here with gobreaker because spec.md's
// correction loop is itself bounded by GoalMaxCorrections/
// OptimizationMaxCorrections and must fail fast once the provider itself
// is unhealthy rather than burn through that budget on timeouts.
type Facade struct {
	provider Provider
	registry *ModelRegistry
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// New constructs a Facade around provider as the fallback-of-last-resort,
// with registry resolving which registered provider a given operation's
// Capability should actually use. A nil registry falls back to
// NewDefaultModelRegistry.
func New(provider Provider, registry *ModelRegistry, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewDefaultModelRegistry()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "planner." + provider.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Facade{provider: provider, registry: registry, breaker: breaker, logger: logger}
}

// Plan produces the initial plan for a run goal.
func (f *Facade) Plan(ctx context.Context, goal string) (*model.Plan, []string, error) {
	system := "Produce a JSON plan with a top-level \"steps\" array. Each step has id, type, tool, input."
	user := "Goal: " + goal
	return f.generate(ctx, CapabilityPlanning, system, user)
}

// PlanRuntimeCorrection produces a runtime-correction plan bounded by
// constraint, in response to a failing runtime verify step.
func (f *Facade) PlanRuntimeCorrection(ctx context.Context, constraint correction.Constraint, failureSummary string) (*model.Plan, []string, error) {
	system := correctionSystemPrompt(constraint)
	user := "Runtime failure: " + failureSummary
	return f.generate(ctx, CapabilityRuntimeRecovery, system, user)
}

// PlanCorrection produces a general correction plan bounded by constraint,
// informed by the interpreter's derived profile.
func (f *Facade) PlanCorrection(ctx context.Context, constraint correction.Constraint, profile interpreter.Profile) (*model.Plan, []string, error) {
	system := correctionSystemPrompt(constraint)
	user := "Validation failure clusters: " + profile.Reason
	return f.generate(ctx, CapabilityCorrection, system, user)
}

func correctionSystemPrompt(c correction.Constraint) string {
	return fmt.Sprintf(
		"Produce a JSON plan with a top-level \"steps\" array. Stay within maxFiles=%d, "+
			"maxTotalDiffBytes=%d, allowedPathPrefixes=%v. Guidance: %v",
		c.MaxFiles, c.MaxTotalDiffBytes, c.AllowedPathPrefixes, c.Guidance)
}

// generate runs the bounded format-retry loop against f.provider, circuit
// breaking failed calls and re-prompting on parse failures up to
// maxFormatRetries total attempts, per the teacher's
// generatePlanFromMessages.
func (f *Facade) generate(ctx context.Context, cap Capability, systemPrompt, userPrompt string) (*model.Plan, []string, error) {
	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	provider := f.registry.Resolve(cap, GetProvider)
	if provider == nil {
		provider = f.provider
	}

	var requestIDs []string
	var lastErr error

	for attempt := 0; attempt < maxFormatRetries; attempt++ {
		resp, err := f.complete(ctx, provider, cap, messages)
		if err != nil {
			return nil, requestIDs, fmt.Errorf("provider completion: %w", err)
		}
		requestIDs = append(requestIDs, resp.RequestID)

		plan, parseErr := parsePlan(resp.Content)
		if parseErr == nil {
			return plan, requestIDs, nil
		}
		lastErr = parseErr

		if attempt+1 >= maxFormatRetries {
			break
		}
		f.logger.Warn("planner format retry", "attempt", attempt+1, "error", parseErr)
		messages = append(messages,
			Message{Role: "assistant", Content: resp.Content},
			Message{Role: "user", Content: "Your last response did not parse as JSON: " + parseErr.Error() + ". Reply with corrected JSON only."},
		)
	}

	return nil, requestIDs, fmt.Errorf("parse plan from provider response: %w", lastErr)
}

func (f *Facade) complete(ctx context.Context, provider Provider, cap Capability, messages []Message) (*Response, error) {
	result, err := f.breaker.Execute(func() (any, error) {
		return provider.Complete(ctx, Request{Capability: cap, Messages: messages})
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}

func parsePlan(content string) (*model.Plan, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object found in provider response")
	}
	var pc planContent
	if err := json.Unmarshal([]byte(raw), &pc); err != nil {
		return nil, fmt.Errorf("unmarshal plan JSON: %w", err)
	}
	if len(pc.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	steps := make([]model.Step, 0, len(pc.Steps))
	for _, s := range pc.Steps {
		if s.ID == "" || s.Tool == "" {
			return nil, fmt.Errorf("step missing id or tool")
		}
		steps = append(steps, model.Step{
			ID:    s.ID,
			Type:  model.StepType(s.Type),
			Tool:  s.Tool,
			Input: s.Input,
		})
	}
	return &model.Plan{Steps: steps}, nil
}
