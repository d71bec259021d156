package engine

import (
	"encoding/json"
	"fmt"

	"github.com/R3E-Network/runcontrol/internal/apperr"
	"github.com/R3E-Network/runcontrol/internal/value"
)

// PlanStep is one entry of a submitted plan's step list, per spec.md 4.E's
// plan builder contract.
type PlanStep struct {
	Name         string          `json:"name"`
	Tool         string          `json:"tool"`
	Inputs       json.RawMessage `json:"inputs,omitempty"`
	ToolsAllowed []string        `json:"tools_allowed,omitempty"`
	EnvAllowed   []string        `json:"env_allowed,omitempty"`
	SecretsScope []string        `json:"secrets_scope,omitempty"`
}

// Plan is the opaque structured value a client submits to POST /runs,
// parsed just enough to drive step materialisation; everything else passes
// through untouched as the run's stored Plan value.
type Plan struct {
	Goal  string     `json:"goal"`
	Steps []PlanStep `json:"steps"`
}

// ParsePlan decodes raw into a Plan, validating the one structural
// requirement the core relies on: step names unique within the plan.
func ParsePlan(raw value.Value) (Plan, error) {
	var plan Plan
	if raw.IsZero() {
		return Plan{}, apperr.Validation("plan is required")
	}
	if err := raw.Decode(&plan); err != nil {
		return Plan{}, apperr.Validation(fmt.Sprintf("invalid plan: %v", err))
	}
	if len(plan.Steps) == 0 {
		return Plan{}, apperr.Validation("plan must contain at least one step")
	}

	seen := make(map[string]struct{}, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.Name == "" {
			return Plan{}, apperr.Validation("plan step name is required")
		}
		if step.Tool == "" {
			return Plan{}, apperr.Validation(fmt.Sprintf("plan step %q is missing a tool", step.Name))
		}
		if _, dup := seen[step.Name]; dup {
			return Plan{}, apperr.Validation(fmt.Sprintf("duplicate plan step name %q", step.Name))
		}
		seen[step.Name] = struct{}{}
	}
	return plan, nil
}

// policy is the nested _policy sub-object embedded into a step's inputs
// when any of its three fields are present on the plan step.
type policy struct {
	ToolsAllowed []string `json:"tools_allowed,omitempty"`
	EnvAllowed   []string `json:"env_allowed,omitempty"`
	SecretsScope []string `json:"secrets_scope,omitempty"`
}

// effectiveInputs composes a plan step's stored inputs: its own inputs
// object (defaulting to {}) with _policy embedded when any policy field is
// present.
func effectiveInputs(step PlanStep) (value.Value, error) {
	base := step.Inputs
	if len(base) == 0 {
		base = json.RawMessage("{}")
	}
	inputs := value.New(base)

	if len(step.ToolsAllowed) == 0 && len(step.EnvAllowed) == 0 && len(step.SecretsScope) == 0 {
		return inputs, nil
	}

	p := policy{ToolsAllowed: step.ToolsAllowed, EnvAllowed: step.EnvAllowed, SecretsScope: step.SecretsScope}
	return inputs.WithField("_policy", p)
}
