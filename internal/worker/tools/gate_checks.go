package tools

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/R3E-Network/runcontrol/internal/engine"
	"github.com/R3E-Network/runcontrol/internal/value"
)

// gateCheckInputs is the shape a gate:* step's inputs carry: a predicate
// script whose entry point returns {passed, reason}.
type gateCheckInputs struct {
	Script     string `json:"script"`
	EntryPoint string `json:"entryPoint"`
}

// GateCheckHandler runs a sandboxed predicate script and converts its
// boolean result into a GateVerdict, implementing spec.md 4.E's case (b)
// gate resolution: "a gate:typecheck/gate:lint/gate:unit tool handler
// returns a result the core treats as already resolved." Reuses
// CodegenHandler's goja-sandbox shape rather than inventing a second way to
// run untrusted script code.
type GateCheckHandler struct {
	gateType string
	// coverageThreshold applies only to the "unit" gate type (spec.md §6's
	// COVERAGE_THRESHOLD), failing the gate when the script's reported
	// coverage falls short even if its own predicate passed. Zero disables
	// the check.
	coverageThreshold float64
}

// NewGateCheckHandler builds a handler for one of typecheck/lint/unit,
// registered under the tool name "gate:<gateType>". coverageThreshold is
// only consulted for gateType "unit".
func NewGateCheckHandler(gateType string, coverageThreshold float64) *GateCheckHandler {
	return &GateCheckHandler{gateType: gateType, coverageThreshold: coverageThreshold}
}

func (h *GateCheckHandler) Name() string { return "gate:" + h.gateType }

func (h *GateCheckHandler) Invoke(ctx context.Context, req engine.ExecutionRequest) (engine.ExecutionResult, error) {
	var in gateCheckInputs
	if err := req.Inputs.Decode(&in); err != nil {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("decode gate check inputs: %w", err), Terminal: true}
	}
	entryPoint := in.EntryPoint
	if entryPoint == "" {
		entryPoint = "check"
	}
	if in.Script == "" {
		// No predicate supplied: treat as a pass-through gate, e.g. an
		// operator wiring a check step before the actual verification
		// logic exists.
		return engine.ExecutionResult{Gate: &engine.GateVerdict{GateType: h.gateType, Passed: true, Reason: "no check script configured"}}, nil
	}

	vm := goja.New()
	if _, err := vm.RunString(in.Script); err != nil {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("compile %s check script: %w", h.gateType, err), Terminal: true}
	}

	entry, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("entry point %q is not a function", entryPoint), Terminal: true}
	}

	resultVal, err := entry(goja.Undefined())
	if err != nil {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("run %s check: %w", h.gateType, err), Terminal: false}
	}

	exported, _ := resultVal.Export().(map[string]interface{})
	passed, _ := exported["passed"].(bool)
	reason, _ := exported["reason"].(string)

	if h.gateType == "unit" && h.coverageThreshold > 0 {
		if coverage, ok := exported["coverage"].(float64); ok && coverage < h.coverageThreshold {
			passed = false
			reason = fmt.Sprintf("coverage %.2f below threshold %.2f", coverage, h.coverageThreshold)
		}
	}

	summary, err := value.FromAny(exported)
	if err != nil {
		summary = value.Null
	}
	return engine.ExecutionResult{
		Summary: summary,
		Gate:    &engine.GateVerdict{GateType: h.gateType, Passed: passed, Reason: reason},
	}, nil
}
