package tools

import (
	"context"
	"fmt"

	"github.com/R3E-Network/runcontrol/internal/engine"
	"github.com/R3E-Network/runcontrol/internal/llm"
	"github.com/R3E-Network/runcontrol/internal/value"
)

// llmGenerateInputs is the shape an "llm:generate" step's inputs carry,
// matching spec.md 4.D's route(taskKind, prompt, opts) contract.
type llmGenerateInputs struct {
	TaskKind llm.TaskKind `json:"taskKind"`
	Prompt   string       `json:"prompt"`
	Model    string       `json:"model"`
}

// LLMHandler is the "llm:generate" tool: the one concrete step handler that
// actually calls through internal/llm.Router, giving the router a caller
// beyond its own unit tests (spec.md 4.D: "Consumed by tool handlers that
// need model output").
type LLMHandler struct {
	router *llm.Router
}

// NewLLMHandler builds an "llm:generate" handler over router.
func NewLLMHandler(router *llm.Router) *LLMHandler {
	return &LLMHandler{router: router}
}

func (h *LLMHandler) Name() string { return "llm:generate" }

func (h *LLMHandler) Invoke(ctx context.Context, req engine.ExecutionRequest) (engine.ExecutionResult, error) {
	var in llmGenerateInputs
	if err := req.Inputs.Decode(&in); err != nil {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("decode llm:generate inputs: %w", err), Terminal: true}
	}
	if in.Prompt == "" {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("llm:generate step requires a prompt"), Terminal: true}
	}
	if in.TaskKind == "" {
		in.TaskKind = llm.TaskCodegen
	}

	resp, err := h.router.Route(ctx, llm.Request{TaskKind: in.TaskKind, Prompt: in.Prompt, Model: in.Model})
	if err != nil {
		// Every candidate exhausted its retry budget or was circuit-open: the
		// router itself already applied the retryable policy, so a further
		// automatic retry here would just repeat the same outcome.
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("route llm request: %w", err), Terminal: true}
	}

	summary, err := value.FromAny(map[string]string{
		"provider": resp.Provider,
		"model":    resp.Model,
		"text":     resp.Text,
	})
	if err != nil {
		return engine.ExecutionResult{}, &engine.HandlerError{Err: fmt.Errorf("encode llm:generate summary: %w", err), Terminal: true}
	}
	return engine.ExecutionResult{Summary: summary}, nil
}
