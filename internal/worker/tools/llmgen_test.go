package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/runcontrol/internal/engine"
	"github.com/R3E-Network/runcontrol/internal/llm"
	"github.com/R3E-Network/runcontrol/internal/value"
)

func TestLLMHandlerRoutesAndSummarizes(t *testing.T) {
	provider := llm.NewOpenAIProvider("gpt-4o-mini", func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{Model: "gpt-4o-mini", Text: "package main"}, nil
	})
	router := llm.NewRouter(llm.DefaultConfig(), []llm.Provider{provider}, nil)
	h := NewLLMHandler(router)
	require.Equal(t, "llm:generate", h.Name())

	inputs, err := value.FromAny(map[string]interface{}{
		"taskKind": "codegen",
		"prompt":   "write a hello world",
	})
	require.NoError(t, err)

	result, err := h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.NoError(t, err)

	var summary struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		Text     string `json:"text"`
	}
	require.NoError(t, result.Summary.Decode(&summary))
	require.Equal(t, "openai", summary.Provider)
	require.Equal(t, "gpt-4o-mini", summary.Model)
	require.Equal(t, "package main", summary.Text)
}

func TestLLMHandlerDefaultsTaskKindToCodegen(t *testing.T) {
	var seen llm.TaskKind
	provider := llm.NewOpenAIProvider("gpt-4o-mini", func(ctx context.Context, req llm.Request) (llm.Response, error) {
		seen = req.TaskKind
		return llm.Response{Model: "gpt-4o-mini", Text: "ok"}, nil
	})
	router := llm.NewRouter(llm.DefaultConfig(), []llm.Provider{provider}, nil)
	h := NewLLMHandler(router)

	inputs, err := value.FromAny(map[string]interface{}{"prompt": "do something"})
	require.NoError(t, err)

	_, err = h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.NoError(t, err)
	require.Equal(t, llm.TaskCodegen, seen)
}

func TestLLMHandlerRejectsMissingPrompt(t *testing.T) {
	router := llm.NewRouter(llm.DefaultConfig(), nil, nil)
	h := NewLLMHandler(router)

	inputs, err := value.FromAny(map[string]interface{}{})
	require.NoError(t, err)

	_, err = h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.Error(t, err)

	var handlerErr *engine.HandlerError
	require.ErrorAs(t, err, &handlerErr)
	require.True(t, handlerErr.Terminal)
}

func TestLLMHandlerWrapsRouteFailureAsTerminal(t *testing.T) {
	provider := llm.NewOpenAIProvider("gpt-4o-mini", func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{}, errors.New("provider unavailable")
	})
	cfg := llm.DefaultConfig()
	cfg.RetryConfig.MaxAttempts = 1
	router := llm.NewRouter(cfg, []llm.Provider{provider}, nil)
	h := NewLLMHandler(router)

	inputs, err := value.FromAny(map[string]interface{}{"prompt": "do something"})
	require.NoError(t, err)

	_, err = h.Invoke(context.Background(), engine.ExecutionRequest{Inputs: inputs})
	require.Error(t, err)

	var handlerErr *engine.HandlerError
	require.ErrorAs(t, err, &handlerErr)
	require.True(t, handlerErr.Terminal)
}
