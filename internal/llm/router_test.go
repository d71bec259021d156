package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/runcontrol/internal/reliability"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.CandidateTimeout = 50 * time.Millisecond
	cfg.RetryConfig = reliability.RetryConfig{
		MaxAttempts:   1,
		BaseDelay:     time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 2,
	}
	cfg.DocsCacheTTL = time.Hour
	return cfg
}

func TestRouteFallsThroughToSecondProvider(t *testing.T) {
	openai := NewOpenAIProvider("gpt", func(ctx context.Context, req Request) (Response, error) {
		return Response{}, errors.New("openai down")
	})
	anthropic := NewAnthropicProvider("claude", func(ctx context.Context, req Request) (Response, error) {
		return Response{Provider: "anthropic", Model: "claude", Text: "ok"}, nil
	})

	router := NewRouter(fastConfig(), []Provider{openai, anthropic}, nil)

	resp, err := router.Route(context.Background(), Request{TaskKind: TaskCodegen, Prompt: "write a function"})
	require.NoError(t, err)
	require.Equal(t, "anthropic", resp.Provider)
}

func TestRouteReturnsErrorWhenAllProvidersFail(t *testing.T) {
	failing := func(name string) Provider {
		return NewHTTPProvider(name, func(ctx context.Context, req Request) (Response, error) {
			return Response{}, errors.New(name + " down")
		})
	}

	router := NewRouter(fastConfig(), []Provider{
		failing("openai"), failing("anthropic"), failing("gemini"),
	}, nil)

	_, err := router.Route(context.Background(), Request{TaskKind: TaskReasoning, Prompt: "explain this"})
	require.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestRouteHonorsConfiguredOrderOverride(t *testing.T) {
	var calledFirst string
	openai := NewOpenAIProvider("gpt", func(ctx context.Context, req Request) (Response, error) {
		calledFirst = "openai"
		return Response{}, errors.New("openai down")
	})
	gemini := NewGeminiProvider("gemini-pro", func(ctx context.Context, req Request) (Response, error) {
		return Response{Model: "gemini-pro", Text: "ok"}, nil
	})

	cfg := fastConfig()
	// TaskReasoning normally prefers anthropic first; an explicit Order
	// should override that default for every task kind.
	cfg.Order = []string{"openai", "gemini"}
	router := NewRouter(cfg, []Provider{openai, gemini}, nil)

	resp, err := router.Route(context.Background(), Request{TaskKind: TaskReasoning, Prompt: "explain this"})
	require.NoError(t, err)
	require.Equal(t, "openai", calledFirst)
	require.Equal(t, "gemini", resp.Provider)
}

func TestDocsTaskIsCached(t *testing.T) {
	calls := 0
	gemini := NewGeminiProvider("gemini-pro", func(ctx context.Context, req Request) (Response, error) {
		calls++
		return Response{Provider: "gemini", Model: "gemini-pro", Text: "docs"}, nil
	})

	router := NewRouter(fastConfig(), []Provider{gemini}, nil)

	req := Request{TaskKind: TaskDocs, Prompt: "document this function"}
	_, err := router.Route(context.Background(), req)
	require.NoError(t, err)
	_, err = router.Route(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, 1, calls)
}
