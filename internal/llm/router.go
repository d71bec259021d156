package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/runcontrol/internal/reliability"
	"github.com/R3E-Network/runcontrol/pkg/logger"
)

// providerOrder is the fixed fallback ordering per task kind from spec.md
// 4.D: codegen prefers OpenAI, reasoning prefers Anthropic, docs prefers
// Gemini, each falling back through the remaining two on failure.
var providerOrder = map[TaskKind][]string{
	TaskCodegen:   {"openai", "anthropic", "gemini"},
	TaskReasoning: {"anthropic", "openai", "gemini"},
	TaskDocs:      {"gemini", "anthropic", "openai"},
}

// RetryObserver is notified each time a provider candidate is retried,
// wired to internal/metrics' retries_total{provider} counter.
type RetryObserver func(provider string)

// Config tunes the router's per-candidate timeout, retry budget, and
// circuit-breaker thresholds.
type Config struct {
	CandidateTimeout time.Duration
	RetryConfig      reliability.RetryConfig
	BreakerConfig    func(provider string) reliability.BreakerConfig
	DocsCacheTTL     time.Duration
	OnRetry          RetryObserver
	// Order overrides providerOrder for every task kind when non-empty,
	// implementing spec.md 4.D step 2's "provider-order list (configured or
	// default)" — sourced from pkg/config's LLM_ORDER override. Left empty,
	// the router falls back to providerOrder's per-task-kind defaults.
	Order []string
}

// DefaultConfig returns the router's default tuning.
func DefaultConfig() Config {
	return Config{
		CandidateTimeout: 30 * time.Second,
		RetryConfig:      reliability.DefaultRetryConfig(),
		BreakerConfig: func(provider string) reliability.BreakerConfig {
			return reliability.DefaultBreakerConfig("llm:" + provider)
		},
		DocsCacheTTL: 10 * time.Minute,
	}
}

// Router selects a provider per TaskKind, retries and circuit-breaks each
// candidate, and falls through the ordering on exhaustion.
type Router struct {
	cfg       Config
	providers map[string]Provider
	breakers  map[string]*reliability.CircuitBreaker
	cache     *DocsCache
	log       *logger.Logger
}

// NewRouter builds a Router from a set of named providers. Unknown entries
// in providerOrder that have no registered Provider are skipped silently,
// so callers may wire a subset (e.g. in tests).
func NewRouter(cfg Config, providers []Provider, log *logger.Logger) *Router {
	if cfg.CandidateTimeout <= 0 {
		cfg.CandidateTimeout = DefaultConfig().CandidateTimeout
	}
	if cfg.BreakerConfig == nil {
		cfg.BreakerConfig = DefaultConfig().BreakerConfig
	}
	if cfg.DocsCacheTTL <= 0 {
		cfg.DocsCacheTTL = DefaultConfig().DocsCacheTTL
	}
	if log == nil {
		log = logger.NewDefault("llm-router")
	}

	byName := make(map[string]Provider, len(providers))
	breakers := make(map[string]*reliability.CircuitBreaker, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
		breakers[p.Name()] = reliability.NewCircuitBreaker(cfg.BreakerConfig(p.Name()))
	}

	return &Router{
		cfg:       cfg,
		providers: byName,
		breakers:  breakers,
		cache:     NewDocsCache(cfg.DocsCacheTTL),
		log:       log,
	}
}

// ErrNoProviderAvailable is returned when every candidate for a task kind
// fails (errors, times out, or is circuit-open).
var ErrNoProviderAvailable = fmt.Errorf("llm: no provider available for task")

// Route dispatches req through the ordered candidate list for its TaskKind,
// applying the docs cache first when applicable.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	if req.TaskKind == TaskDocs {
		key := Key(req.Prompt, req.TaskKind, req.Model)
		if cached, ok := r.cache.Get(key); ok {
			return cached, nil
		}
		resp, err := r.route(ctx, req)
		if err == nil {
			r.cache.Set(key, resp)
		}
		return resp, err
	}
	return r.route(ctx, req)
}

func (r *Router) route(ctx context.Context, req Request) (Response, error) {
	defaultOrder, ok := providerOrder[req.TaskKind]
	if !ok {
		return Response{}, fmt.Errorf("llm: unknown task kind %q", req.TaskKind)
	}
	order := defaultOrder
	if len(r.cfg.Order) > 0 {
		order = r.cfg.Order
	}

	var lastErr error
	for _, name := range order {
		provider, ok := r.providers[name]
		if !ok {
			continue
		}
		resp, err := r.tryProvider(ctx, provider, req)
		if err == nil {
			return resp, nil
		}
		r.log.WithField("provider", name).WithField("task_kind", string(req.TaskKind)).WithError(err).Warn("llm provider candidate failed")
		lastErr = err
	}

	if lastErr != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrNoProviderAvailable, lastErr)
	}
	return Response{}, ErrNoProviderAvailable
}

func (r *Router) tryProvider(ctx context.Context, provider Provider, req Request) (Response, error) {
	breaker := r.breakers[provider.Name()]
	var resp Response

	cfg := r.cfg.RetryConfig
	cfg.OnRetry = func(err error, n int) {
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(provider.Name())
		}
	}

	err := reliability.Retry(ctx, cfg, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CandidateTimeout)
		defer cancel()

		return breaker.Execute(callCtx, func(execCtx context.Context) error {
			out, callErr := provider.Complete(execCtx, req)
			if callErr != nil {
				return callErr
			}
			resp = out
			resp.Provider = provider.Name()
			return nil
		})
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}
