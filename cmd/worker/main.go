// Package main provides the queue-consuming worker process: the same
// driver wiring as cmd/controlplane, minus the HTTP surface, running
// internal/worker.Runner until a shutdown signal arrives. Grounded on
// infrastructure/service/base.go's worker lifecycle and cmd/gateway/main.go's
// signal handling.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/R3E-Network/runcontrol/internal/engine"
	"github.com/R3E-Network/runcontrol/internal/llm"
	"github.com/R3E-Network/runcontrol/internal/metrics"
	"github.com/R3E-Network/runcontrol/internal/queue"
	externalqueue "github.com/R3E-Network/runcontrol/internal/queue/external"
	memoryqueue "github.com/R3E-Network/runcontrol/internal/queue/memory"
	"github.com/R3E-Network/runcontrol/internal/store"
	"github.com/R3E-Network/runcontrol/internal/store/eventpublish"
	memorystore "github.com/R3E-Network/runcontrol/internal/store/memory"
	"github.com/R3E-Network/runcontrol/internal/store/postgres"
	"github.com/R3E-Network/runcontrol/internal/worker"
	"github.com/R3E-Network/runcontrol/internal/worker/tools"
	"github.com/R3E-Network/runcontrol/pkg/config"
	"github.com/R3E-Network/runcontrol/pkg/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLog := logger.New(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})

	baseStore, err := buildStore(*cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}

	q, err := buildQueue(*cfg)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}

	m := metrics.New("worker")
	st := eventpublish.New(baseStore, q, appLog.WithComponent("eventpublish"))

	registry := engine.NewRegistry()
	registry.Register(tools.NewCodegenHandler())
	registry.Register(tools.NewGateCheckHandler("typecheck", 0))
	registry.Register(tools.NewGateCheckHandler("lint", 0))
	registry.Register(tools.NewGateCheckHandler("unit", cfg.LLM.CoverageThreshold))
	registry.Register(tools.NewLLMHandler(buildRouter(*cfg, m, appLog.WithComponent("llm-router"))))

	executor := engine.NewExecutor(st, q, registry, appLog.WithComponent("executor"), engine.ExecutorConfig{StepTimeout: cfg.Queue.StepTimeout()})

	runnerCfg := worker.DefaultConfig()
	runner := worker.NewRunner(q, executor, appLog.WithComponent("worker"), runnerCfg)

	if err := runner.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	// /healthz and /metrics on a bare mux: the worker has no route table of
	// its own, just a liveness probe and the Prometheus exposition endpoint.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLog.WithField("addr", metricsServer.Addr).Info("worker metrics listener starting")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	appLog.Info("shutting down")
	runner.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("metrics server shutdown error")
	}
	if err := st.Close(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("store close error")
	}
	if err := q.Close(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("queue close error")
	}
}

func buildStore(cfg config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return memorystore.New(), nil
	case "postgres":
		db, err := sqlx.Connect("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.NewFromDB(db), nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Database.Driver)
	}
}

func buildQueue(cfg config.Config) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return memoryqueue.New(memoryqueue.DefaultConfig()), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		return externalqueue.New(client, externalqueue.DefaultConfig()), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.Queue.Driver)
	}
}

// buildRouter mirrors cmd/controlplane's provider wiring: the worker calls
// the same LLM router the control plane would, since the "llm:generate"
// tool handler runs wherever the worker's registry holding it executes.
func buildRouter(cfg config.Config, m *metrics.Metrics, routerLog *logger.Logger) *llm.Router {
	var providers []llm.Provider

	if cfg.LLM.OpenAI.APIKey != "" {
		base := cfg.LLM.OpenAI.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1/chat/completions"
		}
		call := llm.NewHTTPCompletionFunc(llm.HTTPCompletionConfig{BaseURL: base, APIKey: cfg.LLM.OpenAI.APIKey}, cfg.LLM.OpenAIAllowTemperature)
		providers = append(providers, llm.NewOpenAIProvider("gpt-4o-mini", call))
	}
	if cfg.LLM.Anthropic.APIKey != "" {
		base := cfg.LLM.Anthropic.BaseURL
		if base == "" {
			base = "https://api.anthropic.com/v1/messages"
		}
		call := llm.NewHTTPCompletionFunc(llm.HTTPCompletionConfig{BaseURL: base, APIKey: cfg.LLM.Anthropic.APIKey}, false)
		providers = append(providers, llm.NewAnthropicProvider("claude-3-5-sonnet", call))
	}
	if cfg.LLM.Gemini.APIKey != "" {
		base := cfg.LLM.Gemini.BaseURL
		if base == "" {
			base = "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent"
		}
		call := llm.NewHTTPCompletionFunc(llm.HTTPCompletionConfig{BaseURL: base, APIKey: cfg.LLM.Gemini.APIKey}, false)
		providers = append(providers, llm.NewGeminiProvider("gemini-1.5-flash", call))
	}

	routerCfg := llm.DefaultConfig()
	routerCfg.DocsCacheTTL = cfg.LLM.DocsCacheTTL()
	routerCfg.OnRetry = m.RecordLLMRetry
	routerCfg.Order = cfg.ParsedOrder()
	return llm.NewRouter(routerCfg, providers, routerLog)
}
