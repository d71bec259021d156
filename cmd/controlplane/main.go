// Package main provides the control plane's HTTP-facing entry point: config
// and driver wiring, the engine, and internal/httpapi's route table behind a
// graceful-shutdown http.Server, grounded on cmd/gateway/main.go's wiring
// order and server lifecycle.
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
	"github.com/R3E-Network/runcontrol/internal/httpapi"
	"github.com/R3E-Network/runcontrol/internal/llm"
	"github.com/R3E-Network/runcontrol/internal/metrics"
	"github.com/R3E-Network/runcontrol/internal/queue"
	externalqueue "github.com/R3E-Network/runcontrol/internal/queue/external"
	memoryqueue "github.com/R3E-Network/runcontrol/internal/queue/memory"
	"github.com/R3E-Network/runcontrol/internal/store"
	"github.com/R3E-Network/runcontrol/internal/store/eventpublish"
	memorystore "github.com/R3E-Network/runcontrol/internal/store/memory"
	"github.com/R3E-Network/runcontrol/internal/store/postgres"
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

	m := metrics.New("controlplane")

	// Every RecordEvent call also publishes to event.out, so GET
	// /runs/:id/stream has something to subscribe to.
	st := eventpublish.New(baseStore, q, appLog.WithComponent("eventpublish"))

	registry := engine.NewRegistry()
	registry.Register(tools.NewCodegenHandler())
	registry.Register(tools.NewGateCheckHandler("typecheck", 0))
	registry.Register(tools.NewGateCheckHandler("lint", 0))
	registry.Register(tools.NewGateCheckHandler("unit", cfg.LLM.CoverageThreshold))
	registry.Register(tools.NewLLMHandler(buildRouter(*cfg, m, appLog.WithComponent("llm-router"))))

	executor := engine.NewExecutor(st, q, registry, appLog.WithComponent("executor"), engine.ExecutorConfig{StepTimeout: cfg.Queue.StepTimeout()})

	engCfg := engine.DefaultConfig()
	engCfg.BackpressureAgeMs = cfg.Queue.BackpressureAgeMs
	engCfg.DisableInlineRunner = cfg.Queue.DisableInlineRunner
	engCfg.QueueIsMemory = cfg.Queue.Driver == "memory"
	eng := engine.NewEngine(st, q, executor, appLog.WithComponent("engine"), engCfg)

	handler := httpapi.NewHandler(eng, st, q, m, appLog.WithComponent("httpapi"))

	rootMux := http.NewServeMux()
	rootMux.Handle("/metrics", promhttp.Handler())
	rootMux.Handle("/", handler)

	stopSampling := startQueueStatsSampler(q, m, 5*time.Second)
	defer stopSampling()

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           rootMux,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		appLog.WithField("addr", server.Addr).Info("control plane starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	appLog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("shutdown error")
	}
	if err := st.Close(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("store close error")
	}
	if err := q.Close(shutdownCtx); err != nil {
		appLog.WithError(err).Warn("queue close error")
	}
}

// buildStore selects the store driver per spec.md section 6's STORE_DRIVER
// configuration knob, applying pending migrations when configured.
func buildStore(cfg config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return memorystore.New(), nil
	case "postgres":
		if cfg.Database.MigrateOnStart {
			if err := postgres.Migrate(cfg.Database.DSN); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		db, err := sqlx.Connect("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.NewFromDB(db), nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Database.Driver)
	}
}

// buildQueue selects the queue driver per spec.md section 6's QUEUE_DRIVER
// configuration knob.
func buildQueue(cfg config.Config) (queue.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return memoryqueue.New(memoryqueue.DefaultConfig()), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr})
		redisCfg := externalqueue.DefaultConfig()
		return externalqueue.New(client, redisCfg), nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.Queue.Driver)
	}
}

// buildRouter wires the three named providers behind a single LLM router
// (spec.md 4.D), skipping any provider whose API key is unset so an
// operator can run with a subset configured (e.g. during local onboarding).
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

// startQueueStatsSampler periodically publishes each topic's oldest-job age
// to the metrics gauges (SPEC_FULL.md section 3's backpressure-observability
// requirement), returning a stop function.
func startQueueStatsSampler(q queue.Queue, m *metrics.Metrics, interval time.Duration) func() {
	stop := make(chan struct{})
	topics := []queue.Topic{queue.TopicStepReady, queue.TopicEventOut, queue.TopicStepDLQ}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, topic := range topics {
					// The Queue interface exposes oldest-age but not a direct
					// depth count; depth is reported as 0 until a driver adds
					// one, the age gauge alone still drives the backpressure
					// alerting spec.md 4.B describes.
					m.SetQueueStats(string(topic), 0, q.OldestAgeMs(topic))
				}
			}
		}
	}()

	return func() { close(stop) }
}
