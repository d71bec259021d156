package config

import "testing"

func TestNewAppliesDefaults(t *testing.T) {
	cfg := New()
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Queue.Driver != "memory" {
		t.Fatalf("expected default queue driver memory, got %q", cfg.Queue.Driver)
	}
	if cfg.Queue.StepTimeout().Seconds() != 30 {
		t.Fatalf("expected 30s step timeout, got %s", cfg.Queue.StepTimeout())
	}
}

func TestParsedOrderSplitsAndTrims(t *testing.T) {
	cfg := Config{LLM: LLMConfig{Order: " openai, anthropic ,gemini"}}
	order := cfg.ParsedOrder()
	if len(order) != 3 || order[0] != "openai" || order[1] != "anthropic" || order[2] != "gemini" {
		t.Fatalf("unexpected order: %#v", order)
	}
}

func TestParsedOrderEmptyReturnsNil(t *testing.T) {
	cfg := Config{}
	if order := cfg.ParsedOrder(); order != nil {
		t.Fatalf("expected nil order, got %#v", order)
	}
}

func TestLoadProviderOverridesPrefersNamespacedKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "bare-key")
	t.Setenv("LLM_OPENAI_API_KEY", "namespaced-key")
	t.Setenv("LLM_OPENAI_BASE_URL", "https://example.test")

	cfg := New()
	loadProviderOverrides(cfg)

	if cfg.LLM.OpenAI.APIKey != "namespaced-key" {
		t.Fatalf("expected namespaced key to win, got %q", cfg.LLM.OpenAI.APIKey)
	}
	if cfg.LLM.OpenAI.BaseURL != "https://example.test" {
		t.Fatalf("expected base url override, got %q", cfg.LLM.OpenAI.BaseURL)
	}
}
