package llm

import (
	"context"
	"fmt"
)

// CompletionFunc performs the actual backend call; adapters below are thin
// named wrappers around one, mirroring how the reference adapter.Registry
// holds one struct per backend (OpenAIAdapter, AnthropicAdapter, ...) even
// though each ultimately issues one HTTP round trip.
type CompletionFunc func(ctx context.Context, req Request) (Response, error)

// OpenAIProvider routes requests to an OpenAI-compatible chat completion
// endpoint.
type OpenAIProvider struct {
	model string
	call  CompletionFunc
}

// NewOpenAIProvider returns a Provider named "openai". call performs the
// actual network round trip; production wiring supplies an httpClient-backed
// CompletionFunc, tests supply a stub.
func NewOpenAIProvider(model string, call CompletionFunc) *OpenAIProvider {
	return &OpenAIProvider{model: model, call: call}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	if p.call == nil {
		return Response{}, fmt.Errorf("openai provider: no completion func configured")
	}
	return p.call(ctx, req)
}

// AnthropicProvider routes requests to an Anthropic Messages-compatible
// endpoint.
type AnthropicProvider struct {
	model string
	call  CompletionFunc
}

func NewAnthropicProvider(model string, call CompletionFunc) *AnthropicProvider {
	return &AnthropicProvider{model: model, call: call}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	if p.call == nil {
		return Response{}, fmt.Errorf("anthropic provider: no completion func configured")
	}
	return p.call(ctx, req)
}

// GeminiProvider routes requests to a Gemini-compatible generateContent
// endpoint.
type GeminiProvider struct {
	model string
	call  CompletionFunc
}

func NewGeminiProvider(model string, call CompletionFunc) *GeminiProvider {
	return &GeminiProvider{model: model, call: call}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	if p.call == nil {
		return Response{}, fmt.Errorf("gemini provider: no completion func configured")
	}
	return p.call(ctx, req)
}

// HTTPProvider is a generic OpenAI-compatible HTTP backend, mirroring the
// reference adapter.NewHTTPAdapter used for self-hosted or gateway-fronted
// models that don't warrant their own named provider.
type HTTPProvider struct {
	name string
	call CompletionFunc
}

func NewHTTPProvider(name string, call CompletionFunc) *HTTPProvider {
	return &HTTPProvider{name: name, call: call}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if p.call == nil {
		return Response{}, fmt.Errorf("http provider %s: no completion func configured", p.name)
	}
	return p.call(ctx, req)
}
