// Package llm implements the provider router of spec.md 4.D: task-kind
// specific provider ordering, per-candidate timeout+retry+circuit breaker,
// and a TTL cache for documentation-style tasks. Provider adapters are
// named after, and shaped like, the reference InlineRunner's
// adapter.Registry (NewOpenAIAdapter/NewAnthropicAdapter/NewHTTPAdapter).
package llm

import (
	"context"
)

// TaskKind selects the provider ordering and cache policy for a request.
type TaskKind string

const (
	TaskCodegen   TaskKind = "codegen"
	TaskReasoning TaskKind = "reasoning"
	TaskDocs      TaskKind = "docs"
)

// Request is one completion request routed to a provider.
type Request struct {
	TaskKind TaskKind
	Prompt   string
	Model    string
}

// Response is a provider completion result.
type Response struct {
	Provider string
	Model    string
	Text     string
}

// Provider is a single named completion backend, mirroring the reference
// adapter.Adapter surface (one Complete method per backend).
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}
