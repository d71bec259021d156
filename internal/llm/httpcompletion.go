package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCompletionConfig wires a CompletionFunc to a single OpenAI-compatible
// chat completion endpoint, grounded on services/datafeeds/datafeeds.go's
// http.Client construction (fixed timeout, TLS 1.2 floor).
type HTTPCompletionConfig struct {
	BaseURL string
	APIKey  string
	// APIKey, when set, is sent as an "Authorization: Bearer <key>" header;
	// there is no way to pass it as a query parameter instead.
	// Timeout bounds each request and defaults to 30s when unset.
	Timeout time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// NewHTTPCompletionFunc returns a CompletionFunc posting an OpenAI-compatible
// chat/completions request, shared by the OpenAI and any self-hosted
// OpenAI-compatible provider wired via NewHTTPProvider. allowTemperature
// matches spec.md 6's OPENAI_ALLOW_TEMPERATURE knob: some OpenAI-compatible
// deployments reject an explicit temperature field entirely.
func NewHTTPCompletionFunc(cfg HTTPCompletionConfig, allowTemperature bool) CompletionFunc {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}

	return func(ctx context.Context, req Request) (Response, error) {
		body := chatCompletionRequest{
			Model:    req.Model,
			Messages: []chatMessage{{Role: "user", Content: req.Prompt}},
		}
		if allowTemperature {
			temp := 0.2
			body.Temperature = &temp
		}

		encoded, err := json.Marshal(body)
		if err != nil {
			return Response{}, fmt.Errorf("encode completion request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL, bytes.NewReader(encoded))
		if err != nil {
			return Response{}, fmt.Errorf("build completion request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return Response{}, fmt.Errorf("completion request: %w", err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return Response{}, fmt.Errorf("read completion response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return Response{}, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, string(payload))
		}

		var decoded chatCompletionResponse
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return Response{}, fmt.Errorf("decode completion response: %w", err)
		}
		if len(decoded.Choices) == 0 {
			return Response{}, fmt.Errorf("completion response had no choices")
		}

		return Response{Model: body.Model, Text: decoded.Choices[0].Message.Content}, nil
	}
}

type genericCompletionRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

type genericCompletionResponse struct {
	Text string `json:"text"`
}

// NewGenericHTTPCompletionFunc implements spec.md 4.D's plain "http" provider
// variant: POST {prompt, model} JSON to endpoint with bearer auth, used for
// self-hosted or gateway-fronted models registered via NewHTTPProvider that
// don't speak the OpenAI chat/completions shape.
func NewGenericHTTPCompletionFunc(endpoint, apiKey string, timeout time.Duration) CompletionFunc {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}

	return func(ctx context.Context, req Request) (Response, error) {
		encoded, err := json.Marshal(genericCompletionRequest{Prompt: req.Prompt, Model: req.Model})
		if err != nil {
			return Response{}, fmt.Errorf("encode completion request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
		if err != nil {
			return Response{}, fmt.Errorf("build completion request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return Response{}, fmt.Errorf("completion request: %w", err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return Response{}, fmt.Errorf("read completion response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return Response{}, fmt.Errorf("completion endpoint returned %d: %s", resp.StatusCode, string(payload))
		}

		var decoded genericCompletionResponse
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return Response{}, fmt.Errorf("decode completion response: %w", err)
		}
		return Response{Model: req.Model, Text: decoded.Text}, nil
	}
}
