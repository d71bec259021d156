package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPCompletionFuncPostsChatCompletionRequest(t *testing.T) {
	var gotAuth string
	var gotBody chatCompletionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Role: "assistant", Content: "hello back"}}},
		})
	}))
	defer server.Close()

	call := NewHTTPCompletionFunc(HTTPCompletionConfig{BaseURL: server.URL, APIKey: "secret-key"}, false)
	resp, err := call(context.Background(), Request{Prompt: "hi", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	require.Equal(t, "hello back", resp.Text)
	require.Equal(t, "Bearer secret-key", gotAuth)
	require.Equal(t, "gpt-4o-mini", gotBody.Model)
	require.Nil(t, gotBody.Temperature)
}

func TestHTTPCompletionFuncSetsTemperatureWhenAllowed(t *testing.T) {
	var gotBody chatCompletionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []struct {
				Message chatMessage `json:"message"`
			}{{Message: chatMessage{Content: "ok"}}},
		})
	}))
	defer server.Close()

	call := NewHTTPCompletionFunc(HTTPCompletionConfig{BaseURL: server.URL}, true)
	_, err := call(context.Background(), Request{Prompt: "hi", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	require.NotNil(t, gotBody.Temperature)
	require.InDelta(t, 0.2, *gotBody.Temperature, 0.0001)
}

func TestHTTPCompletionFuncPropagatesErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer server.Close()

	call := NewHTTPCompletionFunc(HTTPCompletionConfig{BaseURL: server.URL, APIKey: "wrong"}, false)
	_, err := call(context.Background(), Request{Prompt: "hi", Model: "gpt-4o-mini"})
	require.Error(t, err)
}

func TestGenericHTTPCompletionFuncRoundTrips(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req genericCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "explain this", req.Prompt)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(genericCompletionResponse{Text: "explanation"})
	}))
	defer server.Close()

	call := NewGenericHTTPCompletionFunc(server.URL, "token", 0)
	resp, err := call(context.Background(), Request{Prompt: "explain this", Model: "custom"})
	require.NoError(t, err)
	require.Equal(t, "explanation", resp.Text)
}
