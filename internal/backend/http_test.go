package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avllmrouter/internal/secrets"
)

func newTestCapability(t *testing.T, handler http.Handler, store secrets.Store) (*HTTPCapability, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cap := NewHTTPCapability(HTTPCapabilityConfig{
		BackendID:    "test-backend",
		BaseURL:      server.URL,
		DefaultModel: "default-model",
		CostPerToken: 0.0002,
	}, store, WithHTTPClient(server.Client()))

	return cap, server
}

func TestHTTPCapability_Complete(t *testing.T) {
	var gotWire completionRequest
	var gotAuth string

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotWire))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "default-model",
			"choices": []map[string]string{{"text": "hello there"}},
			"usage":   map[string]int{"prompt_tokens": 12, "completion_tokens": 7},
		})
	})

	store := secrets.NewStaticStore(map[string]string{"test-backend": "sk-test"})
	cap, _ := newTestCapability(t, handler, store)

	resp, err := cap.Complete(context.Background(), &Request{
		Prompt:    "say hello",
		MaxTokens: 64,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "default-model", resp.Model)
	assert.Equal(t, 12, resp.TokensIn)
	assert.Equal(t, 7, resp.TokensOut)
	assert.Positive(t, resp.Latency)

	// Model falls back to the configured default, auth header is attached.
	assert.Equal(t, "default-model", gotWire.Model)
	assert.Equal(t, "say hello", gotWire.Prompt)
	assert.Equal(t, "Bearer sk-test", gotAuth)
}

func TestHTTPCapability_Complete_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "provider error detail", tt.status)
			})
			cap, _ := newTestCapability(t, handler, nil)

			_, err := cap.Complete(context.Background(), &Request{Prompt: "x"})
			require.Error(t, err)

			var be *Error
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.retryable, be.Retryable())
			assert.Equal(t, tt.status, be.StatusCode)
			assert.Contains(t, be.Error(), "provider error detail")
		})
	}
}

func TestHTTPCapability_Complete_NoChoices(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"model": "m", "choices": []any{}})
	})
	cap, _ := newTestCapability(t, handler, nil)

	_, err := cap.Complete(context.Background(), &Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestHTTPCapability_Complete_ConnectionRefused(t *testing.T) {
	cap := NewHTTPCapability(HTTPCapabilityConfig{
		BackendID: "down",
		BaseURL:   "http://127.0.0.1:1",
	}, nil)

	_, err := cap.Complete(context.Background(), &Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestHTTPCapability_Complete_MissingSecretIsNotFatal(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "m",
			"choices": []map[string]string{{"text": "ok"}},
		})
	})
	store := secrets.NewStaticStore(nil)
	cap, _ := newTestCapability(t, handler, store)

	resp, err := cap.Complete(context.Background(), &Request{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestHTTPCapability_Probe(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	})
	cap, _ := newTestCapability(t, handler, nil)

	require.NoError(t, cap.Probe(context.Background()))
}

func TestHTTPCapability_Probe_Unhealthy(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "loading", http.StatusServiceUnavailable)
	})
	cap, _ := newTestCapability(t, handler, nil)

	err := cap.Probe(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestHTTPCapability_EstimateCost(t *testing.T) {
	cap := NewHTTPCapability(HTTPCapabilityConfig{
		BackendID:    "b",
		CostPerToken: 0.0002,
	}, nil)

	assert.InDelta(t, 0.02, cap.EstimateCost(60, 40, "any-model"), 1e-9)
	assert.Zero(t, cap.EstimateCost(0, 0, ""))
}
