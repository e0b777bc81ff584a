package backend

import (
	"context"
	"time"
)

// Request is the unified text-generation request. The HTTP layer parses the
// caller's JSON into this struct and capability implementations translate it
// into their provider-specific format.
type Request struct {
	// Prompt is the text to complete.
	Prompt string `json:"prompt"`

	// Model names the model to use. Empty means the backend's default model.
	Model string `json:"model,omitempty"`

	// MaxTokens bounds the response length. Zero means provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is the sampling temperature.
	Temperature float64 `json:"temperature,omitempty"`

	// Backend pins the request to a specific backend id. Pinning never
	// bypasses an open circuit breaker.
	Backend string `json:"backend,omitempty"`

	// Fallbacks is an ordered preference list consulted by the selector.
	Fallbacks []string `json:"fallbacks,omitempty"`

	// NoFallback disables falling back to other backends when the pinned
	// backend is ineligible or fails.
	NoFallback bool `json:"no_fallback,omitempty"`

	// Disabled lists backend ids the caller excludes from this request.
	Disabled []string `json:"disabled,omitempty"`

	// RequestID identifies the request in logs. Volatile: excluded from the
	// cache fingerprint.
	RequestID string `json:"request_id,omitempty"`
}

// Response is the unified completion response.
type Response struct {
	// Content is the generated text.
	Content string `json:"content"`

	// Model is the model that actually generated the response.
	Model string `json:"model,omitempty"`

	// TokensIn is the prompt token count reported by the provider.
	TokensIn int `json:"tokens_in"`

	// TokensOut is the completion token count reported by the provider.
	TokensOut int `json:"tokens_out"`

	// Latency is the time the backend call took.
	Latency time.Duration `json:"-"`
}

// Capability is the uniform surface every backend exposes to the router.
type Capability interface {
	// Complete sends the request and returns the full response. The context
	// carries the per-attempt deadline; implementations must stop promptly
	// when it is cancelled.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Probe performs a lightweight health check.
	Probe(ctx context.Context) error

	// EstimateCost returns the cost of a call with the given token counts.
	EstimateCost(tokensIn, tokensOut int, model string) float64
}
