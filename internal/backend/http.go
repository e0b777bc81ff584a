package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avllmrouter/internal/observability"
	"github.com/vyrodovalexey/avllmrouter/internal/secrets"
)

// maxErrorBodyBytes bounds how much of an error response body is read for
// diagnostics.
const maxErrorBodyBytes = 4 << 10

// HTTPCapabilityConfig configures an OpenAI-compatible HTTP capability.
type HTTPCapabilityConfig struct {
	// BackendID is the backend identifier used for secret resolution,
	// error attribution and logging.
	BackendID string

	// BaseURL is the base URL of the completion API.
	BaseURL string

	// DefaultModel is used when the request does not name a model.
	DefaultModel string

	// CostPerToken is the declared cost per token.
	CostPerToken float64
}

// HTTPCapability implements Capability against an OpenAI-compatible
// completions API. Provider-specific adapters live outside the router core;
// this client covers every backend that speaks the common wire format.
type HTTPCapability struct {
	cfg     HTTPCapabilityConfig
	client  *http.Client
	secrets secrets.Store
	logger  observability.Logger
}

// HTTPCapabilityOption is a functional option for the HTTP capability.
type HTTPCapabilityOption func(*HTTPCapability)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(client *http.Client) HTTPCapabilityOption {
	return func(c *HTTPCapability) {
		c.client = client
	}
}

// WithCapabilityLogger sets the logger.
func WithCapabilityLogger(logger observability.Logger) HTTPCapabilityOption {
	return func(c *HTTPCapability) {
		c.logger = logger
	}
}

// NewHTTPCapability creates a capability for an OpenAI-compatible backend.
func NewHTTPCapability(cfg HTTPCapabilityConfig, store secrets.Store, opts ...HTTPCapabilityOption) *HTTPCapability {
	c := &HTTPCapability{
		cfg:     cfg,
		client:  &http.Client{},
		secrets: store,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// completionRequest is the wire format of the completion call.
type completionRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// completionResponse is the wire format of the completion response.
type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements Capability.
func (c *HTTPCapability) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}

	body, err := json.Marshal(completionRequest{
		Model:       model,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, NewPermanentError(c.cfg.BackendID, fmt.Errorf("failed to encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewPermanentError(c.cfg.BackendID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var wire completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, NewRetryableError(c.cfg.BackendID, fmt.Errorf("failed to decode response: %w", err))
	}
	if len(wire.Choices) == 0 {
		return nil, NewRetryableError(c.cfg.BackendID, errors.New("response contains no choices"))
	}

	return &Response{
		Content:   wire.Choices[0].Text,
		Model:     wire.Model,
		TokensIn:  wire.Usage.PromptTokens,
		TokensOut: wire.Usage.CompletionTokens,
		Latency:   time.Since(start),
	}, nil
}

// Probe implements Capability with a lightweight models listing call.
func (c *HTTPCapability) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return NewPermanentError(c.cfg.BackendID, err)
	}

	if err := c.authorize(ctx, httpReq); err != nil {
		return err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return c.classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
	return nil
}

// EstimateCost implements Capability.
func (c *HTTPCapability) EstimateCost(tokensIn, tokensOut int, _ string) float64 {
	return float64(tokensIn+tokensOut) * c.cfg.CostPerToken
}

// authorize attaches the backend's bearer token when one is configured.
// A missing secret is not fatal: self-hosted backends commonly run without
// authentication.
func (c *HTTPCapability) authorize(ctx context.Context, req *http.Request) error {
	if c.secrets == nil {
		return nil
	}

	key, err := c.secrets.GetSecret(ctx, c.cfg.BackendID)
	if errors.Is(err, secrets.ErrSecretNotFound) {
		return nil
	}
	if err != nil {
		return NewPermanentError(c.cfg.BackendID, fmt.Errorf("failed to resolve credential: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+key)
	return nil
}

// classifyTransportError wraps a transport-level failure.
func (c *HTTPCapability) classifyTransportError(err error) *Error {
	if IsNetworkError(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewRetryableError(c.cfg.BackendID, err)
	}
	return NewPermanentError(c.cfg.BackendID, err)
}

// statusError builds a classified error from a non-200 response.
func (c *HTTPCapability) statusError(resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	return &Error{
		Backend:        c.cfg.BackendID,
		Classification: ClassifyStatusCode(resp.StatusCode),
		StatusCode:     resp.StatusCode,
		Err:            fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
	}
}
