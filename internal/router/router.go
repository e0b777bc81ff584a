// Package router wires the capability registry, health monitor, selector,
// dispatcher and response cache into a single routing engine.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/avllmrouter/internal/backend"
	"github.com/vyrodovalexey/avllmrouter/internal/cache"
	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/dispatch"
	"github.com/vyrodovalexey/avllmrouter/internal/health"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
	"github.com/vyrodovalexey/avllmrouter/internal/registry"
	"github.com/vyrodovalexey/avllmrouter/internal/secrets"
	"github.com/vyrodovalexey/avllmrouter/internal/selector"
)

// ErrInvalidConfig indicates the router configuration is invalid.
var ErrInvalidConfig = errors.New("invalid router configuration")

// Result is the outcome of one routed request.
type Result struct {
	// Content is the completion text.
	Content string `json:"content"`

	// Model is the model that produced the completion.
	Model string `json:"model"`

	// Backend is the id of the backend that served the request.
	Backend string `json:"backend"`

	// Cost is the estimated cost of the call.
	Cost float64 `json:"cost"`

	// TokensIn is the prompt token count reported by the backend.
	TokensIn int `json:"tokensIn"`

	// TokensOut is the completion token count reported by the backend.
	TokensOut int `json:"tokensOut"`

	// Attempts counts backends tried, including the successful one.
	Attempts int `json:"attempts"`

	// CacheHit reports whether the result was served from the cache.
	// Never serialized: a cached entry is a hit only for the reader.
	CacheHit bool `json:"-"`

	// LatencyMs is the end-to-end routing latency in milliseconds. Like
	// CacheHit it is per-request and never serialized into the cache.
	LatencyMs int64 `json:"-"`
}

// Router is the backend routing engine.
type Router struct {
	cfg    *config.RouterConfig
	logger observability.Logger

	registry   *registry.Registry
	monitor    *health.Monitor
	selector   *selector.Selector
	dispatcher *dispatch.Dispatcher
	cache      *cache.ResponseCache
	secrets    secrets.Store

	closeOnce sync.Once
	closeErr  error
}

// New builds a router from configuration. Backends are registered, the
// health monitor is created (but not started; call Start) and the response
// cache is opened.
func New(cfg *config.RouterConfig, logger observability.Logger) (*Router, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	store, err := newSecretStore(&cfg.Secrets, logger)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	for i := range cfg.Backends {
		bc := &cfg.Backends[i]

		cap := backend.NewHTTPCapability(backend.HTTPCapabilityConfig{
			BackendID:    bc.ID,
			BaseURL:      bc.BaseURL,
			DefaultModel: bc.DefaultModel,
			CostPerToken: bc.CostPerToken,
		}, store, backend.WithCapabilityLogger(logger))

		desc := registry.Descriptor{
			ID:           bc.ID,
			Priority:     bc.Priority,
			CostPerToken: bc.CostPerToken,
			Class:        bc.Class,
			DefaultModel: bc.DefaultModel,
			Enabled:      bc.IsEnabled(),
		}
		if err := reg.Register(desc, cap); err != nil {
			return nil, fmt.Errorf("failed to register backend %q: %w", bc.ID, err)
		}
	}

	monitor := health.NewMonitor(health.Config{
		TripThreshold:    cfg.CircuitBreaker.TripThreshold,
		BackoffBase:      time.Duration(cfg.CircuitBreaker.BackoffBase),
		BackoffMax:       time.Duration(cfg.CircuitBreaker.BackoffMax),
		ProbeInterval:    time.Duration(cfg.CircuitBreaker.ProbeInterval),
		ProbeTTL:         time.Duration(cfg.CircuitBreaker.ProbeTTL),
		ProbeTimeout:     time.Duration(cfg.CircuitBreaker.ProbeTimeout),
		ProbeConcurrency: cfg.CircuitBreaker.ProbeConcurrency,
		ProbeRateLimit:   cfg.CircuitBreaker.ProbeRateLimit,
	}, reg.IDs(), logger)

	sel := selector.New(selector.Weights{
		Availability: cfg.Selection.AvailabilityWeight,
		Cost:         cfg.Selection.CostWeight,
		Performance:  cfg.Selection.PerformanceWeight,
		Preference:   cfg.Selection.PreferenceWeight,
	})

	disp := dispatch.New(dispatch.Config{
		SafetyMargin:      time.Duration(cfg.Dispatch.SafetyMargin),
		CloudTimeout:      time.Duration(cfg.Dispatch.CloudTimeout),
		SelfHostedTimeout: time.Duration(cfg.Dispatch.SelfHostedTimeout),
	}, reg, monitor, logger)

	var respCache *cache.ResponseCache
	if cfg.Cache.IsEnabled() {
		respCache, err = cache.New(cfg.Cache, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open response cache: %w", err)
		}
	}

	logger.Info("router initialized",
		observability.Int("backends", reg.Count()),
		observability.Bool("cache", respCache != nil),
	)

	return &Router{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		monitor:    monitor,
		selector:   sel,
		dispatcher: disp,
		cache:      respCache,
		secrets:    store,
	}, nil
}

// newSecretStore creates the configured secret store.
func newSecretStore(cfg *config.SecretsConfig, logger observability.Logger) (secrets.Store, error) {
	switch cfg.Source {
	case "", "env":
		return secrets.NewEnvStore(cfg.EnvPrefix), nil
	case "vault":
		if cfg.Vault == nil {
			return nil, fmt.Errorf("%w: vault secret source requires a vault section",
				ErrInvalidConfig)
		}
		return secrets.NewVaultStore(secrets.VaultConfig{
			Address:    cfg.Vault.Address,
			Token:      cfg.Vault.Token,
			Mount:      cfg.Vault.Mount,
			PathPrefix: cfg.Vault.PathPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown secret source %q", ErrInvalidConfig, cfg.Source)
	}
}

// Start launches the background health probe loop. The loop stops when ctx
// is cancelled or Close is called.
func (r *Router) Start(ctx context.Context) {
	r.monitor.Start(ctx, r.probe)
}

// probe checks one backend's health endpoint.
func (r *Router) probe(ctx context.Context, id string) error {
	cap, err := r.registry.Capability(id)
	if err != nil {
		return err
	}
	return cap.Probe(ctx)
}

// Route serves one completion request: it consults the response cache,
// scores the eligible backends and walks the ranked chain until one
// succeeds or the deadline runs out.
func (r *Router) Route(ctx context.Context, req *backend.Request) (*Result, error) {
	start := time.Now()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx,
			time.Duration(r.cfg.Dispatch.RequestDeadline))
		defer cancel()
	}

	result, err := r.routeCached(ctx, req)
	recordRequest(err, result, time.Since(start))
	if err != nil {
		return nil, err
	}
	result.LatencyMs = time.Since(start).Milliseconds()

	r.logger.Debug("request routed",
		observability.String("requestID", req.RequestID),
		observability.String("backend", result.Backend),
		observability.Bool("cacheHit", result.CacheHit),
		observability.Int("attempts", result.Attempts),
		observability.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// routeCached wraps selection and dispatch in a cache lookup. With the
// cache disabled it dispatches directly.
func (r *Router) routeCached(ctx context.Context, req *backend.Request) (*Result, error) {
	if r.cache == nil {
		return r.selectAndDispatch(ctx, req)
	}

	key := cache.Fingerprint(req)

	payload, hit, err := r.cache.GetOrCompute(ctx, key, 0, func(ctx context.Context) ([]byte, error) {
		result, err := r.selectAndDispatch(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	if err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	result.CacheHit = hit
	return &result, nil
}

// selectAndDispatch scores eligible backends and walks the ranked chain.
func (r *Router) selectAndDispatch(ctx context.Context, req *backend.Request) (*Result, error) {
	candidates, err := r.selector.Select(req, r.monitor.Snapshot(), r.registry.List())
	if err != nil {
		return nil, err
	}

	dres, err := r.dispatcher.Dispatch(ctx, req, candidates)
	if err != nil {
		return nil, err
	}

	return &Result{
		Content:   dres.Response.Content,
		Model:     dres.Response.Model,
		Backend:   dres.Backend,
		Cost:      dres.Cost,
		TokensIn:  dres.Response.TokensIn,
		TokensOut: dres.Response.TokensOut,
		Attempts:  dres.Attempts,
	}, nil
}

// ForceProbe probes one backend immediately, bypassing the retry timer.
func (r *Router) ForceProbe(ctx context.Context, id string) (health.ProbeResult, error) {
	return r.monitor.ForceProbe(ctx, r.probe, id)
}

// Health returns the current health snapshot for all backends.
func (r *Router) Health() map[string]health.Record {
	return r.monitor.Snapshot()
}

// Backends returns the registered backend descriptors in selection order.
func (r *Router) Backends() []registry.Descriptor {
	return r.registry.List()
}

// SetBackendEnabled toggles a backend's participation in routing.
func (r *Router) SetBackendEnabled(id string, enabled bool) error {
	return r.registry.SetEnabled(id, enabled)
}

// ApplyConfig applies the dynamic surface of a reloaded configuration:
// backend enabled flags, backend priorities and selection weights. Adding
// or removing backends and changing breaker, cache or dispatch settings
// still require a restart.
func (r *Router) ApplyConfig(cfg *config.RouterConfig) {
	if cfg == nil {
		return
	}

	for i := range cfg.Backends {
		bc := &cfg.Backends[i]
		if err := r.registry.SetEnabled(bc.ID, bc.IsEnabled()); err != nil {
			r.logger.Warn("ignoring unknown backend in reloaded configuration",
				observability.String("backend", bc.ID),
			)
			continue
		}
		_ = r.registry.SetPriority(bc.ID, bc.Priority)
	}

	r.selector.SetWeights(selector.Weights{
		Availability: cfg.Selection.AvailabilityWeight,
		Cost:         cfg.Selection.CostWeight,
		Performance:  cfg.Selection.PerformanceWeight,
		Preference:   cfg.Selection.PreferenceWeight,
	})

	r.logger.Info("applied reloaded configuration",
		observability.Int("backends", len(cfg.Backends)),
	)
}

// Close stops the probe loop and flushes the cache.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		r.monitor.Stop()
		if r.cache != nil {
			r.closeErr = r.cache.Close()
		}
	})
	return r.closeErr
}
