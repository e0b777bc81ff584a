package config

import (
	"time"
)

// Backend class values.
const (
	// BackendClassCloud is a hosted provider reached over the public internet.
	BackendClassCloud = "cloud"

	// BackendClassSelfHosted is a model server operated alongside the router.
	BackendClassSelfHosted = "self_hosted"
)

// Durable cache store types.
const (
	// DurableStoreSQLite persists cache entries in a local SQLite database.
	DurableStoreSQLite = "sqlite"

	// DurableStoreRedis persists cache entries in Redis.
	DurableStoreRedis = "redis"
)

// RouterConfig is the top-level configuration for the backend router.
type RouterConfig struct {
	// Server contains the HTTP listener configuration.
	Server ServerConfig `yaml:"server" json:"server"`

	// Log contains logging configuration.
	Log LogConfig `yaml:"log" json:"log"`

	// Tracing contains OpenTelemetry tracing configuration.
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`

	// Backends is the list of registered backends.
	Backends []BackendConfig `yaml:"backends" json:"backends"`

	// Selection contains the backend scoring weights.
	Selection SelectionConfig `yaml:"selection" json:"selection"`

	// CircuitBreaker contains circuit breaker and health probing settings.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`

	// Dispatch contains timeout and deadline settings for the dispatch pipeline.
	Dispatch DispatchConfig `yaml:"dispatch" json:"dispatch"`

	// Cache contains response cache settings.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Secrets contains credential resolution settings.
	Secrets SecretsConfig `yaml:"secrets,omitempty" json:"secrets,omitempty"`
}

// ServerConfig contains the HTTP listener configuration.
type ServerConfig struct {
	// ListenAddr is the address the router listens on. Default ":8080".
	ListenAddr string `yaml:"listenAddr" json:"listenAddr"`

	// ShutdownGracePeriod is how long in-flight requests are drained on
	// shutdown. Default 15s.
	ShutdownGracePeriod Duration `yaml:"shutdownGracePeriod,omitempty" json:"shutdownGracePeriod,omitempty"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level is the minimum log level: debug, info, warn, error. Default "info".
	Level string `yaml:"level" json:"level"`

	// Format is the log output format: json or console. Default "json".
	Format string `yaml:"format" json:"format"`

	// Output is the log destination: stdout or stderr. Default "stdout".
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
}

// TracingConfig contains OpenTelemetry tracing configuration.
type TracingConfig struct {
	// Enabled turns span export on. Default false.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint.
	OTLPEndpoint string `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`

	// SamplingRate is the trace sampling ratio (0.0 to 1.0). Default 1.0.
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
}

// BackendConfig describes a single registered backend.
type BackendConfig struct {
	// ID is the unique backend identifier.
	ID string `yaml:"id" json:"id"`

	// Priority is the declared preference order; lower is preferred.
	Priority int `yaml:"priority" json:"priority"`

	// CostPerToken is the cost per token in account currency units.
	CostPerToken float64 `yaml:"costPerToken" json:"costPerToken"`

	// Class is the backend class: "cloud" or "self_hosted".
	Class string `yaml:"class" json:"class"`

	// DefaultModel is the model used when the request does not name one.
	DefaultModel string `yaml:"defaultModel" json:"defaultModel"`

	// BaseURL is the base URL of the backend's completion API.
	BaseURL string `yaml:"baseURL" json:"baseURL"`

	// Enabled controls whether the backend participates in routing.
	// Defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// IsEnabled reports whether the backend participates in routing.
func (b *BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// SelectionConfig contains the weighted scoring configuration.
//
// The four weights should sum to 1.0; Validate rejects configurations where
// they do not (within a small tolerance).
type SelectionConfig struct {
	// AvailabilityWeight scores circuit state. Default 0.4.
	AvailabilityWeight float64 `yaml:"availabilityWeight" json:"availabilityWeight"`

	// CostWeight scores inverse-normalized cost per token. Default 0.3.
	CostWeight float64 `yaml:"costWeight" json:"costWeight"`

	// PerformanceWeight scores inverse-normalized rolling latency. Default 0.2.
	PerformanceWeight float64 `yaml:"performanceWeight" json:"performanceWeight"`

	// PreferenceWeight scores caller and operator preference. Default 0.1.
	PreferenceWeight float64 `yaml:"preferenceWeight" json:"preferenceWeight"`
}

// CircuitBreakerConfig contains circuit breaker and probing settings.
type CircuitBreakerConfig struct {
	// TripThreshold is the number of consecutive retryable failures that
	// opens the circuit. Default 5.
	TripThreshold int `yaml:"tripThreshold" json:"tripThreshold"`

	// BackoffBase is the initial open-state backoff. Default 5m.
	BackoffBase Duration `yaml:"backoffBase" json:"backoffBase"`

	// BackoffMax caps the doubled open-state backoff. Default 1h.
	BackoffMax Duration `yaml:"backoffMax" json:"backoffMax"`

	// ProbeInterval is how often the background probe loop fires. Default 30s.
	ProbeInterval Duration `yaml:"probeInterval" json:"probeInterval"`

	// ProbeTTL is how long a probe result stays fresh. Default 30s.
	ProbeTTL Duration `yaml:"probeTTL" json:"probeTTL"`

	// ProbeTimeout is the per-probe timeout. Default 5s.
	ProbeTimeout Duration `yaml:"probeTimeout" json:"probeTimeout"`

	// ProbeConcurrency bounds concurrent background probes. Default 4.
	ProbeConcurrency int `yaml:"probeConcurrency" json:"probeConcurrency"`

	// ProbeRateLimit caps probes per second across all backends. Default 10.
	ProbeRateLimit float64 `yaml:"probeRateLimit,omitempty" json:"probeRateLimit,omitempty"`
}

// DispatchConfig contains timeout and deadline settings.
type DispatchConfig struct {
	// RequestDeadline is the overall deadline for one routed request,
	// including all fallback attempts. Default 60s.
	RequestDeadline Duration `yaml:"requestDeadline" json:"requestDeadline"`

	// SafetyMargin is subtracted from the remaining deadline when computing
	// a per-attempt timeout so the aggregate operation never overruns the
	// caller's deadline. Default 500ms.
	SafetyMargin Duration `yaml:"safetyMargin" json:"safetyMargin"`

	// CloudTimeout is the default per-attempt timeout for cloud backends.
	// Default 30s.
	CloudTimeout Duration `yaml:"cloudTimeout" json:"cloudTimeout"`

	// SelfHostedTimeout is the default per-attempt timeout for self-hosted
	// backends. Default 120s.
	SelfHostedTimeout Duration `yaml:"selfHostedTimeout" json:"selfHostedTimeout"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	// Enabled turns the response cache on. Default true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// TTL is the default time-to-live for cached responses. Default 5m.
	TTL Duration `yaml:"ttl" json:"ttl"`

	// MaxBytes bounds the memory tier's total payload size. Default 64MiB.
	MaxBytes int64 `yaml:"maxBytes" json:"maxBytes"`

	// CompressionThreshold is the payload size above which entries are
	// stored gzip-compressed. Default 4KiB.
	CompressionThreshold int `yaml:"compressionThreshold,omitempty" json:"compressionThreshold,omitempty"`

	// SweepInterval is how often expired entries are swept from the durable
	// tier. Default 10m.
	SweepInterval Duration `yaml:"sweepInterval,omitempty" json:"sweepInterval,omitempty"`

	// Durable contains durable tier configuration. When nil, only the
	// memory tier is used.
	Durable *DurableStoreConfig `yaml:"durable,omitempty" json:"durable,omitempty"`
}

// IsEnabled reports whether the response cache is on.
func (c *CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DurableStoreConfig contains durable cache tier configuration.
type DurableStoreConfig struct {
	// Type is the durable store type: "sqlite" or "redis".
	Type string `yaml:"type" json:"type"`

	// Path is the SQLite database file path (sqlite only).
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// URL is the Redis connection URL (redis only).
	// Format: redis://[user:password@]host:port[/db]
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// KeyPrefix is a prefix added to all durable cache keys (redis only).
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`
}

// SecretsConfig contains credential resolution settings.
type SecretsConfig struct {
	// Source is the secret source: "env" or "vault". Default "env".
	Source string `yaml:"source,omitempty" json:"source,omitempty"`

	// EnvPrefix is the environment variable prefix for env-sourced secrets.
	// A backend "openai" resolves to "<EnvPrefix>OPENAI_API_KEY".
	// Default "ROUTER_".
	EnvPrefix string `yaml:"envPrefix,omitempty" json:"envPrefix,omitempty"`

	// Vault contains Vault connection settings (vault only).
	Vault *VaultConfig `yaml:"vault,omitempty" json:"vault,omitempty"`
}

// VaultConfig contains Vault connection settings.
type VaultConfig struct {
	// Address is the Vault server address.
	Address string `yaml:"address" json:"address"`

	// Token is the Vault token. Prefer ${VAULT_TOKEN} substitution over
	// embedding the literal value.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// Mount is the KV v2 mount point. Default "secret".
	Mount string `yaml:"mount,omitempty" json:"mount,omitempty"`

	// PathPrefix is prepended to the backend id to form the secret path.
	PathPrefix string `yaml:"pathPrefix,omitempty" json:"pathPrefix,omitempty"`
}

// Default configuration values.
const (
	DefaultListenAddr           = ":8080"
	DefaultShutdownGracePeriod  = 15 * time.Second
	DefaultTripThreshold        = 5
	DefaultBackoffBase          = 5 * time.Minute
	DefaultBackoffMax           = time.Hour
	DefaultProbeInterval        = 30 * time.Second
	DefaultProbeTTL             = 30 * time.Second
	DefaultProbeTimeout         = 5 * time.Second
	DefaultProbeConcurrency     = 4
	DefaultProbeRateLimit       = 10.0
	DefaultRequestDeadline      = 60 * time.Second
	DefaultSafetyMargin         = 500 * time.Millisecond
	DefaultCloudTimeout         = 30 * time.Second
	DefaultSelfHostedTimeout    = 120 * time.Second
	DefaultCacheTTL             = 5 * time.Minute
	DefaultCacheMaxBytes        = 64 << 20
	DefaultCompressionThreshold = 4 << 10
	DefaultSweepInterval        = 10 * time.Minute
)

// Default selection weights.
const (
	DefaultAvailabilityWeight = 0.4
	DefaultCostWeight         = 0.3
	DefaultPerformanceWeight  = 0.2
	DefaultPreferenceWeight   = 0.1
)

// DefaultConfig returns a RouterConfig with all defaults applied and no
// backends registered.
func DefaultConfig() *RouterConfig {
	cfg := &RouterConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *RouterConfig) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.ShutdownGracePeriod == 0 {
		c.Server.ShutdownGracePeriod = Duration(DefaultShutdownGracePeriod)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Selection == (SelectionConfig{}) {
		c.Selection = SelectionConfig{
			AvailabilityWeight: DefaultAvailabilityWeight,
			CostWeight:         DefaultCostWeight,
			PerformanceWeight:  DefaultPerformanceWeight,
			PreferenceWeight:   DefaultPreferenceWeight,
		}
	}
	if c.CircuitBreaker.TripThreshold == 0 {
		c.CircuitBreaker.TripThreshold = DefaultTripThreshold
	}
	if c.CircuitBreaker.BackoffBase == 0 {
		c.CircuitBreaker.BackoffBase = Duration(DefaultBackoffBase)
	}
	if c.CircuitBreaker.BackoffMax == 0 {
		c.CircuitBreaker.BackoffMax = Duration(DefaultBackoffMax)
	}
	if c.CircuitBreaker.ProbeInterval == 0 {
		c.CircuitBreaker.ProbeInterval = Duration(DefaultProbeInterval)
	}
	if c.CircuitBreaker.ProbeTTL == 0 {
		c.CircuitBreaker.ProbeTTL = Duration(DefaultProbeTTL)
	}
	if c.CircuitBreaker.ProbeTimeout == 0 {
		c.CircuitBreaker.ProbeTimeout = Duration(DefaultProbeTimeout)
	}
	if c.CircuitBreaker.ProbeConcurrency == 0 {
		c.CircuitBreaker.ProbeConcurrency = DefaultProbeConcurrency
	}
	if c.CircuitBreaker.ProbeRateLimit == 0 {
		c.CircuitBreaker.ProbeRateLimit = DefaultProbeRateLimit
	}
	if c.Dispatch.RequestDeadline == 0 {
		c.Dispatch.RequestDeadline = Duration(DefaultRequestDeadline)
	}
	if c.Dispatch.SafetyMargin == 0 {
		c.Dispatch.SafetyMargin = Duration(DefaultSafetyMargin)
	}
	if c.Dispatch.CloudTimeout == 0 {
		c.Dispatch.CloudTimeout = Duration(DefaultCloudTimeout)
	}
	if c.Dispatch.SelfHostedTimeout == 0 {
		c.Dispatch.SelfHostedTimeout = Duration(DefaultSelfHostedTimeout)
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(DefaultCacheTTL)
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = DefaultCacheMaxBytes
	}
	if c.Cache.CompressionThreshold == 0 {
		c.Cache.CompressionThreshold = DefaultCompressionThreshold
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = Duration(DefaultSweepInterval)
	}
	if c.Secrets.Source == "" {
		c.Secrets.Source = "env"
	}
	if c.Secrets.EnvPrefix == "" {
		c.Secrets.EnvPrefix = "ROUTER_"
	}
}
