package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/avllmrouter/internal/config"
	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// Common cache errors.
var (
	// ErrCacheClosed indicates that the cache has been closed.
	ErrCacheClosed = errors.New("cache closed")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// durablePutTimeout bounds background durable tier writes.
const durablePutTimeout = 10 * time.Second

// ComputeFunc produces the value for a key on a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// ResponseCache is a two-tier response cache. Lookups check the memory
// tier first, then the durable tier; durable hits are rehydrated into
// memory. Concurrent misses on the same key are collapsed so the value is
// computed exactly once.
type ResponseCache struct {
	cfg    config.CacheConfig
	logger observability.Logger
	tracer trace.Tracer

	memory  *memoryTier
	durable Store

	group singleflight.Group

	inflightMu   sync.Mutex
	inflightKeys map[string]int

	pending   sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}
	closeOnce sync.Once
}

// computed is the shared result of a collapsed lookup.
type computed struct {
	payload []byte
	hit     bool
}

// New creates a response cache from configuration. A nil durable section
// yields a memory-only cache.
func New(cfg config.CacheConfig, logger observability.Logger) (*ResponseCache, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	c := &ResponseCache{
		cfg:          cfg,
		logger:       logger,
		tracer:       otel.Tracer("cache"),
		inflightKeys: make(map[string]int),
		stopCh:       make(chan struct{}),
		stoppedCh:    make(chan struct{}),
	}
	c.memory = newMemoryTier(cfg.MaxBytes, c.isInflight, logger)

	if cfg.Durable != nil {
		store, err := newDurableStore(cfg.Durable, logger)
		if err != nil {
			return nil, err
		}
		c.durable = store
	}

	go c.sweepLoop()

	logger.Info("response cache initialized",
		observability.Int64("maxBytes", cfg.MaxBytes),
		observability.Bool("durable", c.durable != nil),
		observability.Duration("ttl", time.Duration(cfg.TTL)),
	)

	return c, nil
}

// newDurableStore creates the configured durable tier.
func newDurableStore(cfg *config.DurableStoreConfig, logger observability.Logger) (Store, error) {
	switch cfg.Type {
	case config.DurableStoreSQLite:
		return NewSQLiteStore(SQLiteStoreConfig{Path: cfg.Path}, logger)
	case config.DurableStoreRedis:
		return NewRedisStore(RedisStoreConfig{
			URL:       cfg.URL,
			KeyPrefix: cfg.KeyPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown durable store type %q",
			ErrInvalidConfig, cfg.Type)
	}
}

// GetOrCompute returns the cached value for key, computing and storing it
// on a miss. A non-positive ttl falls back to the configured default. The
// returned bool reports whether the value came from the cache. Concurrent
// callers for the same key share a single computation; each sharer of a
// computed value observes hit=false.
func (c *ResponseCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, bool, error) {
	if !c.cfg.IsEnabled() {
		payload, err := compute(ctx)
		return payload, false, err
	}
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	ctx, span := c.tracer.Start(ctx, "cache.GetOrCompute")
	defer span.End()
	span.SetAttributes(attribute.String("cache.key", key))

	if entry, ok := c.memory.get(key); ok {
		payload, err := decodePayload(entry.payload, entry.compressed)
		if err == nil {
			recordHit("memory")
			span.SetAttributes(attribute.String("cache.tier", "memory"))
			return payload, true, nil
		}
		// Undecodable entries are dropped and recomputed.
		c.logger.Warn("dropping undecodable cache entry",
			observability.String("key", key),
			observability.Error(err),
		)
		c.memory.delete(key)
	}

	c.markInflight(key)
	defer c.unmarkInflight(key)

	value, err, _ := c.group.Do(key, func() (any, error) {
		return c.lookupOrCompute(ctx, key, ttl, compute)
	})
	if err != nil {
		return nil, false, err
	}

	result := value.(*computed)
	if result.hit {
		span.SetAttributes(attribute.String("cache.tier", "durable"))
	}
	return result.payload, result.hit, nil
}

// lookupOrCompute runs as the single flight leader: it rechecks the memory
// tier, falls through to the durable tier and finally computes the value.
func (c *ResponseCache) lookupOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (*computed, error) {
	// A racing leader may have populated memory between the caller's miss
	// and this flight.
	if entry, ok := c.memory.get(key); ok {
		if payload, err := decodePayload(entry.payload, entry.compressed); err == nil {
			recordHit("memory")
			return &computed{payload: payload, hit: true}, nil
		}
		c.memory.delete(key)
	}

	if c.durable != nil {
		entry, err := c.durable.Get(ctx, key)
		if err == nil {
			payload, decErr := decodePayload(entry.Payload, entry.Compressed)
			if decErr == nil {
				recordHit("durable")
				c.rehydrate(key, entry)
				return &computed{payload: payload, hit: true}, nil
			}
			c.logger.Warn("dropping undecodable durable cache entry",
				observability.String("key", key),
				observability.Error(decErr),
			)
		} else if !errors.Is(err, ErrEntryMissing) {
			// A durable tier failure degrades to a miss.
			c.logger.Warn("durable cache read failed",
				observability.String("key", key),
				observability.Error(err),
			)
		}
	}

	recordMiss()

	payload, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	c.store(key, payload, ttl)
	return &computed{payload: payload, hit: false}, nil
}

// store writes a freshly computed value to both tiers. The durable write
// happens in the background so it never delays the caller.
func (c *ResponseCache) store(key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Duration(c.cfg.TTL)
	}
	now := time.Now()
	expiresAt := now.Add(ttl)

	stored, compressed := encodePayload(payload, c.cfg.CompressionThreshold)

	c.memory.set(&memoryEntry{
		key:        key,
		payload:    stored,
		compressed: compressed,
		createdAt:  now,
		expiresAt:  expiresAt,
	})

	if c.durable == nil {
		return
	}

	entry := &Entry{
		Key:        key,
		Payload:    stored,
		Compressed: compressed,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), durablePutTimeout)
		defer cancel()

		if err := c.durable.Put(ctx, entry); err != nil {
			c.logger.Warn("durable cache write failed",
				observability.String("key", key),
				observability.Error(err),
			)
		}
	}()
}

// rehydrate copies a durable hit into the memory tier, preserving the
// stored expiry. Entries with an unknown or elapsed expiry are never
// rehydrated: the memory copy must not outlive the durable one.
func (c *ResponseCache) rehydrate(key string, entry *Entry) {
	if entry.ExpiresAt.IsZero() || !entry.ExpiresAt.After(time.Now()) {
		return
	}
	c.memory.set(&memoryEntry{
		key:        key,
		payload:    entry.Payload,
		compressed: entry.Compressed,
		createdAt:  entry.CreatedAt,
		expiresAt:  entry.ExpiresAt,
	})
}

// Delete removes the entry for key from both tiers.
func (c *ResponseCache) Delete(ctx context.Context, key string) error {
	c.memory.delete(key)
	if c.durable != nil {
		return c.durable.Delete(ctx, key)
	}
	return nil
}

// Usage returns the memory tier's current byte usage and entry count.
func (c *ResponseCache) Usage() (int64, int) {
	return c.memory.usage(), c.memory.len()
}

// sweepLoop periodically removes expired entries from both tiers.
func (c *ResponseCache) sweepLoop() {
	defer close(c.stoppedCh)

	interval := time.Duration(c.cfg.SweepInterval)
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes expired entries once.
func (c *ResponseCache) sweep() {
	c.memory.sweep()

	if c.durable == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), durablePutTimeout)
	defer cancel()

	swept, err := c.durable.SweepExpired(ctx)
	if err != nil {
		c.logger.Warn("durable cache sweep failed", observability.Error(err))
		return
	}
	recordSwept(swept)
	if swept > 0 {
		c.logger.Debug("swept expired durable cache entries",
			observability.Int("count", swept),
		)
	}
}

// Close stops the sweep loop, waits for pending durable writes and closes
// the durable tier.
func (c *ResponseCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCh)
		<-c.stoppedCh
		c.pending.Wait()
		if c.durable != nil {
			err = c.durable.Close()
		}
	})
	return err
}

// markInflight pins key against memory tier eviction.
func (c *ResponseCache) markInflight(key string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	c.inflightKeys[key]++
}

// unmarkInflight releases the eviction pin for key.
func (c *ResponseCache) unmarkInflight(key string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if c.inflightKeys[key] <= 1 {
		delete(c.inflightKeys, key)
		return
	}
	c.inflightKeys[key]--
}

// isInflight reports whether key has a lookup in flight.
func (c *ResponseCache) isInflight(key string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	return c.inflightKeys[key] > 0
}

// encodePayload gzip-compresses payloads above the threshold. It returns
// the stored bytes and whether they are compressed; compression that does
// not shrink the payload is discarded.
func encodePayload(payload []byte, threshold int) ([]byte, bool) {
	if threshold <= 0 || len(payload) < threshold {
		return payload, false
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return payload, false
	}
	if err := w.Close(); err != nil {
		return payload, false
	}
	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}

// decodePayload reverses encodePayload.
func decodePayload(stored []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return stored, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed cache entry: %w", err)
	}
	defer func() { _ = r.Close() }()

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress cache entry: %w", err)
	}
	return payload, nil
}
