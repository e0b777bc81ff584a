package cache

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avllmrouter/internal/config"
)

func newTestCache(t *testing.T, cfg config.CacheConfig) *ResponseCache {
	t.Helper()

	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 1 << 20
	}
	if cfg.TTL == 0 {
		cfg.TTL = config.Duration(time.Minute)
	}

	c, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func boolPtr(b bool) *bool { return &b }

func TestResponseCache_GetOrCompute_MissThenHit(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte("computed value"), nil
	}

	payload, hit, err := c.GetOrCompute(ctx, "key1", 0, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("computed value"), payload)

	payload, hit, err = c.GetOrCompute(ctx, "key1", 0, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("computed value"), payload)

	assert.Equal(t, int32(1), computes.Load())
}

func TestResponseCache_GetOrCompute_SingleFlight(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	var computes atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		computes.Add(1)
		<-release
		return []byte("shared"), nil
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([][]byte, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, _, err := c.GetOrCompute(ctx, "hot-key", 0, compute)
			assert.NoError(t, err)
			results[i] = payload
		}(i)
	}

	// Let the callers pile up behind the leader, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	// Exactly one computation served every caller.
	assert.Equal(t, int32(1), computes.Load())
	for _, payload := range results {
		assert.Equal(t, []byte("shared"), payload)
	}
}

func TestResponseCache_GetOrCompute_ComputeErrorNotCached(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	computeErr := errors.New("backend down")
	_, _, err := c.GetOrCompute(ctx, "key1", 0, func(context.Context) ([]byte, error) {
		return nil, computeErr
	})
	assert.ErrorIs(t, err, computeErr)

	// The failure was not cached: the next call computes again.
	payload, hit, err := c.GetOrCompute(ctx, "key1", 0, func(context.Context) ([]byte, error) {
		return []byte("recovered"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("recovered"), payload)
}

func TestResponseCache_GetOrCompute_TTLExpiry(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{TTL: config.Duration(20 * time.Millisecond)})
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte("v"), nil
	}

	_, _, err := c.GetOrCompute(ctx, "key1", 0, compute)
	require.NoError(t, err)

	// Within the TTL the entry serves.
	_, hit, err := c.GetOrCompute(ctx, "key1", 0, compute)
	require.NoError(t, err)
	assert.True(t, hit)

	// Past the TTL it is recomputed.
	time.Sleep(30 * time.Millisecond)
	_, hit, err = c.GetOrCompute(ctx, "key1", 0, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(2), computes.Load())
}

func TestResponseCache_GetOrCompute_PerCallTTL(t *testing.T) {
	// The configured default is long; the per-call ttl wins.
	c := newTestCache(t, config.CacheConfig{TTL: config.Duration(time.Hour)})
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte("v"), nil
	}

	_, _, err := c.GetOrCompute(ctx, "key1", 30*time.Millisecond, compute)
	require.NoError(t, err)

	_, hit, err := c.GetOrCompute(ctx, "key1", 30*time.Millisecond, compute)
	require.NoError(t, err)
	assert.True(t, hit)

	time.Sleep(50 * time.Millisecond)
	_, hit, err = c.GetOrCompute(ctx, "key1", 30*time.Millisecond, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(2), computes.Load())
}

func TestResponseCache_GetOrCompute_CompressionRoundTrip(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{CompressionThreshold: 64})
	ctx := context.Background()

	// Large compressible payload crosses the threshold.
	original := bytes.Repeat([]byte("the quick brown fox "), 200)

	payload, hit, err := c.GetOrCompute(ctx, "big", 0, func(context.Context) ([]byte, error) {
		return original, nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, original, payload)

	// The stored form is compressed; the read form is byte-identical.
	entry, ok := c.memory.get("big")
	require.True(t, ok)
	assert.True(t, entry.compressed)
	assert.Less(t, len(entry.payload), len(original))

	payload, hit, err = c.GetOrCompute(ctx, "big", 0, func(context.Context) ([]byte, error) {
		t.Fatal("unexpected recompute")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, original, payload)
}

func TestResponseCache_GetOrCompute_SmallPayloadNotCompressed(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{CompressionThreshold: 1024})
	ctx := context.Background()

	_, _, err := c.GetOrCompute(ctx, "small", 0, func(context.Context) ([]byte, error) {
		return []byte("tiny"), nil
	})
	require.NoError(t, err)

	entry, ok := c.memory.get("small")
	require.True(t, ok)
	assert.False(t, entry.compressed)
}

func TestResponseCache_Disabled(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{Enabled: boolPtr(false)})
	ctx := context.Background()

	var computes atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte("v"), nil
	}

	for i := 0; i < 3; i++ {
		_, hit, err := c.GetOrCompute(ctx, "key1", 0, compute)
		require.NoError(t, err)
		assert.False(t, hit)
	}
	assert.Equal(t, int32(3), computes.Load())
}

func TestResponseCache_GetOrCompute_EmptyKey(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})

	_, _, err := c.GetOrCompute(context.Background(), "", 0, func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	assert.Error(t, err)
}

func TestResponseCache_Delete(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()

	_, _, err := c.GetOrCompute(ctx, "key1", 0, func(context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, "key1"))

	_, hit, err := c.GetOrCompute(ctx, "key1", 0, func(context.Context) ([]byte, error) {
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestResponseCache_DurableSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	cfg := config.CacheConfig{
		TTL:      config.Duration(time.Minute),
		MaxBytes: 1 << 20,
		Durable:  &config.DurableStoreConfig{Type: config.DurableStoreSQLite, Path: path},
	}

	first, err := New(cfg, nil)
	require.NoError(t, err)

	_, hit, err := first.GetOrCompute(context.Background(), "persisted", 0, func(context.Context) ([]byte, error) {
		return []byte("durable value"), nil
	})
	require.NoError(t, err)
	assert.False(t, hit)

	// Close flushes the background durable write.
	require.NoError(t, first.Close())

	second, err := New(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	payload, hit, err := second.GetOrCompute(context.Background(), "persisted", 0, func(context.Context) ([]byte, error) {
		t.Fatal("unexpected recompute after restart")
		return nil, nil
	})
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("durable value"), payload)

	// The durable hit was rehydrated into the memory tier.
	_, ok := second.memory.get("persisted")
	assert.True(t, ok)
}

func TestResponseCache_RehydrationPreservesStoredExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.CacheConfig{
		TTL:      config.Duration(2 * time.Second),
		MaxBytes: 1 << 20,
		Durable: &config.DurableStoreConfig{
			Type: config.DurableStoreRedis,
			URL:  "redis://" + mr.Addr(),
		},
	}

	var computes atomic.Int32
	compute := func(context.Context) ([]byte, error) {
		computes.Add(1)
		return []byte("v"), nil
	}

	first, err := New(cfg, nil)
	require.NoError(t, err)

	_, _, err = first.GetOrCompute(context.Background(), "k", 0, compute)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Most of the entry's lifetime has passed by the time it is read back.
	mr.FastForward(1800 * time.Millisecond)

	second, err := New(cfg, nil)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	_, hit, err := second.GetOrCompute(context.Background(), "k", 0, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int32(1), computes.Load())

	// The rehydrated memory copy keeps the remaining lifetime, not a fresh
	// full TTL.
	entry, ok := second.memory.get("k")
	require.True(t, ok)
	assert.True(t, entry.expiresAt.Before(time.Now().Add(300*time.Millisecond)))

	time.Sleep(250 * time.Millisecond)
	mr.FastForward(300 * time.Millisecond)

	_, hit, err = second.GetOrCompute(context.Background(), "k", 0, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(2), computes.Load())
}

func TestResponseCache_UnknownDurableType(t *testing.T) {
	_, err := New(config.CacheConfig{
		MaxBytes: 1 << 20,
		TTL:      config.Duration(time.Minute),
		Durable:  &config.DurableStoreConfig{Type: "dynamo"},
	}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestResponseCache_Usage(t *testing.T) {
	c := newTestCache(t, config.CacheConfig{})

	_, _, err := c.GetOrCompute(context.Background(), "key1", 0, func(context.Context) ([]byte, error) {
		return []byte("12345"), nil
	})
	require.NoError(t, err)

	bytesUsed, entries := c.Usage()
	assert.Equal(t, int64(5), bytesUsed)
	assert.Equal(t, 1, entries)
}
