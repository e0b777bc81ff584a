package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// Redis payload framing: one flag byte ahead of the payload marks whether it
// is compressed. Redis expires entries natively, so SweepExpired is a no-op.
const (
	redisFlagPlain      = 0x00
	redisFlagCompressed = 0x01
)

// RedisStoreConfig contains configuration for the Redis durable store.
type RedisStoreConfig struct {
	// URL is the Redis connection URL.
	// Format: redis://[user:password@]host:port[/db]
	URL string

	// KeyPrefix is prepended to every cache key.
	KeyPrefix string
}

// redisStore implements Store on Redis.
type redisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    observability.Logger
}

// NewRedisStore creates a Redis-backed durable store.
func NewRedisStore(cfg RedisStoreConfig, logger observability.Logger) (Store, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	logger.Info("redis cache store initialized",
		observability.String("addr", opts.Addr),
		observability.String("keyPrefix", cfg.KeyPrefix),
	)

	return &redisStore{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger,
	}, nil
}

// resolveKey applies the key prefix and hashes the fingerprint to bound key
// length.
func (s *redisStore) resolveKey(key string) string {
	return s.keyPrefix + HashKey(key)
}

// Put implements Store.
func (s *redisStore) Put(ctx context.Context, entry *Entry) error {
	if err := validateKey(entry.Key); err != nil {
		return err
	}

	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	flag := byte(redisFlagPlain)
	if entry.Compressed {
		flag = redisFlagCompressed
	}
	framed := append([]byte{flag}, entry.Payload...)

	if err := s.client.Set(ctx, s.resolveKey(entry.Key), framed, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Get implements Store. The entry's ExpiresAt is recovered from the key's
// remaining TTL so rehydrated copies cannot outlive the stored expiry.
func (s *redisStore) Get(ctx context.Context, key string) (*Entry, error) {
	resolved := s.resolveKey(key)

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, resolved)
	ttlCmd := pipe.TTL(ctx, resolved)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	framed, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEntryMissing
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if len(framed) == 0 {
		return nil, ErrEntryMissing
	}

	entry := &Entry{
		Key:        key,
		Payload:    framed[1:],
		Compressed: framed[0] == redisFlagCompressed,
	}
	if ttl := ttlCmd.Val(); ttl > 0 {
		entry.ExpiresAt = time.Now().Add(ttl)
	}
	return entry, nil
}

// Delete implements Store.
func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.resolveKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// SweepExpired implements Store. Redis expires keys natively.
func (s *redisStore) SweepExpired(_ context.Context) (int, error) {
	return 0, nil
}

// Close implements Store.
func (s *redisStore) Close() error {
	return s.client.Close()
}
