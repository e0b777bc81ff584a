package cache

import (
	"context"
	"errors"
	"time"
)

// ErrEntryMissing is returned by a durable store when the key is absent or
// expired.
var ErrEntryMissing = errors.New("cache entry missing")

// Entry is the durable representation of a cached response.
type Entry struct {
	// Key is the request fingerprint.
	Key string

	// Payload is the serialized response, possibly compressed.
	Payload []byte

	// Compressed indicates the payload is gzip-compressed.
	Compressed bool

	// CreatedAt is when the entry was created.
	CreatedAt time.Time

	// ExpiresAt is when the entry expires.
	ExpiresAt time.Time
}

// Store is the durable cache tier. Entries outlive a process restart and
// are pruned only by TTL.
type Store interface {
	// Put stores an entry, replacing any previous entry for the key.
	Put(ctx context.Context, entry *Entry) error

	// Get returns the entry for key, or ErrEntryMissing. Expired entries
	// are treated as missing.
	Get(ctx context.Context, key string) (*Entry, error)

	// Delete removes the entry for key.
	Delete(ctx context.Context, key string) error

	// SweepExpired removes all expired entries and returns how many were
	// removed.
	SweepExpired(ctx context.Context) (int, error)

	// Close releases the store's resources.
	Close() error
}
