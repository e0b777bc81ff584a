package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/vyrodovalexey/avllmrouter/internal/observability"
)

// memoryEntry is one entry in the memory tier.
type memoryEntry struct {
	key        string
	payload    []byte
	compressed bool
	createdAt  time.Time
	expiresAt  time.Time
}

// size returns the entry's accounted byte size.
func (e *memoryEntry) size() int64 {
	return int64(len(e.payload))
}

// expired reports whether the entry is past its TTL.
func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memoryTier is a byte-bounded LRU cache. Insertion that would exceed the
// byte cap evicts least-recently-used entries until it fits, skipping keys
// with an in-flight computation. Usage never exceeds the cap after an
// insertion completes.
type memoryTier struct {
	logger   observability.Logger
	maxBytes int64

	// inflight reports whether a key has a computation in flight and must
	// not be evicted.
	inflight func(key string) bool

	mu        sync.Mutex
	items     map[string]*list.Element
	eviction  *list.List
	usedBytes int64
}

// newMemoryTier creates a memory tier with the given byte cap.
func newMemoryTier(maxBytes int64, inflight func(string) bool, logger observability.Logger) *memoryTier {
	if inflight == nil {
		inflight = func(string) bool { return false }
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &memoryTier{
		logger:   logger,
		maxBytes: maxBytes,
		inflight: inflight,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
	}
}

// get returns the entry for key, treating expired entries as absent.
func (t *memoryTier) get(key string) (*memoryEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, exists := t.items[key]
	if !exists {
		return nil, false
	}

	entry := elem.Value.(*memoryEntry)
	if entry.expired(time.Now()) {
		t.removeElement(elem)
		return nil, false
	}

	t.eviction.MoveToFront(elem)
	return entry, true
}

// set inserts or replaces the entry for key, evicting as needed. Entries
// larger than the cap are not stored.
func (t *memoryTier) set(entry *memoryEntry) {
	if entry.size() > t.maxBytes {
		t.logger.Debug("cache entry exceeds memory tier cap, not cached",
			observability.String("key", entry.key),
			observability.Int64("size", entry.size()),
		)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, exists := t.items[entry.key]; exists {
		t.removeElement(elem)
	}

	elem := t.eviction.PushFront(entry)
	t.items[entry.key] = elem
	t.usedBytes += entry.size()

	t.evictOver(entry.key)

	memorySizeBytes.Set(float64(t.usedBytes))
	memoryEntries.Set(float64(t.eviction.Len()))
}

// evictOver evicts least-recently-used entries until usage fits the cap.
// Keys with an in-flight computation are skipped; the just-inserted key is
// the eviction target of last resort so the cap invariant always holds.
// Must be called with the lock held.
func (t *memoryTier) evictOver(justInserted string) {
	elem := t.eviction.Back()
	for t.usedBytes > t.maxBytes && elem != nil {
		prev := elem.Prev()
		entry := elem.Value.(*memoryEntry)
		if entry.key != justInserted && !t.inflight(entry.key) {
			t.removeElement(elem)
			evictionsTotal.Inc()
		}
		elem = prev
	}

	// Everything else was pinned by in-flight computations: drop the new
	// entry rather than exceed the cap.
	if t.usedBytes > t.maxBytes {
		if elem, exists := t.items[justInserted]; exists {
			t.removeElement(elem)
			evictionsTotal.Inc()
		}
	}
}

// delete removes the entry for key.
func (t *memoryTier) delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, exists := t.items[key]; exists {
		t.removeElement(elem)
	}
}

// sweep removes all expired entries.
func (t *memoryTier) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for elem := t.eviction.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*memoryEntry).expired(now) {
			t.removeElement(elem)
		}
		elem = prev
	}

	memorySizeBytes.Set(float64(t.usedBytes))
	memoryEntries.Set(float64(t.eviction.Len()))
}

// usage returns the current accounted byte usage.
func (t *memoryTier) usage() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usedBytes
}

// len returns the current entry count.
func (t *memoryTier) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eviction.Len()
}

// removeElement removes an element. Must be called with the lock held.
func (t *memoryTier) removeElement(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	t.eviction.Remove(elem)
	delete(t.items, entry.key)
	t.usedBytes -= entry.size()
}
