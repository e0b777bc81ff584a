// Package cache implements the two-tier response cache that sits in the
// routing hot path: a byte-bounded in-memory LRU tier in front of an
// optional durable store (SQLite or Redis). Lookups are keyed by a
// deterministic request fingerprint and computations are single-flight per
// key, so concurrent identical requests share one backend call.
package cache
