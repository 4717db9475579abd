// Package store provides the shared hash-record store the bridge keeps its
// slots and counters in. The production backend is Redis; an in-memory
// implementation with the same semantics backs tests and single-node runs.
package store

import "context"

// Store is the narrow slice of a Redis-like keyspace the bridge relies on:
// string-keyed hash records with per-key expiry and glob key scans.
//
// Field semantics follow Redis exactly. A field set to "" is present and
// distinct from an absent field; GetAll on a missing key returns an empty
// map, not an error; writing fields never refreshes a key's TTL.
type Store interface {
	// SetFields writes the given fields on key, creating the key if needed.
	SetFields(ctx context.Context, key string, fields map[string]string) error

	// GetField reads one field. ok is false when the key or field is absent.
	GetField(ctx context.Context, key, field string) (value string, ok bool, err error)

	// GetAll returns every field on key. Missing keys yield an empty map.
	GetAll(ctx context.Context, key string) (map[string]string, error)

	// DeleteField removes one field, reporting whether it existed.
	DeleteField(ctx context.Context, key, field string) (existed bool, err error)

	// DeleteKey removes the whole key. Deleting a missing key is not an error.
	DeleteKey(ctx context.Context, key string) error

	// Expire sets the key's time-to-live in seconds. Expiring a key that
	// does not exist is an error.
	Expire(ctx context.Context, key string, seconds int) error

	// IncrementField adds delta to an integer field, creating it at zero.
	IncrementField(ctx context.Context, key, field string, delta int64) error

	// Scan returns all keys matching a Redis-style glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
