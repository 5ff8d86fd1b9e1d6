// Package storage provides a small key-value abstraction with TTL support,
// backed by process memory or Redis. It backs state that must survive outside
// a single request: OTP tickets and OAuth login state.
package storage

import (
	"context"
	"time"
)

// KV is a flat key-value store with per-key expiry.
type KV interface {
	// Set stores data under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Get returns the data for key, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)

	// Take atomically fetches and deletes key. At most one caller observes
	// ok=true for a given stored value; concurrent Takes must not both
	// succeed. Expired entries behave as absent.
	Take(ctx context.Context, key string) (data []byte, ok bool, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
