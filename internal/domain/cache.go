package domain

import (
	"context"
	"time"
)

// Cache is a read-through cache for matrix snapshots. The denormalized
// balances inside a cached matrix are only as fresh as its last
// recalculation; callers invalidate on every matrix mutation.
type Cache interface {
	// Get retrieves a raw value. Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a raw value with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value.
	Delete(ctx context.Context, key string) error

	// GetMatrix retrieves a cached matrix snapshot, or nil on miss.
	GetMatrix(ctx context.Context, matrixID string) (*SettlementMatrix, error)

	// SetMatrix caches a matrix snapshot.
	SetMatrix(ctx context.Context, matrix *SettlementMatrix, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // if true, check local first, then Redis
}
