// Package cache is a small TTL cache with pluggable backends. Values are
// stored JSON-encoded so the same entries can live in redis or in-process.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Backend stores raw values with a per-entry TTL.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Add stores value only when key holds no live entry and reports whether
	// it did.
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Cache adds read-through loading on top of a Backend. Concurrent misses for
// the same key share a single load.
type Cache struct {
	backend Backend
	logger  *slog.Logger
	group   singleflight.Group
}

// New wraps a backend.
func New(backend Backend, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{backend: backend, logger: logger}
}

// GetOrSet returns the cached value for key, calling load and storing its
// result on a miss. A loaded value never replaces an entry written with Set
// while the load ran; that entry is returned instead. Backend read failures
// fall through to load; backend write failures are logged and the loaded
// value is still returned.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if value, ok := lookup[T](ctx, c, key); ok {
		return value, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			c.logger.Warn("cache encode failed", "key", key, "error", err)
			return value, nil
		}
		stored, err := c.backend.Add(ctx, key, data, ttl)
		if err != nil {
			c.logger.Warn("cache write failed", "key", key, "error", err)
			return value, nil
		}
		if !stored {
			if newer, ok := lookup[T](ctx, c, key); ok {
				return newer, nil
			}
		}
		return value, nil
	})
	if err != nil {
		return zero, err
	}
	return v.(T), nil
}

func lookup[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var value T
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return value, false
	}
	if !ok {
		return value, false
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		c.logger.Warn("cache entry undecodable", "key", key)
		return value, false
	}
	return value, true
}

// Set stores value under key, replacing any entry.
func Set[T any](ctx context.Context, c *Cache, key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.backend.Set(ctx, key, data, ttl)
}

// Delete evicts key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}
