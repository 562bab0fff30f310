// Package cache provides the advisory caches used in front of the remote.
//
// Nothing read from a cache is authoritative. A miss, an error, or a stale
// value may only cost extra work, never correctness.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jdholdren/mynah/internal/mynah"
)

// Key joins a namespace and key parts into one cache key.
func Key(namespace string, parts ...string) string {
	return namespace + "/" + strings.Join(parts, "/")
}

// GetJSON reads and decodes a value. A value that no longer decodes is reported as a miss.
func GetJSON[T any](ctx context.Context, c mynah.CacheStore, key string) (T, bool, error) {
	var v T
	byts, ok, err := c.Get(ctx, key)
	if err != nil {
		return v, false, fmt.Errorf("error reading cache key %q: %w", key, err)
	}
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(byts, &v); err != nil {
		return v, false, nil
	}

	return v, true, nil
}

// SetJSON encodes and writes a value. A zero ttl never expires.
func SetJSON(ctx context.Context, c mynah.CacheStore, key string, v any, ttl time.Duration) error {
	byts, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error encoding cache value: %w", err)
	}
	if err := c.Set(ctx, key, byts, ttl); err != nil {
		return fmt.Errorf("error writing cache key %q: %w", key, err)
	}

	return nil
}
