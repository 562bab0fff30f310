package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jdholdren/mynah/internal/mynah"
)

var _ mynah.CacheStore = (*LRU)(nil)

// LRU is an in-process cache with a bounded number of keys and per-key expiry.
type LRU struct {
	entries *lru.Cache[string, lruEntry]
	now     func() time.Time
}

type lruEntry struct {
	value     []byte
	expiresAt time.Time // zero never expires
}

// NewLRU creates a cache holding up to size keys.
func NewLRU(size int) (*LRU, error) {
	entries, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, fmt.Errorf("error creating lru: %s", err)
	}

	return &LRU{
		entries: entries,
		now:     time.Now,
	}, nil
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	ent, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !ent.expiresAt.IsZero() && !c.now().Before(ent.expiresAt) {
		c.entries.Remove(key)
		return nil, false, nil
	}

	return ent.value, true, nil
}

func (c *LRU) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	ent := lruEntry{value: value}
	if ttl > 0 {
		ent.expiresAt = c.now().Add(ttl)
	}
	c.entries.Add(key, ent)

	return nil
}
