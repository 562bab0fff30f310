package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jdholdren/mynah/internal/mynah"
)

var _ mynah.CacheStore = (*Redis)(nil)

// Redis is a cache shared between processes.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

type RedisOption func(*Redis)

// WithPrefix namespaces every key written by this cache.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = strings.Trim(prefix, ":") }
}

func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: "mynah",
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Redis) key(k string) string {
	return r.prefix + ":" + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	byts, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return byts, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// go-redis treats a zero expiration as "keep forever".
	return r.rdb.Set(ctx, r.key(key), value, ttl).Err()
}
