// pkg/authn/rediscache.go
package authn

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores fetched key sets under hms:jwks:<url>.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) key(url string) string { return "hms:jwks:" + url }

func (c *RedisCache) Load(ctx context.Context, url string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.key(url)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (c *RedisCache) Store(ctx context.Context, url string, raw []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.key(url), raw, ttl).Err()
}
