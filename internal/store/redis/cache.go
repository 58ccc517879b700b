package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"rotor.dev/internal/auth"
)

const defaultPrefix = "auth:"

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*goredis.Client, error) {
	var client *goredis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := goredis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = goredis.NewClient(opt)
	} else {
		client = goredis.NewClient(&goredis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Cache is a shared auth.CacheBackend. Revoked and active markers live under separate keys so
// an active marker can never shadow a revocation.
type Cache struct {
	client goredis.UniversalClient
	prefix string
}

var _ auth.CacheBackend = (*Cache)(nil)

// Option configures Cache.
type Option func(*Cache)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

func NewCache(client goredis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type revokedPayload struct {
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Cache) revokedKey(cid string) string { return c.prefix + "revoked:" + cid }
func (c *Cache) activeKey(cid string) string  { return c.prefix + "active:" + cid }

func (c *Cache) Get(ctx context.Context, cid string) (auth.CacheEntry, bool, error) {
	vals, err := c.client.MGet(ctx, c.revokedKey(cid), c.activeKey(cid)).Result()
	if err != nil {
		return auth.CacheEntry{}, false, err
	}
	if raw, ok := vals[0].(string); ok {
		var p revokedPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return auth.CacheEntry{}, false, fmt.Errorf("decode revoked entry: %w", err)
		}
		return auth.CacheEntry{
			Revoked: true,
			Entry: auth.RevocationEntry{
				CredentialID: cid,
				Reason:       auth.Reason(p.Reason),
				RevokedAt:    p.RevokedAt.UTC(),
				ExpiresAt:    p.ExpiresAt.UTC(),
			},
		}, true, nil
	}
	if vals[1] != nil {
		return auth.CacheEntry{}, true, nil
	}
	return auth.CacheEntry{}, false, nil
}

// StoreRevoked records the revocation and drops any active marker in one transaction.
func (c *Cache) StoreRevoked(ctx context.Context, entry auth.RevocationEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(revokedPayload{
		Reason:    string(entry.Reason),
		RevokedAt: entry.RevokedAt,
		ExpiresAt: entry.ExpiresAt,
	})
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, c.revokedKey(entry.CredentialID), raw, ttl)
		p.Del(ctx, c.activeKey(entry.CredentialID))
		return nil
	})
	return err
}

// StoreActive sets the active marker only if none exists, so its lifetime is never extended.
func (c *Cache) StoreActive(ctx context.Context, cid string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.SetNX(ctx, c.activeKey(cid), "1", ttl).Err()
}
