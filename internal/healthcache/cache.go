// Package healthcache memoizes workspace health-probe outcomes for a
// short TTL so the reconciler doesn't re-probe a workspace it already
// checked this tick, grounded on auth-service's session_repository.go
// (redis.Client, Set with expiration, Get with redis.Nil handling).
package healthcache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a Redis-backed TTL cache of probe results. A nil *Cache is
// valid and Get always misses / Set is a no-op, so the agent runs
// without Redis configured.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to addr/db. If addr is empty it returns a nil Cache
// (disabled) and no error.
func New(addr string, db int, ttl time.Duration) *Cache {
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &Cache{client: client, ttl: ttl}
}

func key(workspaceName string) string {
	return "arcamatrix:health:" + workspaceName
}

// Get returns the cached probe result ("ok" / "degraded" /
// "unreachable") for a
// workspace, and whether it was present.
func (c *Cache) Get(ctx context.Context, workspaceName string) (string, bool) {
	if c == nil {
		return "", false
	}
	val, err := c.client.Get(ctx, key(workspaceName)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	return val, true
}

// Set records a probe outcome for the configured TTL.
func (c *Cache) Set(ctx context.Context, workspaceName, outcome string) {
	if c == nil {
		return
	}
	c.client.Set(ctx, key(workspaceName), outcome, c.ttl)
}

// Close releases the underlying Redis client.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
