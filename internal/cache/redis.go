// Package cache holds the optional Redis tier in front of the result store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mtiwari1/peekaboo/internal/sample"
)

const keyPrefix = "peekaboo:verdict:"

// Config holds the Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// VerdictCache stores verdicts by content hash in Redis.
type VerdictCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and pings it.
func New(ctx context.Context, cfg Config) (*VerdictCache, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("cache: addr cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return NewWithClient(client, cfg.TTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *VerdictCache {
	return &VerdictCache{client: client, ttl: ttl}
}

// Get returns the cached verdict for sha256. A miss is (nil, false, nil).
func (c *VerdictCache) Get(ctx context.Context, sha256 string) (*sample.Verdict, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+sha256).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	v := &sample.Verdict{}
	if err := json.Unmarshal(raw, v); err != nil {
		// A corrupt entry is a miss; the store is authoritative.
		_ = c.client.Del(ctx, keyPrefix+sha256).Err()
		return nil, false, nil
	}
	return v, true, nil
}

// Set stores v for sha256 with the configured TTL.
func (c *VerdictCache) Set(ctx context.Context, sha256 string, v *sample.Verdict) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache set marshal: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+sha256, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *VerdictCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *VerdictCache) Close() error {
	return c.client.Close()
}
