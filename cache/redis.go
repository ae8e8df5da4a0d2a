package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richinsley/diffgrid/client"
	backend "github.com/redis/go-redis/v9"
)

// Version is part of every key so that a change of the stored format never reads old entries
const Version = 0

// RedisCache implements client.ResultCache using Redis
type RedisCache struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

var _ client.ResultCache = (*RedisCache)(nil)

type Option func(*RedisCache)

// WithTTL sets the expiration of cached branches
func WithTTL(ttl time.Duration) Option {
	return func(c *RedisCache) {
		c.ttl = ttl
	}
}

// WithPrefix sets the key prefix
func WithPrefix(prefix string) Option {
	return func(c *RedisCache) {
		c.prefix = prefix
	}
}

// New creates a Redis cache connected to address
func New(address, password string, db int, opts ...Option) *RedisCache {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a Redis cache from an existing client
func NewFromClient(rdb *backend.Client, opts ...Option) *RedisCache {
	c := &RedisCache{
		client: rdb,
		prefix: "diffgrid:",
		ttl:    0, // No expiration by default
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCache) key(inputs string) string {
	return fmt.Sprintf("%scache_v%d/inputs=%s", c.prefix, Version, inputs)
}

// Get returns the branch stored under key
func (c *RedisCache) Get(ctx context.Context, key string) (*client.Branch, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached branch: %w", err)
	}

	branch := &client.Branch{}
	if err := json.Unmarshal(data, branch); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal cached branch: %w", err)
	}
	return branch, true, nil
}

// Put stores branch under key
func (c *RedisCache) Put(ctx context.Context, key string, branch *client.Branch) error {
	data, err := json.Marshal(branch)
	if err != nil {
		return fmt.Errorf("failed to marshal branch: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store branch: %w", err)
	}
	return nil
}

// Ping checks the connection
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
