package resolver

import (
	"bytes"
	"context"
	"time"

	backend "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	subgraphruntime "github.com/wippyai/subgraph-runtime"
)

// Cache wraps a resolver with a Redis cache. Content-addressed data never
// changes, so entries only expire to bound memory. Redis failures are logged
// and fall through to the wrapped resolver.
type Cache struct {
	inner    subgraphruntime.LinkResolver
	client   *backend.Client
	logger   *zap.Logger
	prefix   string
	ttl      time.Duration
	maxEntry int
}

type CacheOption func(*Cache)

// WithCacheTTL sets the expiration of cached files.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithCachePrefix sets the key prefix.
func WithCachePrefix(prefix string) CacheOption {
	return func(c *Cache) {
		c.prefix = prefix
	}
}

// WithMaxEntry bounds the size of a cached file; larger files bypass the cache.
func WithMaxEntry(n int) CacheOption {
	return func(c *Cache) {
		c.maxEntry = n
	}
}

// WithCacheLogger sets the logger.
func WithCacheLogger(logger *zap.Logger) CacheOption {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger.Named("resolver_cache")
		}
	}
}

// NewCache creates a cache in front of inner.
func NewCache(inner subgraphruntime.LinkResolver, client *backend.Client, opts ...CacheOption) *Cache {
	c := &Cache{
		inner:    inner,
		client:   client,
		logger:   zap.NewNop(),
		prefix:   "subgraph:link:",
		ttl:      24 * time.Hour,
		maxEntry: 8 << 20,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) key(link subgraphruntime.Link) string {
	return c.prefix + string(normalize(link))
}

func (c *Cache) Cat(ctx context.Context, link subgraphruntime.Link) ([]byte, error) {
	data, err := c.client.Get(ctx, c.key(link)).Bytes()
	switch {
	case err == nil:
		return data, nil
	case err != backend.Nil:
		c.logger.Warn("cache read failed", zap.String("link", string(link)), zap.Error(err))
	}

	data, err = c.inner.Cat(ctx, link)
	if err != nil {
		return nil, err
	}
	if len(data) <= c.maxEntry {
		if err := c.client.Set(ctx, c.key(link), data, c.ttl).Err(); err != nil {
			c.logger.Warn("cache write failed", zap.String("link", string(link)), zap.Error(err))
		}
	}
	return data, nil
}

// StreamJSON streams from the wrapped resolver when it supports streaming;
// the stream itself is not cached.
func (c *Cache) StreamJSON(ctx context.Context, link subgraphruntime.Link, fn func(line int, value []byte) error) error {
	if s, ok := c.inner.(subgraphruntime.JSONStreamer); ok {
		exists, err := c.client.Exists(ctx, c.key(link)).Result()
		if err != nil || exists == 0 {
			return s.StreamJSON(ctx, link, fn)
		}
	}
	data, err := c.Cat(ctx, link)
	if err != nil {
		return err
	}
	return scanLines(ctx, bytes.NewReader(data), fn)
}
