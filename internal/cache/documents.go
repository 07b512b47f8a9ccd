package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spherical/pdf-ocr/internal/config"
	"github.com/spherical/pdf-ocr/internal/domain"
)

const documentPrefix = "doc"

// DocumentCache stores finished documents as JSON under a content key.
type DocumentCache struct {
	client Client
	ttl    time.Duration
}

// NewDocumentCache wraps a cache client.
func NewDocumentCache(client Client, ttl time.Duration) *DocumentCache {
	return &DocumentCache{client: client, ttl: ttl}
}

// Lookup returns the cached document for key, if any.
func (c *DocumentCache) Lookup(ctx context.Context, key string) (*domain.Document, bool, error) {
	data, err := c.client.Get(ctx, CacheKey(documentPrefix, key))
	if errors.Is(err, ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, domain.CacheError("lookup failed", err)
	}

	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		// a corrupt entry is a miss
		if err := c.client.Delete(ctx, CacheKey(documentPrefix, key)); err != nil {
			return nil, false, domain.CacheError("evict corrupt entry", err)
		}
		return nil, false, nil
	}
	return &doc, true, nil
}

// Store saves doc under key.
func (c *DocumentCache) Store(ctx context.Context, key string, doc *domain.Document) error {
	stored := *doc
	stored.Cached = false

	data, err := json.Marshal(stored)
	if err != nil {
		return domain.CacheError("encode document", err)
	}

	if err := c.client.Set(ctx, CacheKey(documentPrefix, key), data, c.ttl); err != nil {
		return domain.CacheError("store failed", err)
	}
	return nil
}

// Purge drops every cached document.
func (c *DocumentCache) Purge(ctx context.Context) error {
	if err := c.client.DeleteByPrefix(ctx, documentPrefix+":"); err != nil {
		return domain.CacheError("purge failed", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *DocumentCache) Close() error {
	return c.client.Close()
}

// New builds the document cache selected by cfg. It returns nil when caching
// is disabled.
func New(ctx context.Context, cfg config.CacheConfig) (*DocumentCache, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return NewDocumentCache(NewMemoryClient(cfg.MaxEntries), cfg.TTL), nil
	case "redis":
		client, err := NewRedisClient(ctx, RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, domain.CacheError("connect to redis", err)
		}
		return NewDocumentCache(client, cfg.TTL), nil
	default:
		return nil, domain.ConfigError(fmt.Sprintf("invalid cache driver: %s", cfg.Driver), nil)
	}
}
