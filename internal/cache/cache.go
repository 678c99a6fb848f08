package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storepos/backend/internal/domain"
)

const CatalogKey = "storepos:catalog:v1"

type CatalogCache interface {
	Get(ctx context.Context, key string) (*domain.Catalog, bool, error)
	Set(ctx context.Context, key string, value *domain.Catalog, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context, _ string) (*domain.Catalog, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ string, _ *domain.Catalog, _ time.Duration) error {
	return nil
}

func (NoopCatalogCache) Delete(_ context.Context, _ string) error {
	return nil
}

// Source is anything that can produce a full catalog snapshot.
type Source interface {
	Catalog(ctx context.Context) (domain.Catalog, error)
}

// CachedCatalog serves catalog snapshots from a cache, falling through to the
// source on a miss. Cache failures are logged and never surface to callers.
type CachedCatalog struct {
	source Source
	cache  CatalogCache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedCatalog(source Source, c CatalogCache, ttl time.Duration, logger *zap.Logger) *CachedCatalog {
	if c == nil {
		c = NoopCatalogCache{}
	}
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedCatalog{source: source, cache: c, ttl: ttl, logger: logger}
}

func (c *CachedCatalog) Catalog(ctx context.Context) (domain.Catalog, error) {
	cached, ok, err := c.cache.Get(ctx, CatalogKey)
	if err != nil {
		c.logger.Warn("catalog cache read failed", zap.Error(err))
	}
	if ok && cached != nil {
		return *cached, nil
	}

	catalog, err := c.source.Catalog(ctx)
	if err != nil {
		return domain.Catalog{}, err
	}
	if err := c.cache.Set(ctx, CatalogKey, &catalog, c.ttl); err != nil {
		c.logger.Warn("catalog cache write failed", zap.Error(err))
	}
	return catalog, nil
}

// Invalidate drops the cached snapshot so the next read hits the source.
func (c *CachedCatalog) Invalidate(ctx context.Context) {
	if err := c.cache.Delete(ctx, CatalogKey); err != nil {
		c.logger.Warn("catalog cache invalidate failed", zap.Error(err))
	}
}
