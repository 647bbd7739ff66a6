package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"storems/backend/internal/domain"
)

// LocalRecommendationCache keeps recommendation responses in process memory.
// It is the default when no Redis address is configured.
type LocalRecommendationCache struct {
	store *gocache.Cache
}

func NewLocalRecommendationCache(defaultTTL time.Duration) *LocalRecommendationCache {
	if defaultTTL <= 0 {
		defaultTTL = 20 * time.Second
	}
	return &LocalRecommendationCache{
		store: gocache.New(defaultTTL, 2*defaultTTL),
	}
}

func (c *LocalRecommendationCache) Get(_ context.Context, key string) (*domain.RecommendationResponse, bool, error) {
	val, ok := c.store.Get(key)
	if !ok {
		return nil, false, nil
	}
	resp, ok := val.(domain.RecommendationResponse)
	if !ok {
		return nil, false, nil
	}
	copyResp := resp
	return &copyResp, true, nil
}

func (c *LocalRecommendationCache) Set(_ context.Context, key string, value *domain.RecommendationResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	c.store.Set(key, *value, ttl)
	return nil
}
