// Package cache holds the response caches behind the frequently-bought-together
// engine. The engine only sees the RecommendationCache interface; wiring picks
// the Redis-backed cache when REDIS_ADDR is set and the in-process one otherwise.
package cache

import (
	"context"
	"time"

	"storems/backend/internal/domain"
)

type RecommendationCache interface {
	Get(ctx context.Context, key string) (*domain.RecommendationResponse, bool, error)
	Set(ctx context.Context, key string, value *domain.RecommendationResponse, ttl time.Duration) error
}

// NoopRecommendationCache misses on every lookup. Used in tests and as the
// fallback when no cache backend is configured.
type NoopRecommendationCache struct{}

func (NoopRecommendationCache) Get(_ context.Context, _ string) (*domain.RecommendationResponse, bool, error) {
	return nil, false, nil
}

func (NoopRecommendationCache) Set(_ context.Context, _ string, _ *domain.RecommendationResponse, _ time.Duration) error {
	return nil
}
