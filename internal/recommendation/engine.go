package recommendation

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"storems/backend/internal/cache"
	"storems/backend/internal/domain"
)

type Engine struct {
	cache         cache.RecommendationCache
	cacheTTL      time.Duration
	minConfidence float64
}

func NewEngine(cacheStore cache.RecommendationCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopRecommendationCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 20 * time.Second
	}

	return &Engine{
		cache:         cacheStore,
		cacheTTL:      cacheTTL,
		minConfidence: 0.25,
	}
}

// Recommend ranks co-purchase candidates for the given products. Candidates
// already in the request, discontinued products and products with no sellable
// stock are skipped.
func (e *Engine) Recommend(
	ctx context.Context,
	req domain.RecommendationRequest,
	products map[string]domain.Product,
	pairs []domain.AssociationPair,
) domain.RecommendationResponse {
	startedAt := time.Now()

	if len(req.ProductIDs) == 0 {
		return domain.RecommendationResponse{
			Recommendations: []domain.Recommendation{},
			LatencyMS:       time.Since(startedAt).Milliseconds(),
		}
	}

	limit := req.Limit
	if limit < 1 || limit > 10 {
		limit = 3
	}

	cacheKey := buildCacheKey(req, limit)
	if cached, ok, err := e.cache.Get(ctx, cacheKey); err == nil && ok {
		cached.LatencyMS = time.Since(startedAt).Milliseconds()
		return *cached
	}

	sourceSet := make(map[string]struct{}, len(req.ProductIDs))
	for _, id := range req.ProductIDs {
		sourceSet[id] = struct{}{}
	}

	signal := make(map[string]float64)
	for _, pair := range pairs {
		if _, exists := sourceSet[pair.TargetProductID]; exists {
			continue
		}
		signal[pair.TargetProductID] += pair.Affinity
	}

	candidates := make([]domain.Recommendation, 0, len(signal))
	for id, affinitySum := range signal {
		product, ok := products[id]
		if !ok || product.Status != domain.ProductStatusInStock || product.StockQuantity < 1 {
			continue
		}

		confidence := clamp(affinitySum/float64(maxInt(1, len(sourceSet))), 0, 1)
		if confidence < e.minConfidence {
			continue
		}

		candidates = append(candidates, domain.Recommendation{
			ProductID:  product.ID,
			Name:       product.Name,
			PriceCents: product.PriceCents,
			Confidence: round2(confidence),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence == candidates[j].Confidence {
			return candidates[i].ProductID < candidates[j].ProductID
		}
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	resp := domain.RecommendationResponse{
		Recommendations: candidates,
		LatencyMS:       time.Since(startedAt).Milliseconds(),
	}
	_ = e.cache.Set(ctx, cacheKey, &resp, e.cacheTTL)
	return resp
}

func buildCacheKey(req domain.RecommendationRequest, limit int) string {
	ids := append([]string(nil), req.ProductIDs...)
	sort.Strings(ids)

	parts := make([]string, 0, len(ids)+1)
	parts = append(parts, ids...)
	parts = append(parts, fmt.Sprintf("l:%d", limit))

	hash := sha1.Sum([]byte(strings.Join(parts, "|")))
	return "recommendation:" + hex.EncodeToString(hash[:])
}

func clamp(val float64, minVal float64, maxVal float64) float64 {
	if val < minVal {
		return minVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}

func round2(val float64) float64 {
	return math.Round(val*100) / 100
}

func maxInt(a int, b int) int {
	if a > b {
		return a
	}
	return b
}
