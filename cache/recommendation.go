package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/logging"
)

// Namespace prefixes. One logical namespace per artifact family, each with
// its own default TTL.
const (
	nsUserRecommendations = "user_recs"
	nsProviderFeatures    = "provider_features"
	nsUserBehavior        = "user_behavior"
	nsAlgorithmModels     = "algo_model"
	nsColdStart           = "cold_start"
	nsPopularProviders    = "popular_providers"
)

// Keys longer than this are replaced by "<prefix>:<md5>".
const maxKeyLength = 200

// CachedRecommendation is one entry of a ranked list.
type CachedRecommendation struct {
	ProviderID       uint64  `json:"provider_id"`
	Score            float64 `json:"score"`
	AlgorithmVersion string  `json:"algorithm_version"`
}

// BehaviorSummary is the per-user interaction digest used by the read path.
type BehaviorSummary struct {
	UserID        uint64    `json:"user_id"`
	ViewCount     int       `json:"view_count"`
	ContactCount  int       `json:"contact_count"`
	FavoriteCount int       `json:"favorite_count"`
	RatingCount   int       `json:"rating_count"`
	LastSeen      time.Time `json:"last_seen"`
}

// RecommendationCache layers the six recommendation namespaces over a Cache.
// Every operation is best-effort: failures are logged and degrade to a miss
// or a no-op, never propagate to the caller.
type RecommendationCache struct {
	cache  Cache
	ttl    config.CacheConfig
	logger *logging.Logger
}

// NewRecommendationCache builds the namespace layer. Zero TTLs in cfg fall
// back to the production defaults.
func NewRecommendationCache(cache Cache, cfg config.CacheConfig, logger *logging.Logger) *RecommendationCache {
	applyTTLDefaults(&cfg)

	return &RecommendationCache{
		cache:  cache,
		ttl:    cfg,
		logger: logger,
	}
}

func applyTTLDefaults(cfg *config.CacheConfig) {
	if cfg.UserRecommendations == 0 {
		cfg.UserRecommendations = time.Hour
	}
	if cfg.ProviderFeatures == 0 {
		cfg.ProviderFeatures = 2 * time.Hour
	}
	if cfg.UserBehavior == 0 {
		cfg.UserBehavior = 30 * time.Minute
	}
	if cfg.AlgorithmModels == 0 {
		cfg.AlgorithmModels = 24 * time.Hour
	}
	if cfg.ColdStart == 0 {
		cfg.ColdStart = time.Hour
	}
	if cfg.PopularProviders == 0 {
		cfg.PopularProviders = 30 * time.Minute
	}
}

// buildKey derives "prefix:identifier[:k=v&k=v]", hashing when too long.
// Params are sorted so equivalent calls always produce the same key.
func buildKey(prefix, identifier string, params map[string]any) string {
	parts := []string{prefix, identifier}

	if len(params) > 0 {
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)

		pairs := make([]string, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, fmt.Sprintf("%s=%v", name, params[name]))
		}
		parts = append(parts, strings.Join(pairs, "&"))
	}

	key := strings.Join(parts, ":")
	if len(key) > maxKeyLength {
		sum := md5.Sum([]byte(key))
		return prefix + ":" + hex.EncodeToString(sum[:])
	}

	return key
}

func (rc *RecommendationCache) set(ctx context.Context, key string, value any, ttl time.Duration) {
	if err := rc.cache.Set(ctx, key, value, ttl); err != nil {
		rc.logger.WarnContext(ctx, "cache set failed", "key", key, "error", err)
	}
}

func (rc *RecommendationCache) get(ctx context.Context, key string, value any) bool {
	if err := rc.cache.Get(ctx, key, value); err != nil {
		return false
	}
	return true
}

// --- per-user ranked lists ---

// SetUserRecommendations caches a ranked list for the given context params
// (e.g. limit). Params participate in the key.
func (rc *RecommendationCache) SetUserRecommendations(ctx context.Context, userID uint64, params map[string]any, recs []CachedRecommendation) {
	key := buildKey(nsUserRecommendations, fmt.Sprint(userID), params)
	rc.set(ctx, key, recs, rc.ttl.UserRecommendations)
}

// GetUserRecommendations returns the cached ranked list, ok=false on miss.
func (rc *RecommendationCache) GetUserRecommendations(ctx context.Context, userID uint64, params map[string]any) ([]CachedRecommendation, bool) {
	key := buildKey(nsUserRecommendations, fmt.Sprint(userID), params)

	var recs []CachedRecommendation
	if !rc.get(ctx, key, &recs) {
		return nil, false
	}
	return recs, true
}

// --- per-provider feature vectors ---

// SetProviderFeatures caches a provider's TF-IDF vector.
func (rc *RecommendationCache) SetProviderFeatures(ctx context.Context, providerID uint64, features []float64) {
	key := buildKey(nsProviderFeatures, fmt.Sprint(providerID), nil)
	rc.set(ctx, key, features, rc.ttl.ProviderFeatures)
}

// GetProviderFeatures returns the cached vector, ok=false on miss.
func (rc *RecommendationCache) GetProviderFeatures(ctx context.Context, providerID uint64) ([]float64, bool) {
	key := buildKey(nsProviderFeatures, fmt.Sprint(providerID), nil)

	var features []float64
	if !rc.get(ctx, key, &features) {
		return nil, false
	}
	return features, true
}

// --- per-user behavior summaries ---

// SetUserBehavior caches the interaction digest for a user.
func (rc *RecommendationCache) SetUserBehavior(ctx context.Context, summary BehaviorSummary) {
	key := buildKey(nsUserBehavior, fmt.Sprint(summary.UserID), nil)
	rc.set(ctx, key, summary, rc.ttl.UserBehavior)
}

// GetUserBehavior returns the cached digest, ok=false on miss.
func (rc *RecommendationCache) GetUserBehavior(ctx context.Context, userID uint64) (BehaviorSummary, bool) {
	key := buildKey(nsUserBehavior, fmt.Sprint(userID), nil)

	var summary BehaviorSummary
	if !rc.get(ctx, key, &summary) {
		return BehaviorSummary{}, false
	}
	return summary, true
}

// --- trained-model blobs ---

// SetModel caches a serialized model artifact under name+version.
func (rc *RecommendationCache) SetModel(ctx context.Context, name, version string, blob []byte) {
	key := buildKey(nsAlgorithmModels, name, map[string]any{"version": version})
	rc.set(ctx, key, blob, rc.ttl.AlgorithmModels)
}

// GetModel returns the cached artifact, ok=false on miss.
func (rc *RecommendationCache) GetModel(ctx context.Context, name, version string) ([]byte, bool) {
	key := buildKey(nsAlgorithmModels, name, map[string]any{"version": version})

	var blob []byte
	if !rc.get(ctx, key, &blob) {
		return nil, false
	}
	return blob, true
}

// --- cold-start lists ---

// SetColdStartList caches a cold-start result for a strategy.
func (rc *RecommendationCache) SetColdStartList(ctx context.Context, strategy string, topK int, recs []CachedRecommendation) {
	key := buildKey(nsColdStart, strategy, map[string]any{"top_k": topK})
	rc.set(ctx, key, recs, rc.ttl.ColdStart)
}

// GetColdStartList returns the cached cold-start list, ok=false on miss.
func (rc *RecommendationCache) GetColdStartList(ctx context.Context, strategy string, topK int) ([]CachedRecommendation, bool) {
	key := buildKey(nsColdStart, strategy, map[string]any{"top_k": topK})

	var recs []CachedRecommendation
	if !rc.get(ctx, key, &recs) {
		return nil, false
	}
	return recs, true
}

// --- popularity lists ---

// SetPopularProviders caches a popularity list for the given params
// (category filter, window, top_k ...).
func (rc *RecommendationCache) SetPopularProviders(ctx context.Context, params map[string]any, providerIDs []uint64) {
	key := buildKey(nsPopularProviders, "global", params)
	rc.set(ctx, key, providerIDs, rc.ttl.PopularProviders)
}

// GetPopularProviders returns a cached popularity list, ok=false on miss.
func (rc *RecommendationCache) GetPopularProviders(ctx context.Context, params map[string]any) ([]uint64, bool) {
	key := buildKey(nsPopularProviders, "global", params)

	var ids []uint64
	if !rc.get(ctx, key, &ids) {
		return nil, false
	}
	return ids, true
}

// --- invalidation ---

// InvalidateUser drops every cached artifact derived from one user's state.
// Patterns carry the ":" separator so user 123 never sweeps user 1234.
func (rc *RecommendationCache) InvalidateUser(ctx context.Context, userID uint64) {
	pattern := fmt.Sprintf("%s:%d:*", nsUserRecommendations, userID)
	if err := rc.cache.DeleteByPattern(ctx, pattern); err != nil {
		rc.logger.WarnContext(ctx, "cache invalidation failed",
			"pattern", pattern, "user_id", userID, "error", err)
	}

	// param-less base keys are exact, no pattern needed
	keys := []string{
		buildKey(nsUserRecommendations, fmt.Sprint(userID), nil),
		buildKey(nsUserBehavior, fmt.Sprint(userID), nil),
	}
	if err := rc.cache.Delete(ctx, keys...); err != nil {
		rc.logger.WarnContext(ctx, "cache invalidation failed",
			"keys", keys, "user_id", userID, "error", err)
	}
}

// InvalidateProvider drops the provider's feature vector plus every
// popularity and cold-start list: provider changes shift both.
func (rc *RecommendationCache) InvalidateProvider(ctx context.Context, providerID uint64) {
	key := buildKey(nsProviderFeatures, fmt.Sprint(providerID), nil)
	if err := rc.cache.Delete(ctx, key); err != nil {
		rc.logger.WarnContext(ctx, "cache invalidation failed",
			"key", key, "provider_id", providerID, "error", err)
	}

	for _, pattern := range []string{nsPopularProviders + ":*", nsColdStart + ":*"} {
		if err := rc.cache.DeleteByPattern(ctx, pattern); err != nil {
			rc.logger.WarnContext(ctx, "cache invalidation failed",
				"pattern", pattern, "provider_id", providerID, "error", err)
		}
	}
}

// ClearAll is the administrative escape hatch: flushes every namespace.
func (rc *RecommendationCache) ClearAll(ctx context.Context) {
	namespaces := []string{
		nsUserRecommendations, nsProviderFeatures, nsUserBehavior,
		nsAlgorithmModels, nsColdStart, nsPopularProviders,
	}
	for _, ns := range namespaces {
		if err := rc.cache.DeleteByPattern(ctx, ns+":*"); err != nil {
			rc.logger.WarnContext(ctx, "cache clear failed", "namespace", ns, "error", err)
		}
	}
}
