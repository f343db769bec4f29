package recommend

import (
	"context"

	"github.com/wyfcoding/recsys/cache"
	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/store"
	"github.com/wyfcoding/recsys/xerrors"
)

// 冷启动策略名，与实验配置中的 strategy 字段对应。
const (
	StrategyPopularProviders = "popular_providers"
	StrategyCategoryBased    = "category_based"
)

const (
	coldStartCategoryLimit    = 5
	coldStartPerCategoryLimit = 2
	coldStartBaseScore        = 0.8
	coldStartScoreStep        = 0.05
	coldStartMinScore         = 0.3
)

// ColdStartHandler 为无历史行为的用户生成兜底推荐。
type ColdStartHandler struct {
	interactions store.InteractionStore
	recCache     *cache.RecommendationCache
	cfg          config.RecommendConfig
	logger       *logging.Logger
}

// NewColdStartHandler 创建冷启动处理器。recCache 可为 nil（不缓存）。
func NewColdStartHandler(interactions store.InteractionStore, recCache *cache.RecommendationCache, cfg config.RecommendConfig, logger *logging.Logger) *ColdStartHandler {
	return &ColdStartHandler{
		interactions: interactions,
		recCache:     recCache,
		cfg:          cfg,
		logger:       logger,
	}
}

// syntheticScore 冷启动结果的合成分数，随名次严格衰减但不低于下限：
// max(0.3, 0.8 - 0.05*rank)。保留排序信号，同时不冒充模型置信度。
func syntheticScore(rank int) float64 {
	score := coldStartBaseScore - coldStartScoreStep*float64(rank)
	if score < coldStartMinScore {
		return coldStartMinScore
	}
	return score
}

func attachScores(popularity []store.ProviderPopularity) []Recommendation {
	recs := make([]Recommendation, 0, len(popularity))
	for i, p := range popularity {
		recs = append(recs, Recommendation{ProviderID: p.ProviderID, Score: syntheticScore(i)})
	}
	return recs
}

// PopularProviders 返回高评分商户：平均分 >= 4.0 且评分数 >= 5，
// 按 (平均分 desc, 评分数 desc) 排序。
func (h *ColdStartHandler) PopularProviders(ctx context.Context, topK int) ([]Recommendation, error) {
	if h.recCache != nil {
		if cached, ok := h.recCache.GetColdStartList(ctx, StrategyPopularProviders, topK); ok {
			return fromCached(cached), nil
		}
	}

	popularity, err := h.interactions.PopularProviders(ctx,
		h.cfg.ColdStartMinRating, h.cfg.ColdStartMinReviews, nil, topK)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "cold start: popular providers")
	}

	recs := attachScores(popularity)
	if h.recCache != nil {
		h.recCache.SetColdStartList(ctx, StrategyPopularProviders, topK, toCached(recs))
	}
	return recs, nil
}

// CategoryBased 最多取 5 个分类，每个分类取 2 个高评分商户拼接。
// 分类或商户不足时静默欠填。
func (h *ColdStartHandler) CategoryBased(ctx context.Context, userID uint64, topK int) ([]Recommendation, error) {
	categories, err := h.interactions.ListCategories(ctx, coldStartCategoryLimit)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "cold start: list categories")
	}

	seen := make(map[uint64]struct{})
	var combined []store.ProviderPopularity
	for _, category := range categories {
		popularity, err := h.interactions.PopularProviders(ctx,
			h.cfg.ColdStartMinRating, h.cfg.ColdStartMinReviews,
			[]uint64{category.ID}, coldStartPerCategoryLimit)
		if err != nil {
			h.logger.WarnContext(ctx, "cold start: category popularity failed",
				"user_id", userID, "category_id", category.ID, "error", err)
			continue
		}
		for _, p := range popularity {
			if _, dup := seen[p.ProviderID]; dup {
				continue
			}
			seen[p.ProviderID] = struct{}{}
			combined = append(combined, p)
		}
	}

	if len(combined) > topK {
		combined = combined[:topK]
	}
	return attachScores(combined), nil
}

// Recommend 按策略名分发；未知策略回退到 popular_providers。
func (h *ColdStartHandler) Recommend(ctx context.Context, userID uint64, strategy string, topK int) ([]Recommendation, error) {
	switch strategy {
	case StrategyCategoryBased:
		return h.CategoryBased(ctx, userID, topK)
	case StrategyPopularProviders:
		return h.PopularProviders(ctx, topK)
	default:
		h.logger.WarnContext(ctx, "cold start: unknown strategy, using popular_providers",
			"strategy", strategy)
		return h.PopularProviders(ctx, topK)
	}
}

func toCached(recs []Recommendation) []cache.CachedRecommendation {
	cached := make([]cache.CachedRecommendation, len(recs))
	for i, r := range recs {
		cached[i] = cache.CachedRecommendation{
			ProviderID:       r.ProviderID,
			Score:            r.Score,
			AlgorithmVersion: AlgorithmVersion,
		}
	}
	return cached
}

func fromCached(cached []cache.CachedRecommendation) []Recommendation {
	recs := make([]Recommendation, len(cached))
	for i, c := range cached {
		recs[i] = Recommendation{ProviderID: c.ProviderID, Score: c.Score}
	}
	return recs
}
