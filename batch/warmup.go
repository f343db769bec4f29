package batch

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/wyfcoding/recsys/cache"
	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/metrics"
	"github.com/wyfcoding/recsys/recommend"
	"github.com/wyfcoding/recsys/store"
)

const jobWarmup = "warmup"

// 预热的热门榜长度与交互热度统计窗口。
const (
	warmupPopularLimit = 20
	warmupWindowDays   = 7
)

// Warmer 缓存预热任务：热门商户榜、冷启动列表与商户特征向量。
type Warmer struct {
	interactions store.InteractionStore
	content      *recommend.ContentEngine
	coldStart    *recommend.ColdStartHandler
	recCache     *cache.RecommendationCache
	cfg          config.RecommendConfig
	logger       *logging.Logger
	metrics      *metrics.Metrics
}

// NewWarmer 创建预热任务。
func NewWarmer(interactions store.InteractionStore, content *recommend.ContentEngine, coldStart *recommend.ColdStartHandler, recCache *cache.RecommendationCache, cfg config.RecommendConfig, logger *logging.Logger, m *metrics.Metrics) *Warmer {
	return &Warmer{
		interactions: interactions,
		content:      content,
		coldStart:    coldStart,
		recCache:     recCache,
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
	}
}

// Run 并行预热各命名空间。预热是尽力而为的优化，单项失败只记日志。
func (w *Warmer) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.BatchRunsTotal.WithLabelValues(jobWarmup, "success").Inc()
			w.metrics.BatchDuration.WithLabelValues(jobWarmup).Observe(time.Since(start).Seconds())
		}
	}()

	var wg conc.WaitGroup
	wg.Go(func() { w.warmPopular(ctx) })
	wg.Go(func() { w.warmTrending(ctx) })
	wg.Go(func() { w.warmColdStart(ctx) })
	wg.Go(func() { w.warmProviderFeatures(ctx) })
	wg.Wait()

	w.logger.InfoContext(ctx, "cache warmup finished", "duration", time.Since(start))
	return nil
}

// warmPopular 按评分聚合的热门榜。
func (w *Warmer) warmPopular(ctx context.Context) {
	popularity, err := w.interactions.PopularProviders(ctx,
		w.cfg.ColdStartMinRating, w.cfg.ColdStartMinReviews, nil, warmupPopularLimit)
	if err != nil {
		w.logger.WarnContext(ctx, "warmup: popular providers failed", "error", err)
		return
	}

	ids := make([]uint64, len(popularity))
	for i, p := range popularity {
		ids[i] = p.ProviderID
	}
	w.recCache.SetPopularProviders(ctx, map[string]any{"by": "rating", "top_k": warmupPopularLimit}, ids)
}

// warmTrending 按近期交互次数的热度榜。
func (w *Warmer) warmTrending(ctx context.Context) {
	since := time.Now().AddDate(0, 0, -warmupWindowDays)
	trending, err := w.interactions.CountInteractionsByProvider(ctx, since, warmupPopularLimit)
	if err != nil {
		w.logger.WarnContext(ctx, "warmup: trending providers failed", "error", err)
		return
	}

	ids := make([]uint64, len(trending))
	for i, p := range trending {
		ids[i] = p.ProviderID
	}
	w.recCache.SetPopularProviders(ctx, map[string]any{
		"by": "interactions", "top_k": warmupPopularLimit, "window_days": warmupWindowDays,
	}, ids)
}

// warmColdStart 预生成 popular_providers 策略的冷启动列表（写缓存的副作用
// 在 ColdStartHandler 内部完成）。
func (w *Warmer) warmColdStart(ctx context.Context) {
	if _, err := w.coldStart.PopularProviders(ctx, w.cfg.TopK); err != nil {
		w.logger.WarnContext(ctx, "warmup: cold start list failed", "error", err)
	}
}

// warmProviderFeatures 把已训练商户的特征向量写入缓存。
func (w *Warmer) warmProviderFeatures(ctx context.Context) {
	if !w.content.Trained() {
		return
	}
	providers, err := w.interactions.ListActiveProviders(ctx, false)
	if err != nil {
		w.logger.WarnContext(ctx, "warmup: list providers failed", "error", err)
		return
	}

	warmed := 0
	for _, p := range providers {
		features, ok := w.content.ProviderFeatures(p.ID)
		if !ok {
			continue
		}
		w.recCache.SetProviderFeatures(ctx, p.ID, features)
		warmed++
	}
	w.logger.DebugContext(ctx, "provider features warmed", "count", warmed)
}
