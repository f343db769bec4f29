// Package batch 实现了推荐结果的离线批量重建、清理与缓存预热任务。
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/wyfcoding/recsys/abtest"
	"github.com/wyfcoding/recsys/async"
	"github.com/wyfcoding/recsys/cache"
	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/metrics"
	"github.com/wyfcoding/recsys/recommend"
	"github.com/wyfcoding/recsys/store"
	"github.com/wyfcoding/recsys/worker"
	"github.com/wyfcoding/recsys/xerrors"
)

const jobRebuild = "rebuild"

// 用户处理结果，打到 users_processed_total 的 outcome 维度上。
const (
	outcomeRebuilt   = "rebuilt"
	outcomeColdStart = "cold_start"
	outcomeEmpty     = "empty"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// Rebuilder 批量重建驱动：训练引擎、选定用户集、逐用户生成并落库推荐。
type Rebuilder struct {
	interactions    store.InteractionStore
	recommendations store.RecommendationStore

	hybrid        *recommend.HybridRecommender
	collaborative *recommend.CollaborativeEngine
	content       *recommend.ContentEngine
	coldStart     *recommend.ColdStartHandler
	experiments   *abtest.Manager
	modelStore    *recommend.ModelStore
	recCache      *cache.RecommendationCache

	pool *worker.Pool

	cfg    config.BatchConfig
	recCfg config.RecommendConfig

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// RebuilderDeps 重建驱动的依赖集合。
type RebuilderDeps struct {
	Interactions    store.InteractionStore
	Recommendations store.RecommendationStore
	Hybrid          *recommend.HybridRecommender
	Collaborative   *recommend.CollaborativeEngine
	Content         *recommend.ContentEngine
	ColdStart       *recommend.ColdStartHandler
	Experiments     *abtest.Manager
	ModelStore      *recommend.ModelStore
	RecCache        *cache.RecommendationCache
	Metrics         *metrics.Metrics
	Logger          *logging.Logger
}

// NewRebuilder 创建重建驱动。worker 池跨多轮运行复用。
func NewRebuilder(deps RebuilderDeps, cfg config.BatchConfig, recCfg config.RecommendConfig) *Rebuilder {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.BatchSize
	if queueSize <= 0 {
		queueSize = 100
	}

	pool := worker.NewPool(
		worker.WithName("rebuild"),
		worker.WithSize(workers),
		worker.WithQueueSize(queueSize),
		worker.WithLogger(deps.Logger.Logger),
		worker.WithMetrics(deps.Metrics),
	)

	return &Rebuilder{
		pool:            pool,
		interactions:    deps.Interactions,
		recommendations: deps.Recommendations,
		hybrid:          deps.Hybrid,
		collaborative:   deps.Collaborative,
		content:         deps.Content,
		coldStart:       deps.ColdStart,
		experiments:     deps.Experiments,
		modelStore:      deps.ModelStore,
		recCache:        deps.RecCache,
		cfg:             cfg,
		recCfg:          recCfg,
		logger:          deps.Logger,
		metrics:         deps.Metrics,
	}
}

// RunResult 单次重建运行的汇总。
type RunResult struct {
	UsersTotal  int
	Rebuilt     int
	ColdStart   int
	Skipped     int
	Failed      int
	WrittenRows int
	Duration    time.Duration
	BudgetHit   bool
	TrainedCF   bool
	TrainedCont bool
}

// Run 执行一轮重建。fullRebuild 为真时覆盖全部有行为的用户，否则只处理
// 近期活跃用户和推荐已全部过期的用户。超出时间预算后剩余用户被跳过，
// 已写入的推荐保持有效（允许部分完成）。
func (r *Rebuilder) Run(ctx context.Context, fullRebuild bool) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{}

	status := "success"
	defer func() {
		if r.metrics != nil {
			r.metrics.BatchRunsTotal.WithLabelValues(jobRebuild, status).Inc()
			r.metrics.BatchDuration.WithLabelValues(jobRebuild).Observe(time.Since(start).Seconds())
		}
	}()

	r.train(ctx, result)

	userIDs, err := r.eligibleUsers(ctx, fullRebuild)
	if err != nil {
		status = "failed"
		return result, err
	}
	result.UsersTotal = len(userIDs)
	if len(userIDs) == 0 {
		r.logger.InfoContext(ctx, "rebuild: no eligible users")
		result.Duration = time.Since(start)
		return result, nil
	}

	deadline := start.Add(r.cfg.TimeBudget)
	r.processUsers(ctx, userIDs, deadline, result)

	result.Duration = time.Since(start)
	r.logger.InfoContext(ctx, "rebuild finished",
		"users", result.UsersTotal, "rebuilt", result.Rebuilt,
		"cold_start", result.ColdStart, "skipped", result.Skipped,
		"failed", result.Failed, "written", result.WrittenRows,
		"budget_hit", result.BudgetHit, "duration", result.Duration)
	return result, nil
}

// train 并行训练协同过滤与内容引擎，随后持久化成功的模型。
// 训练失败不中断本轮重建：引擎保留上一份模型或保持弃权。
func (r *Rebuilder) train(ctx context.Context, result *RunResult) {
	cfFuture := async.NewFuture(ctx, func(ctx context.Context) (bool, error) {
		return r.collaborative.Train(ctx)
	})
	contentFuture := async.NewFuture(ctx, func(ctx context.Context) (bool, error) {
		return r.content.Train(ctx)
	})

	trainedCF, err := cfFuture.Get(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "collaborative training failed", "error", err)
	}
	trainedContent, err := contentFuture.Get(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "content training failed", "error", err)
	}

	result.TrainedCF = trainedCF
	result.TrainedCont = trainedContent

	if r.modelStore != nil {
		if trainedCF {
			r.modelStore.Save(ctx, recommend.ModelCollaborative, r.collaborative)
		}
		if trainedContent {
			r.modelStore.Save(ctx, recommend.ModelContent, r.content)
		}
	}
}

// RestoreModels 尝试从模型仓库恢复引擎，进程冷启动时跳过首轮重训。
func (r *Rebuilder) RestoreModels(ctx context.Context) {
	if r.modelStore == nil {
		return
	}
	r.modelStore.Load(ctx, recommend.ModelCollaborative, r.collaborative)
	r.modelStore.Load(ctx, recommend.ModelContent, r.content)
}

// eligibleUsers 选定本轮处理的用户集合。
func (r *Rebuilder) eligibleUsers(ctx context.Context, fullRebuild bool) ([]uint64, error) {
	if fullRebuild {
		ids, err := r.interactions.ListAllUserIDs(ctx)
		if err != nil {
			return nil, xerrors.WrapInternal(err, "rebuild: list all users")
		}
		return ids, nil
	}

	since := time.Now().AddDate(0, 0, -r.cfg.RecencyDays)
	active, err := r.interactions.ListActiveUserIDs(ctx, since)
	if err != nil {
		return nil, xerrors.WrapInternal(err, "rebuild: list active users")
	}
	stale, err := r.recommendations.ListUserIDsWithoutFreshRecommendations(ctx, time.Now())
	if err != nil {
		return nil, xerrors.WrapInternal(err, "rebuild: list stale users")
	}

	seen := make(map[uint64]struct{}, len(active)+len(stale))
	merged := make([]uint64, 0, len(active)+len(stale))
	for _, ids := range [][]uint64{active, stale} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	return merged, nil
}

// processUsers 用 worker 池分片处理用户。
func (r *Rebuilder) processUsers(ctx context.Context, userIDs []uint64, deadline time.Time, result *RunResult) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		id := userID
		wg.Add(1)
		task := func(context.Context) {
			defer wg.Done()
			outcome, written := r.processUser(ctx, id, deadline)

			mu.Lock()
			switch outcome {
			case outcomeRebuilt:
				result.Rebuilt++
			case outcomeColdStart:
				result.ColdStart++
			case outcomeSkipped:
				result.Skipped++
				result.BudgetHit = true
			case outcomeFailed:
				result.Failed++
			}
			result.WrittenRows += written
			mu.Unlock()

			if r.metrics != nil {
				r.metrics.UsersProcessedTotal.WithLabelValues(jobRebuild, outcome).Inc()
				if written > 0 {
					r.metrics.RecommendationsWritten.Add(float64(written))
				}
			}
		}
		if err := r.pool.Submit(task); err != nil {
			wg.Done()
			r.logger.WarnContext(ctx, "rebuild: submit failed", "user_id", id, "error", err)
		}
	}
	wg.Wait()
}

// Close 停止内部 worker 池。
func (r *Rebuilder) Close() {
	r.pool.Stop()
}

// processUser 为单个用户生成并落库推荐，返回 (outcome, 写入行数)。
// 任何持久化失败只影响该用户本轮的结果，不中断整个批次。
func (r *Rebuilder) processUser(ctx context.Context, userID uint64, deadline time.Time) (string, int) {
	if time.Now().After(deadline) {
		return outcomeSkipped, 0
	}

	hasBehavior, err := r.interactions.HasBehavior(ctx, userID)
	if err != nil {
		r.logger.WarnContext(ctx, "rebuild: behavior check failed", "user_id", userID, "error", err)
		return outcomeFailed, 0
	}

	var recs []recommend.Recommendation
	outcome := outcomeRebuilt
	if hasBehavior {
		recs, err = r.generateHybrid(ctx, userID)
		if err != nil {
			r.logger.WarnContext(ctx, "rebuild: hybrid generation failed", "user_id", userID, "error", err)
			return outcomeFailed, 0
		}
	}
	if len(recs) == 0 {
		// 无行为用户与融合结果为空的用户都走冷启动兜底
		strategy := r.experiments.GetColdStartStrategy(ctx, userID)
		recs, err = r.coldStart.Recommend(ctx, userID, strategy, r.cfg.MaxRecommendations)
		if err != nil {
			r.logger.WarnContext(ctx, "rebuild: cold start failed", "user_id", userID, "error", err)
			return outcomeFailed, 0
		}
		outcome = outcomeColdStart
	}
	if len(recs) == 0 {
		return outcomeEmpty, 0
	}

	now := time.Now()
	records := make([]store.RecommendationRecord, len(recs))
	for i, rec := range recs {
		records[i] = store.RecommendationRecord{
			UserID:           userID,
			ProviderID:       rec.ProviderID,
			Score:            rec.Score,
			AlgorithmVersion: recommend.AlgorithmVersion,
			CreatedAt:        now,
			ExpiresAt:        now.Add(time.Duration(r.recCfg.ExpiryHours) * time.Hour),
		}
	}

	if err := r.recommendations.ReplaceRecommendations(ctx, userID, records); err != nil {
		r.logger.WarnContext(ctx, "rebuild: persist failed", "user_id", userID, "error", err)
		return outcomeFailed, 0
	}
	if r.recCache != nil {
		r.recCache.InvalidateUser(ctx, userID)
	}
	return outcome, len(records)
}

// generateHybrid 跑一轮混合推荐：候选集排除已收藏和近 7 天浏览过的
// 商户，向融合引擎要两倍数量，过滤低分后截断。
func (r *Rebuilder) generateHybrid(ctx context.Context, userID uint64) ([]recommend.Recommendation, error) {
	candidates, err := r.buildCandidates(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	weights := r.experiments.GetRecommendationWeights(ctx, userID)
	recs := r.hybrid.GenerateRecommendations(ctx, userID, candidates, 2*r.cfg.MaxRecommendations, weights, nil)

	filtered := recs[:0]
	for _, rec := range recs {
		if rec.Score >= r.cfg.MinScore {
			filtered = append(filtered, rec)
		}
	}
	if len(filtered) > r.cfg.MaxRecommendations {
		filtered = filtered[:r.cfg.MaxRecommendations]
	}
	return filtered, nil
}

// buildCandidates 返回活跃商户中未被该用户收藏、且近期未浏览过的部分。
func (r *Rebuilder) buildCandidates(ctx context.Context, userID uint64) ([]uint64, error) {
	providers, err := r.interactions.ListActiveProviders(ctx, false)
	if err != nil {
		return nil, xerrors.WrapInternal(err, "rebuild: list providers")
	}

	excluded := make(map[uint64]struct{})
	favorites, err := r.interactions.ListFavorites(ctx, &userID, nil)
	if err != nil {
		return nil, xerrors.WrapInternal(err, "rebuild: list favorites")
	}
	for _, f := range favorites {
		excluded[f.ProviderID] = struct{}{}
	}

	since := time.Now().AddDate(0, 0, -r.cfg.RecencyDays)
	views, err := r.interactions.ListInteractions(ctx, store.InteractionFilter{
		UserID:     &userID,
		ActionKind: store.ActionView,
		Since:      since,
	})
	if err != nil {
		return nil, xerrors.WrapInternal(err, "rebuild: list recent views")
	}
	for _, v := range views {
		if v.ProviderID != nil {
			excluded[*v.ProviderID] = struct{}{}
		}
	}

	candidates := make([]uint64, 0, len(providers))
	for _, p := range providers {
		if _, skip := excluded[p.ID]; skip {
			continue
		}
		candidates = append(candidates, p.ID)
	}
	return candidates, nil
}
