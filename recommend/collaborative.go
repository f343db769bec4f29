package recommend

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/linalg"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/metrics"
	"github.com/wyfcoding/recsys/store"
	"github.com/wyfcoding/recsys/xerrors"
)

const (
	similarUserThreshold = 0.1
	similarUserLimit     = 50
)

// latentFactors 是一次成功训练产出的不可变快照。
// 字段导出以支持 gob 序列化。
type latentFactors struct {
	UserFactors   *linalg.Matrix // users × k（U·Σ）
	ItemFactors   *linalg.Matrix // providers × k（V）
	UserIndex     map[uint64]int
	ProviderIndex map[uint64]int
	TrainedAt     time.Time
}

// CollaborativeEngine 基于截断 SVD 的协同过滤引擎。
// 训练产出整体替换快照，读路径无锁竞争写路径。
type CollaborativeEngine struct {
	mu      sync.RWMutex
	factors *latentFactors

	interactions store.InteractionStore
	cfg          config.RecommendConfig
	logger       *logging.Logger
	metrics      *metrics.Metrics
}

// NewCollaborativeEngine 创建协同过滤引擎。
func NewCollaborativeEngine(interactions store.InteractionStore, cfg config.RecommendConfig, logger *logging.Logger, m *metrics.Metrics) *CollaborativeEngine {
	return &CollaborativeEngine{
		interactions: interactions,
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
	}
}

type pairKey struct {
	userID     uint64
	providerID uint64
}

// buildInteractionWeights 汇总交互事实为 (user, provider) -> 权重。
// 同一对取各信号的最大值：一次 5 星评分不应被多次浏览稀释或放大。
func (e *CollaborativeEngine) buildInteractionWeights(ctx context.Context) (map[pairKey]float64, error) {
	weights := make(map[pairKey]float64)
	apply := func(userID, providerID uint64, w float64) {
		key := pairKey{userID, providerID}
		if w > weights[key] {
			weights[key] = w
		}
	}

	for kind, w := range map[store.ActionKind]float64{
		store.ActionView:    e.cfg.ViewWeight,
		store.ActionContact: e.cfg.ContactWeight,
	} {
		events, err := e.interactions.ListInteractions(ctx, store.InteractionFilter{ActionKind: kind})
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if ev.ProviderID != nil {
				apply(ev.UserID, *ev.ProviderID, w)
			}
		}
	}

	favorites, err := e.interactions.ListFavorites(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	for _, f := range favorites {
		apply(f.UserID, f.ProviderID, e.cfg.FavoriteWeight)
	}

	ratings, err := e.interactions.ListRatings(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	for _, r := range ratings {
		apply(r.UserID, r.ProviderID, r.Value)
	}

	return weights, nil
}

// Train 重建用户×商户交互矩阵并做截断 SVD 分解。
// 数据不足时返回 (false, nil) 并保留上一份模型，绝不向调用方抛错中断批次。
func (e *CollaborativeEngine) Train(ctx context.Context) (bool, error) {
	start := time.Now()

	weights, err := e.buildInteractionWeights(ctx)
	if err != nil {
		return false, xerrors.Wrap(err, xerrors.ErrInternal, "collaborative train: load interactions")
	}
	if len(weights) == 0 {
		e.logger.InfoContext(ctx, "collaborative train skipped: no interactions")
		return false, nil
	}

	userSet := make(map[uint64]struct{})
	providerSet := make(map[uint64]struct{})
	for key := range weights {
		userSet[key.userID] = struct{}{}
		providerSet[key.providerID] = struct{}{}
	}
	userIDs := sortedIDs(userSet)
	providerIDs := sortedIDs(providerSet)

	userIndex := make(map[uint64]int, len(userIDs))
	for i, id := range userIDs {
		userIndex[id] = i
	}
	providerIndex := make(map[uint64]int, len(providerIDs))
	for i, id := range providerIDs {
		providerIndex[id] = i
	}

	matrix := linalg.NewMatrix(len(userIDs), len(providerIDs))
	for key, w := range weights {
		matrix.Set(userIndex[key.userID], providerIndex[key.providerID], w)
	}

	// 成分数受 min(rows, cols) - 1 约束；极小矩阵（单用户单商户）仍以
	// 单成分训练，保证孤立的一条强信号也能得到正向预测
	k := e.cfg.SVDComponents
	if limit := min(len(userIDs), len(providerIDs)) - 1; k > limit {
		k = limit
	}
	if k < 1 {
		k = 1
	}

	svd, err := linalg.TruncatedSVD(matrix, k)
	if err != nil {
		return false, xerrors.Wrap(err, xerrors.ErrInternal, "collaborative train: svd")
	}
	userFactors, err := svd.Transform(matrix)
	if err != nil {
		return false, xerrors.Wrap(err, xerrors.ErrInternal, "collaborative train: transform")
	}

	e.mu.Lock()
	e.factors = &latentFactors{
		UserFactors:   userFactors,
		ItemFactors:   svd.V,
		UserIndex:     userIndex,
		ProviderIndex: providerIndex,
		TrainedAt:     time.Now(),
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TrainDuration.WithLabelValues("collaborative").Observe(time.Since(start).Seconds())
	}
	e.logger.InfoContext(ctx, "collaborative model trained",
		"users", len(userIDs), "providers", len(providerIDs),
		"components", k, "duration", time.Since(start))

	return true, nil
}

// PredictScores 返回候选商户的非负预测亲和度（潜向量点积，下限 0）。
// 用户未训练或模型缺失时返回空映射，由融合层按"无意见"处理。
func (e *CollaborativeEngine) PredictScores(_ context.Context, userID uint64, candidates []uint64) Scores {
	e.mu.RLock()
	factors := e.factors
	e.mu.RUnlock()

	if factors == nil {
		return nil
	}
	row, ok := factors.UserIndex[userID]
	if !ok {
		return nil
	}

	userVec := factors.UserFactors.Row(row)
	scores := make(Scores, len(candidates))
	for _, providerID := range candidates {
		col, ok := factors.ProviderIndex[providerID]
		if !ok {
			continue
		}
		score := linalg.Dot(userVec, factors.ItemFactors.Row(col))
		if score < 0 {
			score = 0
		}
		scores[providerID] = score
	}
	return scores
}

// UserSimilarity 相似用户及其余弦相似度。
type UserSimilarity struct {
	UserID     uint64  `json:"user_id"`
	Similarity float64 `json:"similarity"`
}

// SimilarUsers 按潜向量余弦相似度返回最相似的用户，阈值 0.1，默认前 50。
func (e *CollaborativeEngine) SimilarUsers(userID uint64, topN int) []UserSimilarity {
	if topN <= 0 {
		topN = similarUserLimit
	}

	e.mu.RLock()
	factors := e.factors
	e.mu.RUnlock()

	if factors == nil {
		return nil
	}
	row, ok := factors.UserIndex[userID]
	if !ok {
		return nil
	}

	userVec := factors.UserFactors.Row(row)
	result := make([]UserSimilarity, 0, topN)
	for otherID, otherRow := range factors.UserIndex {
		if otherID == userID {
			continue
		}
		sim := linalg.CosineSimilarity(userVec, factors.UserFactors.Row(otherRow))
		if sim > similarUserThreshold {
			result = append(result, UserSimilarity{UserID: otherID, Similarity: sim})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Similarity != result[j].Similarity {
			return result[i].Similarity > result[j].Similarity
		}
		return result[i].UserID < result[j].UserID
	})
	if len(result) > topN {
		result = result[:topN]
	}
	return result
}

// Trained 返回当前是否持有可用模型。
func (e *CollaborativeEngine) Trained() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.factors != nil
}

// Snapshot 序列化当前模型，供模型仓库持久化。
func (e *CollaborativeEngine) Snapshot() ([]byte, error) {
	e.mu.RLock()
	factors := e.factors
	e.mu.RUnlock()

	if factors == nil {
		return nil, xerrors.ErrModelNotTrained
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(factors); err != nil {
		return nil, xerrors.WrapInternal(err, "encode collaborative model")
	}
	return buf.Bytes(), nil
}

// Restore 从序列化数据恢复模型，跳过重训。
func (e *CollaborativeEngine) Restore(data []byte) error {
	var factors latentFactors
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&factors); err != nil {
		return xerrors.WrapInternal(err, "decode collaborative model")
	}

	e.mu.Lock()
	e.factors = &factors
	e.mu.Unlock()
	return nil
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
