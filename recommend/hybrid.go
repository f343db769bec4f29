package recommend

import (
	"context"
	"sort"

	"github.com/wyfcoding/recsys/geo"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/metrics"
)

// HybridRecommender 编排三个子引擎并做加权融合。
type HybridRecommender struct {
	collaborative *CollaborativeEngine
	content       *ContentEngine
	location      *LocationEngine
	logger        *logging.Logger
	metrics       *metrics.Metrics
}

// NewHybridRecommender 创建融合引擎。
func NewHybridRecommender(collaborative *CollaborativeEngine, content *ContentEngine, location *LocationEngine, logger *logging.Logger, m *metrics.Metrics) *HybridRecommender {
	return &HybridRecommender{
		collaborative: collaborative,
		content:       content,
		location:      location,
		logger:        logger,
		metrics:       m,
	}
}

// GenerateRecommendations 在同一候选集上调用三个子引擎并融合。
// 零值权重回退到 DefaultWeights。每个候选只按实际给出分数的引擎做
// 加权平均：分母是参与引擎的权重和，而不是全量权重——只被一个引擎
// 覆盖的候选不会因此吃亏。没有任何引擎打分的候选被整体丢弃。结果按
// 分数降序、provider id 升序截断到 topK。
func (h *HybridRecommender) GenerateRecommendations(ctx context.Context, userID uint64, candidates []uint64, topK int, w Weights, explicit *geo.Point) []Recommendation {
	if len(candidates) == 0 || topK <= 0 {
		return nil
	}
	if w == (Weights{}) {
		w = DefaultWeights()
	}

	inputs := []weightedScores{
		{"collaborative", w.Collaborative, h.collaborative.PredictScores(ctx, userID, candidates)},
		{"content", w.Content, h.content.PredictScores(ctx, userID, candidates)},
		{"location", w.Location, h.location.PredictScores(ctx, userID, candidates, explicit)},
	}
	for _, in := range inputs {
		if len(in.scores) == 0 && h.metrics != nil {
			h.metrics.EngineAbstentionsTotal.WithLabelValues(in.name).Inc()
		}
	}

	return fuse(inputs, topK)
}

type weightedScores struct {
	name   string
	weight float64
	scores Scores
}

// fuse 对每个候选只按实际参与的引擎做加权平均。
func fuse(inputs []weightedScores, topK int) []Recommendation {
	weightedSum := make(map[uint64]float64)
	weightTotal := make(map[uint64]float64)
	for _, in := range inputs {
		if in.weight <= 0 {
			continue
		}
		for providerID, score := range in.scores {
			weightedSum[providerID] += in.weight * score
			weightTotal[providerID] += in.weight
		}
	}

	recs := make([]Recommendation, 0, len(weightedSum))
	for providerID, sum := range weightedSum {
		total := weightTotal[providerID]
		if total <= 0 {
			continue
		}
		recs = append(recs, Recommendation{ProviderID: providerID, Score: sum / total})
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Score != recs[j].Score {
			return recs[i].Score > recs[j].Score
		}
		return recs[i].ProviderID < recs[j].ProviderID
	})
	if len(recs) > topK {
		recs = recs[:topK]
	}
	return recs
}

// Train 依次训练协同过滤与内容引擎（位置引擎无训练状态）。
// 任一引擎弃权不算失败，只要没有真实错误就返回 nil。
func (h *HybridRecommender) Train(ctx context.Context) error {
	if _, err := h.collaborative.Train(ctx); err != nil {
		return err
	}
	if _, err := h.content.Train(ctx); err != nil {
		return err
	}
	return nil
}
