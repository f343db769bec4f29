package recommend

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"
	"strings"
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
	similarProviderThreshold = 0.1
	similarProviderLimit     = 20
)

// contentModel 内容引擎的不可变训练快照。
type contentModel struct {
	Vectorizer    *TFIDFVectorizer
	Features      *linalg.Matrix // providers × 词表维度，行已 L2 归一化
	ProviderIndex map[uint64]int
	TrainedAt     time.Time
}

// ContentEngine 基于 TF-IDF 文本相似度的内容引擎。
type ContentEngine struct {
	mu    sync.RWMutex
	model *contentModel

	interactions store.InteractionStore
	cfg          config.RecommendConfig
	logger       *logging.Logger
	metrics      *metrics.Metrics
}

// NewContentEngine 创建内容引擎。
func NewContentEngine(interactions store.InteractionStore, cfg config.RecommendConfig, logger *logging.Logger, m *metrics.Metrics) *ContentEngine {
	return &ContentEngine{
		interactions: interactions,
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
	}
}

// buildDocument 把商户档案拼接为单个文本文档：
// 名称、描述、全部服务的名称/描述以及分类名。
func buildDocument(p *store.ProviderProfile) string {
	var sb strings.Builder
	sb.WriteString(p.Name)
	sb.WriteByte(' ')
	sb.WriteString(p.Description)
	for _, svc := range p.Services {
		sb.WriteByte(' ')
		sb.WriteString(svc.Name)
		sb.WriteByte(' ')
		sb.WriteString(svc.Description)
		if svc.Category.Name != "" {
			sb.WriteByte(' ')
			sb.WriteString(svc.Category.Name)
		}
	}
	return sb.String()
}

// Train 在活跃商户语料上拟合 TF-IDF 并缓存特征矩阵。
// 无活跃商户或词表为空时返回 (false, nil)，保留上一份模型。
func (e *ContentEngine) Train(ctx context.Context) (bool, error) {
	start := time.Now()

	providers, err := e.interactions.ListActiveProviders(ctx, true)
	if err != nil {
		return false, xerrors.Wrap(err, xerrors.ErrInternal, "content train: load providers")
	}
	if len(providers) == 0 {
		e.logger.InfoContext(ctx, "content train skipped: no active providers")
		return false, nil
	}

	docs := make([]string, len(providers))
	for i := range providers {
		docs[i] = buildDocument(&providers[i])
	}

	vectorizer := NewTFIDFVectorizer(e.cfg.MaxFeatures, e.cfg.NGramMin, e.cfg.NGramMax)
	vectorizer.Fit(docs)
	if len(vectorizer.Vocabulary) == 0 {
		e.logger.InfoContext(ctx, "content train skipped: empty vocabulary")
		return false, nil
	}

	features := linalg.NewMatrix(len(providers), len(vectorizer.IDF))
	providerIndex := make(map[uint64]int, len(providers))
	for i := range providers {
		providerIndex[providers[i].ID] = i
		vec := vectorizer.Transform(docs[i])
		for j, val := range vec {
			features.Set(i, j, val)
		}
	}

	e.mu.Lock()
	e.model = &contentModel{
		Vectorizer:    vectorizer,
		Features:      features,
		ProviderIndex: providerIndex,
		TrainedAt:     time.Now(),
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TrainDuration.WithLabelValues("content").Observe(time.Since(start).Seconds())
	}
	e.logger.InfoContext(ctx, "content model trained",
		"providers", len(providers), "vocabulary", len(vectorizer.Vocabulary),
		"duration", time.Since(start))

	return true, nil
}

// preferenceSet 返回用户收藏、评分或交互过的商户集合。
func (e *ContentEngine) preferenceSet(ctx context.Context, userID uint64) (map[uint64]struct{}, error) {
	set := make(map[uint64]struct{})

	favorites, err := e.interactions.ListFavorites(ctx, &userID, nil)
	if err != nil {
		return nil, err
	}
	for _, f := range favorites {
		set[f.ProviderID] = struct{}{}
	}

	ratings, err := e.interactions.ListRatings(ctx, &userID, nil)
	if err != nil {
		return nil, err
	}
	for _, r := range ratings {
		set[r.ProviderID] = struct{}{}
	}

	events, err := e.interactions.ListInteractions(ctx, store.InteractionFilter{UserID: &userID})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.ProviderID != nil {
			set[*ev.ProviderID] = struct{}{}
		}
	}

	return set, nil
}

// PredictScores 对每个已训练候选，计算它与用户偏好集中每个商户的余弦
// 相似度并取平均：与多个历史兴趣都相似的候选优于只像单一兴趣的候选。
// 偏好集为空（冷启动用户）时返回空映射。
func (e *ContentEngine) PredictScores(ctx context.Context, userID uint64, candidates []uint64) Scores {
	e.mu.RLock()
	model := e.model
	e.mu.RUnlock()

	if model == nil {
		return nil
	}

	prefs, err := e.preferenceSet(ctx, userID)
	if err != nil {
		e.logger.WarnContext(ctx, "content predict: preference set load failed",
			"user_id", userID, "error", err)
		return nil
	}
	if len(prefs) == 0 {
		return nil
	}

	prefRows := make([]int, 0, len(prefs))
	for providerID := range prefs {
		if row, ok := model.ProviderIndex[providerID]; ok {
			prefRows = append(prefRows, row)
		}
	}
	if len(prefRows) == 0 {
		return nil
	}

	scores := make(Scores, len(candidates))
	for _, providerID := range candidates {
		row, ok := model.ProviderIndex[providerID]
		if !ok {
			continue
		}
		candidateVec := model.Features.Row(row)

		var total float64
		for _, prefRow := range prefRows {
			total += linalg.CosineSimilarity(candidateVec, model.Features.Row(prefRow))
		}
		scores[providerID] = total / float64(len(prefRows))
	}
	return scores
}

// ProviderSimilarity 相似商户及其余弦相似度。
type ProviderSimilarity struct {
	ProviderID uint64  `json:"provider_id"`
	Similarity float64 `json:"similarity"`
}

// SimilarProviders 按特征向量余弦相似度返回最相似的商户，阈值 0.1，默认前 20。
func (e *ContentEngine) SimilarProviders(providerID uint64, topN int) []ProviderSimilarity {
	if topN <= 0 {
		topN = similarProviderLimit
	}

	e.mu.RLock()
	model := e.model
	e.mu.RUnlock()

	if model == nil {
		return nil
	}
	row, ok := model.ProviderIndex[providerID]
	if !ok {
		return nil
	}

	vec := model.Features.Row(row)
	result := make([]ProviderSimilarity, 0, topN)
	for otherID, otherRow := range model.ProviderIndex {
		if otherID == providerID {
			continue
		}
		sim := linalg.CosineSimilarity(vec, model.Features.Row(otherRow))
		if sim > similarProviderThreshold {
			result = append(result, ProviderSimilarity{ProviderID: otherID, Similarity: sim})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Similarity != result[j].Similarity {
			return result[i].Similarity > result[j].Similarity
		}
		return result[i].ProviderID < result[j].ProviderID
	})
	if len(result) > topN {
		result = result[:topN]
	}
	return result
}

// ProviderFeatures 返回某商户的 TF-IDF 特征向量，供缓存预热使用。
func (e *ContentEngine) ProviderFeatures(providerID uint64) ([]float64, bool) {
	e.mu.RLock()
	model := e.model
	e.mu.RUnlock()

	if model == nil {
		return nil, false
	}
	row, ok := model.ProviderIndex[providerID]
	if !ok {
		return nil, false
	}
	return model.Features.Row(row), true
}

// Trained 返回当前是否持有可用模型。
func (e *ContentEngine) Trained() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.model != nil
}

// Snapshot 序列化当前模型。
func (e *ContentEngine) Snapshot() ([]byte, error) {
	e.mu.RLock()
	model := e.model
	e.mu.RUnlock()

	if model == nil {
		return nil, xerrors.ErrModelNotTrained
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(model); err != nil {
		return nil, xerrors.WrapInternal(err, "encode content model")
	}
	return buf.Bytes(), nil
}

// Restore 从序列化数据恢复模型。
func (e *ContentEngine) Restore(data []byte) error {
	var model contentModel
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&model); err != nil {
		return xerrors.WrapInternal(err, "decode content model")
	}

	e.mu.Lock()
	e.model = &model
	e.mu.Unlock()
	return nil
}
