package abtest

import (
	"context"
	"crypto/md5"
	"math/big"
	"strconv"
	"time"

	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/metrics"
	"github.com/wyfcoding/recsys/recommend"
	"github.com/wyfcoding/recsys/store"
	"github.com/wyfcoding/recsys/xerrors"
)

const bucketResolution = 1000

// Manager 负责实验分流、变体配置下发与分流记录清理。
// 分桶基于 MD5("{user_id}:{experiment}")，同一用户在同一实验中的变体
// 跨进程、跨重启保持稳定。
type Manager struct {
	experiments map[string]*Experiment
	order       []string
	assignments store.AssignmentStore
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// NewManager 从配置构建实验目录。configs 为空时启用内置默认目录。
func NewManager(configs []config.ExperimentConfig, assignments store.AssignmentStore, logger *logging.Logger, m *metrics.Metrics) (*Manager, error) {
	if len(configs) == 0 {
		configs = DefaultExperiments()
	}

	mgr := &Manager{
		experiments: make(map[string]*Experiment, len(configs)),
		assignments: assignments,
		logger:      logger,
		metrics:     m,
	}
	for _, cfg := range configs {
		exp, err := parseExperiment(cfg)
		if err != nil {
			return nil, err
		}
		mgr.experiments[exp.Name] = exp
		mgr.order = append(mgr.order, exp.Name)
	}
	return mgr, nil
}

// bucketValue 把 (user, experiment) 映射到 [0, 1) 上的稳定值。
// MD5 摘要按大整数解释后取模 1000 再归一化。
func bucketValue(userID uint64, experiment string) float64 {
	sum := md5.Sum([]byte(strconv.FormatUint(userID, 10) + ":" + experiment))
	n := new(big.Int).SetBytes(sum[:])
	bucket := new(big.Int).Mod(n, big.NewInt(bucketResolution)).Int64()
	return float64(bucket) / bucketResolution
}

// pickVariant 在变体序列上累积权重，返回第一个累积值覆盖 value 的变体。
// 分桶值是 0.001 的整数倍，边界取闭区间：value 恰好等于累积权重时命中
// 当前变体。权重和小于 1 时落在剩余区间返回 control。
func pickVariant(value float64, variants []Variant) string {
	var cumulative float64
	for _, v := range variants {
		cumulative += v.Weight
		if value <= cumulative {
			return v.Name
		}
	}
	return ControlVariant
}

func (m *Manager) countAssignment(experiment, variant, source string) {
	if m.metrics != nil {
		m.metrics.AssignmentsTotal.WithLabelValues(experiment, variant, source).Inc()
	}
}

// AssignUserToVariant 返回用户在指定实验中的变体。
// 幂等：已有记录直接复用；实验未知或未生效时隐式返回 control 且不落库，
// 配置错误不向调用方抛错；否则按哈希分桶在变体序列上累积权重命中并持久化，
// 落在剩余区间的用户作为 control 同样落库。
func (m *Manager) AssignUserToVariant(ctx context.Context, userID uint64, experiment string) (string, error) {
	exp, ok := m.experiments[experiment]
	if !ok {
		m.logger.WarnContext(ctx, "unknown experiment requested, serving control",
			"experiment", experiment)
		m.countAssignment(experiment, ControlVariant, "unknown")
		return ControlVariant, nil
	}

	existing, err := m.assignments.GetAssignment(ctx, userID, experiment)
	if err != nil {
		return "", xerrors.WrapInternal(err, "abtest: lookup assignment")
	}
	if existing != nil {
		m.countAssignment(experiment, existing.Variant, "existing")
		return existing.Variant, nil
	}

	if !exp.ActiveAt(time.Now()) {
		m.countAssignment(experiment, ControlVariant, "inactive")
		return ControlVariant, nil
	}

	if exp.weightSum() > 1.0+1e-9 {
		m.logger.ErrorContext(ctx, "experiment variant weights exceed 1.0, serving control",
			"experiment", experiment, "weight_sum", exp.weightSum())
		m.countAssignment(experiment, ControlVariant, "invalid_weights")
		return ControlVariant, nil
	}

	variant := pickVariant(bucketValue(userID, experiment), exp.Variants)

	effective, err := m.assignments.CreateAssignment(ctx, &store.ExperimentAssignment{
		UserID:         userID,
		ExperimentName: experiment,
		Variant:        variant,
		AssignedAt:     time.Now(),
	})
	if err != nil {
		return "", xerrors.WrapInternal(err, "abtest: persist assignment")
	}

	m.countAssignment(experiment, effective.Variant, "hashed")
	m.logger.DebugContext(ctx, "experiment variant assigned",
		"user_id", userID, "experiment", experiment, "variant", effective.Variant)
	return effective.Variant, nil
}

// GetRecommendationWeights 返回用户所在变体承载的融合权重。
// 实验缺失、分流失败或变体无参数时回退到均衡默认值。
func (m *Manager) GetRecommendationWeights(ctx context.Context, userID uint64) recommend.Weights {
	balanced := recommend.Weights{Collaborative: 0.33, Content: 0.33, Location: 0.34}

	variant, err := m.AssignUserToVariant(ctx, userID, ExperimentRecommendationWeights)
	if err != nil {
		m.logger.WarnContext(ctx, "weights assignment failed, using balanced default",
			"user_id", userID, "error", err)
		return balanced
	}

	exp, ok := m.experiments[ExperimentRecommendationWeights]
	if !ok {
		return balanced
	}
	v, ok := exp.variant(variant)
	if !ok || len(v.Params) == 0 {
		return balanced
	}
	return recommend.Weights{
		Collaborative: v.Params["collaborative"],
		Content:       v.Params["content"],
		Location:      v.Params["location"],
	}
}

// GetColdStartStrategy 返回用户所在变体的冷启动策略名。
// 任何异常路径都回退到 popular_providers。
func (m *Manager) GetColdStartStrategy(ctx context.Context, userID uint64) string {
	variant, err := m.AssignUserToVariant(ctx, userID, ExperimentColdStartStrategy)
	if err != nil {
		m.logger.WarnContext(ctx, "cold start assignment failed, using popular_providers",
			"user_id", userID, "error", err)
		return recommend.StrategyPopularProviders
	}

	exp, ok := m.experiments[ExperimentColdStartStrategy]
	if !ok {
		return recommend.StrategyPopularProviders
	}
	v, ok := exp.variant(variant)
	if !ok || v.Strategy == "" {
		return recommend.StrategyPopularProviders
	}
	return v.Strategy
}

// ForceAssign 管理操作：跳过哈希分桶，强制把用户写入指定变体。
func (m *Manager) ForceAssign(ctx context.Context, userID uint64, experiment, variant string) error {
	exp, ok := m.experiments[experiment]
	if !ok {
		return xerrors.ErrUnknownExperiment.WithContext("experiment", experiment)
	}
	if _, ok := exp.variant(variant); !ok {
		return xerrors.ErrUnknownVariant.
			WithContext("experiment", experiment).WithContext("variant", variant)
	}

	if err := m.assignments.ForceAssign(ctx, userID, experiment, variant); err != nil {
		return xerrors.WrapInternal(err, "abtest: force assign")
	}
	m.countAssignment(experiment, variant, "forced")
	m.logger.InfoContext(ctx, "experiment variant force-assigned",
		"user_id", userID, "experiment", experiment, "variant", variant)
	return nil
}

// VariantStats 单个变体的分流统计。
type VariantStats struct {
	Count      int64   `json:"count"`
	Percentage float64 `json:"percentage"`
}

// ExperimentStats 返回实验各变体的人数与占比。
func (m *Manager) ExperimentStats(ctx context.Context, experiment string) (map[string]VariantStats, error) {
	if _, ok := m.experiments[experiment]; !ok {
		return nil, xerrors.ErrUnknownExperiment.WithContext("experiment", experiment)
	}

	counts, err := m.assignments.CountByVariant(ctx, experiment)
	if err != nil {
		return nil, xerrors.WrapInternal(err, "abtest: count by variant")
	}

	var total int64
	for _, c := range counts {
		total += c
	}

	stats := make(map[string]VariantStats, len(counts))
	for variant, c := range counts {
		s := VariantStats{Count: c}
		if total > 0 {
			s.Percentage = float64(c) / float64(total) * 100
		}
		stats[variant] = s
	}
	return stats, nil
}

// CleanupEndedExperiments 删除结束超过 days 天的实验的全部分流记录。
func (m *Manager) CleanupEndedExperiments(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)

	var deleted int64
	for _, name := range m.order {
		exp := m.experiments[name]
		if exp.EndDate.IsZero() || !exp.EndDate.Before(cutoff) {
			continue
		}
		n, err := m.assignments.DeleteByExperiment(ctx, name)
		if err != nil {
			return deleted, xerrors.WrapInternal(err, "abtest: cleanup ended experiment")
		}
		deleted += n
		m.logger.InfoContext(ctx, "ended experiment assignments purged",
			"experiment", name, "deleted", n)
	}
	return deleted, nil
}

// CleanupExpiredAssignments 删除早于 days 天的全部分流记录。
func (m *Manager) CleanupExpiredAssignments(ctx context.Context, days int) (int64, error) {
	n, err := m.assignments.DeleteAssignedBefore(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return 0, xerrors.WrapInternal(err, "abtest: cleanup expired assignments")
	}
	return n, nil
}
