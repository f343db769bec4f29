// Package abtest 实现了基于确定性哈希分桶的 A/B 实验管理。
package abtest

import (
	"time"

	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/xerrors"
)

// 线上长期运行的两个实验。
const (
	ExperimentRecommendationWeights = "recommendation_weights"
	ExperimentColdStartStrategy     = "cold_start_strategy"
)

// ControlVariant 对照组变体名。哈希分桶落在剩余区间时作为正式分流结果
// 落库；实验未知或未生效时隐式返回且不落库。
const ControlVariant = "control"

const dateLayout = "2006-01-02"

// Variant 实验变体。
type Variant struct {
	Name     string
	Weight   float64
	Params   map[string]float64
	Strategy string
}

// Experiment 解析后的实验定义。变体顺序即分桶遍历顺序。
type Experiment struct {
	Name      string
	Active    bool
	StartDate time.Time
	EndDate   time.Time
	Variants  []Variant
}

// ActiveAt 判断实验在给定时刻是否生效（日期区间双闭）。
func (e *Experiment) ActiveAt(t time.Time) bool {
	if !e.Active {
		return false
	}
	if !e.StartDate.IsZero() && t.Before(e.StartDate) {
		return false
	}
	if !e.EndDate.IsZero() && !t.Before(e.EndDate.AddDate(0, 0, 1)) {
		return false
	}
	return true
}

// variant 按名称查找变体。
func (e *Experiment) variant(name string) (*Variant, bool) {
	for i := range e.Variants {
		if e.Variants[i].Name == name {
			return &e.Variants[i], true
		}
	}
	return nil, false
}

// weightSum 变体权重之和，分桶前校验不得超过 1.0。
func (e *Experiment) weightSum() float64 {
	var sum float64
	for _, v := range e.Variants {
		sum += v.Weight
	}
	return sum
}

// parseExperiment 把配置项解析为实验定义。
func parseExperiment(cfg config.ExperimentConfig) (*Experiment, error) {
	exp := &Experiment{
		Name:   cfg.Name,
		Active: cfg.Active,
	}

	if cfg.StartDate != "" {
		start, err := time.Parse(dateLayout, cfg.StartDate)
		if err != nil {
			return nil, xerrors.InvalidArg("invalid experiment start_date").
				WithContext("experiment", cfg.Name).WithContext("start_date", cfg.StartDate)
		}
		exp.StartDate = start
	}
	if cfg.EndDate != "" {
		end, err := time.Parse(dateLayout, cfg.EndDate)
		if err != nil {
			return nil, xerrors.InvalidArg("invalid experiment end_date").
				WithContext("experiment", cfg.Name).WithContext("end_date", cfg.EndDate)
		}
		exp.EndDate = end
	}

	for _, v := range cfg.Variants {
		exp.Variants = append(exp.Variants, Variant{
			Name:     v.Name,
			Weight:   v.Weight,
			Params:   v.Params,
			Strategy: v.Strategy,
		})
	}
	return exp, nil
}

// DefaultExperiments 返回内置的实验目录，配置未声明实验时启用。
func DefaultExperiments() []config.ExperimentConfig {
	return []config.ExperimentConfig{
		{
			Name:        ExperimentRecommendationWeights,
			Description: "Test different hybrid fusion weight profiles",
			Active:      true,
			StartDate:   "2024-01-01",
			EndDate:     "2024-12-31",
			Variants: []config.VariantConfig{
				{
					Name:   "balanced",
					Weight: 0.5,
					Params: map[string]float64{"collaborative": 0.33, "content": 0.33, "location": 0.34},
				},
				{
					Name:   "collaborative_heavy",
					Weight: 0.25,
					Params: map[string]float64{"collaborative": 0.6, "content": 0.2, "location": 0.2},
				},
				{
					Name:   "content_heavy",
					Weight: 0.25,
					Params: map[string]float64{"collaborative": 0.2, "content": 0.6, "location": 0.2},
				},
			},
		},
		{
			Name:        ExperimentColdStartStrategy,
			Description: "Compare cold-start fallback strategies",
			Active:      true,
			StartDate:   "2024-01-01",
			EndDate:     "2024-12-31",
			Variants: []config.VariantConfig{
				{Name: "popular_providers", Weight: 0.5, Strategy: "popular_providers"},
				{Name: "category_based", Weight: 0.5, Strategy: "category_based"},
			},
		},
	}
}
