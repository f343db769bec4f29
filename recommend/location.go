package recommend

import (
	"context"
	"time"

	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/geo"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/store"
)

const (
	// 位置推断采样的事件数量与时间窗口。
	locationEventLimit = 50
	locationWindowDays = 30
)

// LocationEngine 基于 Haversine 距离和指数衰减的位置引擎。
// 无训练状态，每次 predict 直接读取事实数据。
type LocationEngine struct {
	interactions store.InteractionStore
	cfg          config.RecommendConfig
	logger       *logging.Logger
}

// NewLocationEngine 创建位置引擎。
func NewLocationEngine(interactions store.InteractionStore, cfg config.RecommendConfig, logger *logging.Logger) *LocationEngine {
	return &LocationEngine{
		interactions: interactions,
		cfg:          cfg,
		logger:       logger,
	}
}

// ResolveLocation 推断用户的打分位置：取最近 30 天内最新 50 条带坐标
// 事件的坐标质心。无可用事件时 ok=false。
func (e *LocationEngine) ResolveLocation(ctx context.Context, userID uint64) (geo.Point, bool) {
	since := time.Now().AddDate(0, 0, -locationWindowDays)
	events, err := e.interactions.ListInteractions(ctx, store.InteractionFilter{
		UserID: &userID,
		Since:  since,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "location resolve: load events failed",
			"user_id", userID, "error", err)
		return geo.Point{}, false
	}

	// 事件按时间降序返回，取前 50 条带坐标的
	points := make([]geo.Point, 0, locationEventLimit)
	for _, ev := range events {
		if ev.Lat == nil || ev.Lng == nil {
			continue
		}
		points = append(points, geo.Point{Lat: *ev.Lat, Lon: *ev.Lng})
		if len(points) >= locationEventLimit {
			break
		}
	}

	return geo.Centroid(points)
}

// PredictScores 按距离衰减给候选商户打分。
// explicit 非空时以其为准，否则从用户近期地理行为推断；两者都缺失时
// 返回空映射。半径内按 exp(-d/radius) 衰减，半径外统一给最低分，保证
// 已知坐标的候选都拿到非零信号。
func (e *LocationEngine) PredictScores(ctx context.Context, userID uint64, candidates []uint64, explicit *geo.Point) Scores {
	var origin geo.Point
	if explicit != nil {
		origin = *explicit
	} else {
		resolved, ok := e.ResolveLocation(ctx, userID)
		if !ok {
			return nil
		}
		origin = resolved
	}

	scores := make(Scores, len(candidates))
	for _, providerID := range candidates {
		lat, lng, ok, err := e.interactions.GetProviderCoordinate(ctx, providerID)
		if err != nil {
			e.logger.WarnContext(ctx, "location predict: coordinate lookup failed",
				"provider_id", providerID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		distance := geo.Distance(origin, geo.Point{Lat: lat, Lon: lng})
		scores[providerID] = geo.DecayScore(distance, e.cfg.LocationRadiusKm, e.cfg.LocationMinScore)
	}
	return scores
}
