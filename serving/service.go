// Package serving 是推荐核心的读写门面：读路径合并缓存与落库结果，
// 写路径记录交互事实并通过事件总线触发失效。
package serving

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wyfcoding/recsys/abtest"
	"github.com/wyfcoding/recsys/cache"
	"github.com/wyfcoding/recsys/eventbus"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/recommend"
	"github.com/wyfcoding/recsys/store"
	"github.com/wyfcoding/recsys/xerrors"
)

// Service 推荐服务门面。
type Service struct {
	interactions    store.InteractionStore
	recommendations store.RecommendationStore
	experiments     *abtest.Manager
	coldStart       *recommend.ColdStartHandler
	recCache        *cache.RecommendationCache
	bus             *eventbus.LocalBus
	sf              singleflight.Group
	logger          *logging.Logger
}

// NewService 创建服务门面并订阅失效事件：收藏与评分会让该用户的
// 离线推荐立刻作废，等待下一轮重建。
func NewService(interactions store.InteractionStore, recommendations store.RecommendationStore, experiments *abtest.Manager, coldStart *recommend.ColdStartHandler, recCache *cache.RecommendationCache, bus *eventbus.LocalBus, logger *logging.Logger) *Service {
	s := &Service{
		interactions:    interactions,
		recommendations: recommendations,
		experiments:     experiments,
		coldStart:       coldStart,
		recCache:        recCache,
		bus:             bus,
		logger:          logger,
	}

	if bus != nil {
		bus.Subscribe(eventbus.TopicFavoriteCreated, func(ctx context.Context, event eventbus.Event) error {
			e := event.(eventbus.FavoriteCreated)
			return s.invalidateRecommendations(ctx, e.UserID)
		})
		bus.Subscribe(eventbus.TopicRatingCreated, func(ctx context.Context, event eventbus.Event) error {
			e := event.(eventbus.RatingCreated)
			return s.invalidateRecommendations(ctx, e.UserID)
		})
		bus.Subscribe(eventbus.TopicContactLogged, func(ctx context.Context, event eventbus.Event) error {
			e := event.(eventbus.ContactLogged)
			s.recCache.InvalidateUser(ctx, e.UserID)
			return nil
		})
	}
	return s
}

func (s *Service) invalidateRecommendations(ctx context.Context, userID uint64) error {
	s.recCache.InvalidateUser(ctx, userID)
	if err := s.recommendations.DeleteRecommendations(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "invalidate recommendations failed", "user_id", userID, "error", err)
		return err
	}
	return nil
}

// GetRecommendations 返回用户的推荐列表：缓存优先，未命中时读落库结果
// 并回填缓存；没有有效记录时现算冷启动列表兜底，绝不返回错误页。
// singleflight 把同一用户的并发未命中合并为一次回源。
func (s *Service) GetRecommendations(ctx context.Context, userID uint64, limit int) ([]recommend.Recommendation, error) {
	params := map[string]any{"limit": limit}
	if cached, ok := s.recCache.GetUserRecommendations(ctx, userID, params); ok {
		return fromCached(cached), nil
	}

	key := fmt.Sprintf("recs:%d:%d", userID, limit)
	result, err, _ := s.sf.Do(key, func() (any, error) {
		records, err := s.recommendations.ListRecommendations(ctx, userID, limit)
		if err != nil {
			return nil, xerrors.WrapInternal(err, "serving: list recommendations")
		}

		if len(records) > 0 {
			recs := make([]recommend.Recommendation, len(records))
			cached := make([]cache.CachedRecommendation, len(records))
			for i, rec := range records {
				recs[i] = recommend.Recommendation{ProviderID: rec.ProviderID, Score: rec.Score}
				cached[i] = cache.CachedRecommendation{
					ProviderID:       rec.ProviderID,
					Score:            rec.Score,
					AlgorithmVersion: rec.AlgorithmVersion,
				}
			}
			s.recCache.SetUserRecommendations(ctx, userID, params, cached)
			return recs, nil
		}

		// 离线结果缺席（新用户或刚被失效），现算冷启动列表但不落库
		strategy := s.experiments.GetColdStartStrategy(ctx, userID)
		recs, err := s.coldStart.Recommend(ctx, userID, strategy, limit)
		if err != nil {
			s.logger.WarnContext(ctx, "serving: cold start fallback failed",
				"user_id", userID, "error", err)
			return []recommend.Recommendation{}, nil
		}
		return recs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]recommend.Recommendation), nil
}

// GetVariant 返回（必要时先分配）用户在实验中的变体。
func (s *Service) GetVariant(ctx context.Context, userID uint64, experiment string) (string, error) {
	return s.experiments.AssignUserToVariant(ctx, userID, experiment)
}

// LogInteraction 记录一次交互事件。contact 事件会发布总线通知。
func (s *Service) LogInteraction(ctx context.Context, event *store.InteractionEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if err := s.interactions.LogInteraction(ctx, event); err != nil {
		return xerrors.WrapInternal(err, "serving: log interaction")
	}

	if s.bus != nil && event.ActionKind == store.ActionContact && event.ProviderID != nil {
		_ = s.bus.Publish(ctx, eventbus.ContactLogged{
			UserID:     event.UserID,
			ProviderID: *event.ProviderID,
			At:         event.CreatedAt,
		})
	}
	return nil
}

// SaveRating 写入或覆盖评分并发布失效事件。
func (s *Service) SaveRating(ctx context.Context, userID, providerID uint64, value float64) error {
	if value < 1 || value > 5 {
		return xerrors.InvalidArg("rating value must be in [1, 5]").
			WithContext("value", value)
	}

	rating := &store.Rating{UserID: userID, ProviderID: providerID, Value: value}
	if err := s.interactions.SaveRating(ctx, rating); err != nil {
		return xerrors.WrapInternal(err, "serving: save rating")
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, eventbus.RatingCreated{
			UserID:     userID,
			ProviderID: providerID,
			Value:      value,
			At:         time.Now(),
		})
	}
	return nil
}

// SaveFavorite 写入收藏并发布失效事件。
func (s *Service) SaveFavorite(ctx context.Context, userID, providerID uint64) error {
	favorite := &store.FavoriteMark{UserID: userID, ProviderID: providerID}
	if err := s.interactions.SaveFavorite(ctx, favorite); err != nil {
		return xerrors.WrapInternal(err, "serving: save favorite")
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, eventbus.FavoriteCreated{
			UserID:     userID,
			ProviderID: providerID,
			At:         time.Now(),
		})
	}
	return nil
}

// GetUserBehavior 返回用户的行为摘要，缓存 30 分钟。
func (s *Service) GetUserBehavior(ctx context.Context, userID uint64) (cache.BehaviorSummary, error) {
	if summary, ok := s.recCache.GetUserBehavior(ctx, userID); ok {
		return summary, nil
	}

	summary := cache.BehaviorSummary{UserID: userID}

	events, err := s.interactions.ListInteractions(ctx, store.InteractionFilter{UserID: &userID})
	if err != nil {
		return summary, xerrors.WrapInternal(err, "serving: list interactions")
	}
	for _, ev := range events {
		switch ev.ActionKind {
		case store.ActionView:
			summary.ViewCount++
		case store.ActionContact:
			summary.ContactCount++
		}
		if ev.CreatedAt.After(summary.LastSeen) {
			summary.LastSeen = ev.CreatedAt
		}
	}

	favorites, err := s.interactions.ListFavorites(ctx, &userID, nil)
	if err != nil {
		return summary, xerrors.WrapInternal(err, "serving: list favorites")
	}
	summary.FavoriteCount = len(favorites)

	ratings, err := s.interactions.ListRatings(ctx, &userID, nil)
	if err != nil {
		return summary, xerrors.WrapInternal(err, "serving: list ratings")
	}
	summary.RatingCount = len(ratings)

	s.recCache.SetUserBehavior(ctx, summary)
	return summary, nil
}

func fromCached(cached []cache.CachedRecommendation) []recommend.Recommendation {
	recs := make([]recommend.Recommendation, len(cached))
	for i, c := range cached {
		recs[i] = recommend.Recommendation{ProviderID: c.ProviderID, Score: c.Score}
	}
	return recs
}
