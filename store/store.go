package store

import (
	"context"
	"time"
)

// InteractionFilter 交互事件查询条件，零值字段不参与过滤.
type InteractionFilter struct {
	UserID     *uint64
	ProviderID *uint64
	ActionKind ActionKind
	Since      time.Time
}

// InteractionStore 提供交互数据的读取与写入.
// 训练路径只读；LogInteraction 是服务层的唯一写入口。
type InteractionStore interface {
	ListInteractions(ctx context.Context, filter InteractionFilter) ([]InteractionEvent, error)
	ListRatings(ctx context.Context, userID, providerID *uint64) ([]Rating, error)
	ListFavorites(ctx context.Context, userID, providerID *uint64) ([]FavoriteMark, error)
	ListActiveProviders(ctx context.Context, withServices bool) ([]ProviderProfile, error)
	GetProviderCoordinate(ctx context.Context, providerID uint64) (lat, lng float64, ok bool, err error)

	// PopularProviders 按 (平均分 desc, 评分数 desc) 返回达标商户。
	// categoryIDs 为空时不限分类。
	PopularProviders(ctx context.Context, minRating float64, minReviews int, categoryIDs []uint64, topK int) ([]ProviderPopularity, error)
	// ListCategories 返回前 limit 个分类。
	ListCategories(ctx context.Context, limit int) ([]Category, error)
	// CountInteractionsByProvider 统计窗口内各商户的交互次数，按次数降序。
	CountInteractionsByProvider(ctx context.Context, since time.Time, topK int) ([]ProviderPopularity, error)

	// ListActiveUserIDs 返回窗口内有任意行为的用户。
	ListActiveUserIDs(ctx context.Context, since time.Time) ([]uint64, error)
	// ListAllUserIDs 返回有过任意行为的全部用户。
	ListAllUserIDs(ctx context.Context) ([]uint64, error)
	// HasBehavior 判断用户是否存在任何交互、评分或收藏。
	HasBehavior(ctx context.Context, userID uint64) (bool, error)

	LogInteraction(ctx context.Context, event *InteractionEvent) error
	SaveRating(ctx context.Context, rating *Rating) error
	SaveFavorite(ctx context.Context, favorite *FavoriteMark) error
	// PurgeInteractionsBefore 删除指定时间前的交互事件，返回删除行数。
	PurgeInteractionsBefore(ctx context.Context, before time.Time) (int64, error)
}

// RecommendationStore 推荐结果的持久化.
type RecommendationStore interface {
	// ReplaceRecommendations 在单个事务内先删后插该用户的全部推荐。
	ReplaceRecommendations(ctx context.Context, userID uint64, records []RecommendationRecord) error
	// ListRecommendations 返回未过期推荐，按分数降序，provider id 升序破平。
	ListRecommendations(ctx context.Context, userID uint64, limit int) ([]RecommendationRecord, error)
	DeleteRecommendations(ctx context.Context, userID uint64) error
	// DeleteExpired 删除已过期的推荐记录，返回删除行数。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// ListUserIDsWithoutFreshRecommendations 返回没有任何未过期推荐的用户。
	ListUserIDsWithoutFreshRecommendations(ctx context.Context, now time.Time) ([]uint64, error)
}

// AssignmentStore 实验分流记录的持久化.
type AssignmentStore interface {
	GetAssignment(ctx context.Context, userID uint64, experiment string) (*ExperimentAssignment, error)
	// CreateAssignment 以 ON CONFLICT DO NOTHING 语义插入；
	// 返回最终生效的记录（并发冲突时为先到者）。
	CreateAssignment(ctx context.Context, assignment *ExperimentAssignment) (*ExperimentAssignment, error)
	// ForceAssign 管理操作，覆盖写入变体。
	ForceAssign(ctx context.Context, userID uint64, experiment, variant string) error
	// CountByVariant 按变体统计实验的分流人数。
	CountByVariant(ctx context.Context, experiment string) (map[string]int64, error)
	DeleteByExperiment(ctx context.Context, experiment string) (int64, error)
	DeleteAssignedBefore(ctx context.Context, before time.Time) (int64, error)
}
