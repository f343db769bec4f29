package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wyfcoding/recsys/xerrors"
)

// GormStore 基于 GORM 的统一存储实现，同时满足
// InteractionStore、RecommendationStore 与 AssignmentStore。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建存储实例.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 迁移全部实体.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(AllModels()...)
}

// --- InteractionStore ---

// ListInteractions 按条件查询交互事件.
func (s *GormStore) ListInteractions(ctx context.Context, filter InteractionFilter) ([]InteractionEvent, error) {
	query := s.db.WithContext(ctx).Model(&InteractionEvent{})
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.ProviderID != nil {
		query = query.Where("provider_id = ?", *filter.ProviderID)
	}
	if filter.ActionKind != "" {
		query = query.Where("action_kind = ?", filter.ActionKind)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}

	var events []InteractionEvent
	if err := query.Order("created_at DESC").Find(&events).Error; err != nil {
		return nil, xerrors.WrapInternal(err, "list interactions failed")
	}

	return events, nil
}

// ListRatings 查询评分.
func (s *GormStore) ListRatings(ctx context.Context, userID, providerID *uint64) ([]Rating, error) {
	query := s.db.WithContext(ctx).Model(&Rating{})
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}
	if providerID != nil {
		query = query.Where("provider_id = ?", *providerID)
	}

	var ratings []Rating
	if err := query.Find(&ratings).Error; err != nil {
		return nil, xerrors.WrapInternal(err, "list ratings failed")
	}

	return ratings, nil
}

// ListFavorites 查询收藏.
func (s *GormStore) ListFavorites(ctx context.Context, userID, providerID *uint64) ([]FavoriteMark, error) {
	query := s.db.WithContext(ctx).Model(&FavoriteMark{})
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}
	if providerID != nil {
		query = query.Where("provider_id = ?", *providerID)
	}

	var favorites []FavoriteMark
	if err := query.Find(&favorites).Error; err != nil {
		return nil, xerrors.WrapInternal(err, "list favorites failed")
	}

	return favorites, nil
}

// ListActiveProviders 查询在营商户，按需预加载服务与分类.
func (s *GormStore) ListActiveProviders(ctx context.Context, withServices bool) ([]ProviderProfile, error) {
	query := s.db.WithContext(ctx).Where("is_active = ?", true)
	if withServices {
		query = query.Preload("Services").Preload("Services.Category")
	}

	var providers []ProviderProfile
	if err := query.Find(&providers).Error; err != nil {
		return nil, xerrors.WrapInternal(err, "list active providers failed")
	}

	return providers, nil
}

// GetProviderCoordinate 查询商户坐标，缺失时 ok 为 false.
func (s *GormStore) GetProviderCoordinate(ctx context.Context, providerID uint64) (float64, float64, bool, error) {
	var provider ProviderProfile
	err := s.db.WithContext(ctx).Select("lat", "lng").First(&provider, providerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, xerrors.WrapInternal(err, "get provider coordinate failed")
	}
	if provider.Lat == nil || provider.Lng == nil {
		return 0, 0, false, nil
	}

	return *provider.Lat, *provider.Lng, true, nil
}

// PopularProviders 按 (平均分 desc, 评分数 desc) 返回达标商户.
func (s *GormStore) PopularProviders(ctx context.Context, minRating float64, minReviews int, categoryIDs []uint64, topK int) ([]ProviderPopularity, error) {
	query := s.db.WithContext(ctx).
		Table("ratings r").
		Select("r.provider_id AS provider_id, AVG(r.value) AS avg_rating, COUNT(*) AS rating_count").
		Joins("JOIN provider_profiles p ON p.id = r.provider_id AND p.is_active = ?", true)

	if len(categoryIDs) > 0 {
		query = query.Joins("JOIN service_offerings so ON so.provider_id = r.provider_id").
			Where("so.category_id IN ?", categoryIDs)
	}

	query = query.Group("r.provider_id").
		Having("AVG(r.value) >= ? AND COUNT(*) >= ?", minRating, minReviews).
		Order("avg_rating DESC, rating_count DESC")
	if topK > 0 {
		query = query.Limit(topK)
	}

	var result []ProviderPopularity
	if err := query.Scan(&result).Error; err != nil {
		return nil, xerrors.WrapInternal(err, "popular providers query failed")
	}

	return result, nil
}

// ListCategories 返回前 limit 个分类.
func (s *GormStore) ListCategories(ctx context.Context, limit int) ([]Category, error) {
	query := s.db.WithContext(ctx).Order("id")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var categories []Category
	if err := query.Find(&categories).Error; err != nil {
		return nil, xerrors.WrapInternal(err, "list categories failed")
	}

	return categories, nil
}

// CountInteractionsByProvider 统计窗口内各商户交互次数.
func (s *GormStore) CountInteractionsByProvider(ctx context.Context, since time.Time, topK int) ([]ProviderPopularity, error) {
	query := s.db.WithContext(ctx).
		Model(&InteractionEvent{}).
		Select("provider_id AS provider_id, COUNT(*) AS rating_count").
		Where("provider_id IS NOT NULL AND created_at >= ?", since).
		Group("provider_id").
		Order("rating_count DESC")
	if topK > 0 {
		query = query.Limit(topK)
	}

	var result []ProviderPopularity
	if err := query.Scan(&result).Error; err != nil {
		return nil, xerrors.WrapInternal(err, "count interactions failed")
	}

	return result, nil
}

// ListActiveUserIDs 返回窗口内有任意行为的用户.
func (s *GormStore) ListActiveUserIDs(ctx context.Context, since time.Time) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Raw(
		`SELECT user_id FROM interaction_events WHERE created_at >= @since
		 UNION
		 SELECT user_id FROM ratings WHERE created_at >= @since
		 UNION
		 SELECT user_id FROM favorite_marks WHERE created_at >= @since`,
		map[string]any{"since": since},
	).Scan(&ids).Error
	if err != nil {
		return nil, xerrors.WrapInternal(err, "list active user ids failed")
	}

	return ids, nil
}

// ListAllUserIDs 返回有过任意行为的全部用户.
func (s *GormStore) ListAllUserIDs(ctx context.Context) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Raw(
		`SELECT user_id FROM interaction_events
		 UNION
		 SELECT user_id FROM ratings
		 UNION
		 SELECT user_id FROM favorite_marks`,
	).Scan(&ids).Error
	if err != nil {
		return nil, xerrors.WrapInternal(err, "list all user ids failed")
	}

	return ids, nil
}

// HasBehavior 判断用户是否存在任何交互、评分或收藏.
func (s *GormStore) HasBehavior(ctx context.Context, userID uint64) (bool, error) {
	var exists bool
	err := s.db.WithContext(ctx).Raw(
		`SELECT EXISTS (
			SELECT 1 FROM interaction_events WHERE user_id = @uid
			UNION
			SELECT 1 FROM ratings WHERE user_id = @uid
			UNION
			SELECT 1 FROM favorite_marks WHERE user_id = @uid
		 )`,
		map[string]any{"uid": userID},
	).Scan(&exists).Error
	if err != nil {
		return false, xerrors.WrapInternal(err, "has behavior query failed")
	}

	return exists, nil
}

// LogInteraction 写入单条交互事件.
func (s *GormStore) LogInteraction(ctx context.Context, event *InteractionEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return xerrors.WrapInternal(err, "log interaction failed")
	}

	return nil
}

// SaveRating 写入评分，同一 (user, provider) 覆盖更新.
func (s *GormStore) SaveRating(ctx context.Context, rating *Rating) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(rating).Error
	if err != nil {
		return xerrors.WrapInternal(err, "save rating failed")
	}

	return nil
}

// SaveFavorite 写入收藏，重复收藏静默忽略.
func (s *GormStore) SaveFavorite(ctx context.Context, favorite *FavoriteMark) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider_id"}},
		DoNothing: true,
	}).Create(favorite).Error
	if err != nil {
		return xerrors.WrapInternal(err, "save favorite failed")
	}

	return nil
}

// PurgeInteractionsBefore 删除指定时间前的交互事件.
func (s *GormStore) PurgeInteractionsBefore(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&InteractionEvent{})
	if result.Error != nil {
		return 0, xerrors.WrapInternal(result.Error, "purge interactions failed")
	}

	return result.RowsAffected, nil
}

// --- RecommendationStore ---

// ReplaceRecommendations 在单个事务内先删后插该用户的全部推荐.
func (s *GormStore) ReplaceRecommendations(ctx context.Context, userID uint64, records []RecommendationRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&RecommendationRecord{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		return tx.CreateInBatches(records, 100).Error
	})
	if err != nil {
		return xerrors.WrapInternal(err, "replace recommendations failed").
			WithContext("user_id", userID)
	}

	return nil
}

// ListRecommendations 返回未过期推荐，按分数降序，provider id 升序破平.
func (s *GormStore) ListRecommendations(ctx context.Context, userID uint64, limit int) ([]RecommendationRecord, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ? AND expires_at > ?", userID, time.Now()).
		Order("score DESC, provider_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []RecommendationRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, xerrors.WrapInternal(err, "list recommendations failed")
	}

	return records, nil
}

// DeleteRecommendations 删除该用户的全部推荐.
func (s *GormStore) DeleteRecommendations(ctx context.Context, userID uint64) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&RecommendationRecord{}).Error; err != nil {
		return xerrors.WrapInternal(err, "delete recommendations failed")
	}

	return nil
}

// DeleteExpired 删除已过期的推荐记录.
func (s *GormStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&RecommendationRecord{})
	if result.Error != nil {
		return 0, xerrors.WrapInternal(result.Error, "delete expired recommendations failed")
	}

	return result.RowsAffected, nil
}

// ListUserIDsWithoutFreshRecommendations 返回没有任何未过期推荐的活跃用户.
func (s *GormStore) ListUserIDsWithoutFreshRecommendations(ctx context.Context, now time.Time) ([]uint64, error) {
	var ids []uint64
	err := s.db.WithContext(ctx).Raw(
		`SELECT user_id FROM (
			SELECT user_id FROM interaction_events
			UNION
			SELECT user_id FROM ratings
			UNION
			SELECT user_id FROM favorite_marks
		 ) behavior_users
		 WHERE user_id NOT IN (
			SELECT DISTINCT user_id FROM recommendation_records WHERE expires_at > ?
		 )`, now,
	).Scan(&ids).Error
	if err != nil {
		return nil, xerrors.WrapInternal(err, "list stale users failed")
	}

	return ids, nil
}

// --- AssignmentStore ---

// GetAssignment 查询已存在的分流记录，不存在时返回 (nil, nil).
func (s *GormStore) GetAssignment(ctx context.Context, userID uint64, experiment string) (*ExperimentAssignment, error) {
	var assignment ExperimentAssignment
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND experiment_name = ?", userID, experiment).
		First(&assignment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.WrapInternal(err, "get assignment failed")
	}

	return &assignment, nil
}

// CreateAssignment 以 ON CONFLICT DO NOTHING 语义插入，冲突时回读先到者.
func (s *GormStore) CreateAssignment(ctx context.Context, assignment *ExperimentAssignment) (*ExperimentAssignment, error) {
	if assignment.AssignedAt.IsZero() {
		assignment.AssignedAt = time.Now()
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "experiment_name"}},
		DoNothing: true,
	}).Create(assignment)
	if result.Error != nil {
		return nil, xerrors.WrapInternal(result.Error, "create assignment failed")
	}

	if result.RowsAffected == 0 {
		// 并发下另一写入者抢先，回读其结果
		existing, err := s.GetAssignment(ctx, assignment.UserID, assignment.ExperimentName)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	return assignment, nil
}

// ForceAssign 管理操作，覆盖写入变体.
func (s *GormStore) ForceAssign(ctx context.Context, userID uint64, experiment, variant string) error {
	assignment := &ExperimentAssignment{
		UserID:         userID,
		ExperimentName: experiment,
		Variant:        variant,
		AssignedAt:     time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "experiment_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"variant", "assigned_at"}),
	}).Create(assignment).Error
	if err != nil {
		return xerrors.WrapInternal(err, "force assign failed")
	}

	return nil
}

// CountByVariant 按变体统计实验的分流人数.
func (s *GormStore) CountByVariant(ctx context.Context, experiment string) (map[string]int64, error) {
	type row struct {
		Variant string
		Count   int64
	}

	var rows []row
	err := s.db.WithContext(ctx).
		Model(&ExperimentAssignment{}).
		Select("variant, COUNT(*) AS count").
		Where("experiment_name = ?", experiment).
		Group("variant").
		Scan(&rows).Error
	if err != nil {
		return nil, xerrors.WrapInternal(err, "count by variant failed")
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Variant] = r.Count
	}

	return counts, nil
}

// DeleteByExperiment 删除某实验的全部分流记录.
func (s *GormStore) DeleteByExperiment(ctx context.Context, experiment string) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("experiment_name = ?", experiment).
		Delete(&ExperimentAssignment{})
	if result.Error != nil {
		return 0, xerrors.WrapInternal(result.Error, "delete by experiment failed")
	}

	return result.RowsAffected, nil
}

// DeleteAssignedBefore 删除早于指定时间的分流记录.
func (s *GormStore) DeleteAssignedBefore(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("assigned_at < ?", before).
		Delete(&ExperimentAssignment{})
	if result.Error != nil {
		return 0, xerrors.WrapInternal(result.Error, "delete assigned before failed")
	}

	return result.RowsAffected, nil
}
