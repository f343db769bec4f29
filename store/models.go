// Package store 定义了推荐核心的持久化实体与存取接口.
package store

import (
	"time"
)

// ActionKind 交互行为类型.
type ActionKind string

const (
	ActionView     ActionKind = "view"
	ActionSearch   ActionKind = "search"
	ActionFavorite ActionKind = "favorite"
	ActionContact  ActionKind = "contact"
)

// InteractionEvent 用户交互事件，只追加不修改.
// 协同过滤与位置推断的事实来源。
type InteractionEvent struct {
	ID         uint64     `gorm:"primaryKey;autoIncrement"`
	UserID     uint64     `gorm:"index;not null"`
	ProviderID *uint64    `gorm:"index"` // 纯搜索事件可为空
	ActionKind ActionKind `gorm:"size:16;index;not null"`
	SearchText string     `gorm:"size:255"`
	CategoryID *uint64
	Lat        *float64
	Lng        *float64
	CreatedAt  time.Time `gorm:"index"`
}

// TableName 指定表名.
func (InteractionEvent) TableName() string { return "interaction_events" }

// Rating 用户评分，(user, provider) 唯一，后写覆盖.
type Rating struct {
	ID         uint64  `gorm:"primaryKey;autoIncrement"`
	UserID     uint64  `gorm:"uniqueIndex:uk_rating_user_provider;not null"`
	ProviderID uint64  `gorm:"uniqueIndex:uk_rating_user_provider;index;not null"`
	Value      float64 `gorm:"not null"` // [1,5]
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName 指定表名.
func (Rating) TableName() string { return "ratings" }

// FavoriteMark 用户收藏，(user, provider) 唯一.
type FavoriteMark struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	UserID     uint64 `gorm:"uniqueIndex:uk_favorite_user_provider;not null"`
	ProviderID uint64 `gorm:"uniqueIndex:uk_favorite_user_provider;index;not null"`
	CreatedAt  time.Time
}

// TableName 指定表名.
func (FavoriteMark) TableName() string { return "favorite_marks" }

// Category 服务分类.
type Category struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement"`
	Name string `gorm:"size:100;not null"`
}

// TableName 指定表名.
func (Category) TableName() string { return "categories" }

// ServiceOffering 商户提供的单项服务.
type ServiceOffering struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	ProviderID  uint64 `gorm:"index;not null"`
	Name        string `gorm:"size:200;not null"`
	Description string `gorm:"type:text"`
	CategoryID  uint64 `gorm:"index"`
	Category    Category
}

// TableName 指定表名.
func (ServiceOffering) TableName() string { return "service_offerings" }

// ProviderProfile 商户档案，内容引擎与位置引擎的只读输入.
type ProviderProfile struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Name        string `gorm:"size:200;not null"`
	Description string `gorm:"type:text"`
	IsActive    bool   `gorm:"index;default:true"`
	Lat         *float64
	Lng         *float64
	Services    []ServiceOffering `gorm:"foreignKey:ProviderID"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName 指定表名.
func (ProviderProfile) TableName() string { return "provider_profiles" }

// RecommendationRecord 离线生成的推荐结果，(user, provider) 唯一.
// 重建必须先删后插，不允许部分合并。
type RecommendationRecord struct {
	ID               uint64  `gorm:"primaryKey;autoIncrement"`
	UserID           uint64  `gorm:"uniqueIndex:uk_rec_user_provider;index;not null"`
	ProviderID       uint64  `gorm:"uniqueIndex:uk_rec_user_provider;not null"`
	Score            float64 `gorm:"not null"`
	AlgorithmVersion string  `gorm:"size:64;not null"`
	CreatedAt        time.Time
	ExpiresAt        time.Time `gorm:"index"`
}

// TableName 指定表名.
func (RecommendationRecord) TableName() string { return "recommendation_records" }

// ExperimentAssignment 实验分流记录，(user, experiment) 唯一.
type ExperimentAssignment struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	UserID         uint64 `gorm:"uniqueIndex:uk_assignment_user_experiment;not null"`
	ExperimentName string `gorm:"uniqueIndex:uk_assignment_user_experiment;size:100;index;not null"`
	Variant        string `gorm:"size:100;not null"`
	AssignedAt     time.Time
}

// TableName 指定表名.
func (ExperimentAssignment) TableName() string { return "experiment_assignments" }

// ProviderPopularity 商户热度聚合结果（查询投影，非表）.
type ProviderPopularity struct {
	ProviderID  uint64
	AvgRating   float64
	RatingCount int64
}

// AllModels 返回需要迁移的全部实体.
func AllModels() []any {
	return []any{
		&InteractionEvent{},
		&Rating{},
		&FavoriteMark{},
		&Category{},
		&ServiceOffering{},
		&ProviderProfile{},
		&RecommendationRecord{},
		&ExperimentAssignment{},
	}
}
