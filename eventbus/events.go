package eventbus

import "time"

// 事件主题。
const (
	TopicFavoriteCreated = "interaction.favorite_created"
	TopicRatingCreated   = "interaction.rating_created"
	TopicContactLogged   = "interaction.contact_logged"
)

// FavoriteCreated 用户收藏了商户。
type FavoriteCreated struct {
	UserID     uint64
	ProviderID uint64
	At         time.Time
}

// EventType 实现 Event 接口。
func (FavoriteCreated) EventType() string { return TopicFavoriteCreated }

// RatingCreated 用户提交了评分。
type RatingCreated struct {
	UserID     uint64
	ProviderID uint64
	Value      float64
	At         time.Time
}

// EventType 实现 Event 接口。
func (RatingCreated) EventType() string { return TopicRatingCreated }

// ContactLogged 用户联系了商户。
type ContactLogged struct {
	UserID     uint64
	ProviderID uint64
	At         time.Time
}

// EventType 实现 Event 接口。
func (ContactLogged) EventType() string { return TopicContactLogged }
