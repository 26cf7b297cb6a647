package models

import "time"

// BlockedNumber is a sender whose traffic is dropped on arrival
type BlockedNumber struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Phone     string    `json:"phone" gorm:"size:32;uniqueIndex;not null"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// BlockedInbound keeps an audit row for every dropped blocked event
type BlockedInbound struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	Phone           string    `json:"phone" gorm:"size:32;index"`
	Excerpt         string    `json:"excerpt" gorm:"size:200"`
	ChannelThreadID string    `json:"channel_thread_id"`
	GatewaySlug     string    `json:"gateway_slug"`
	ReceivedAt      time.Time `json:"received_at"`
}

// RateLimitState is a fixed-window counter persisted per limiter key
type RateLimitState struct {
	Key             string    `json:"key" gorm:"primaryKey;size:191"`
	WindowStartedAt time.Time `json:"window_started_at"`
	Count           int       `json:"count"`
	UpdatedAt       time.Time `json:"updated_at"`
}
