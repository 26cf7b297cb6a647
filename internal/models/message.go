package models

import (
	"time"

	"gorm.io/datatypes"
)

// Message is one inbound, outbound or internal unit of a thread
type Message struct {
	ID          uint              `json:"id" gorm:"primaryKey"`
	ThreadID    uint              `json:"thread_id" gorm:"not null;index:idx_messages_thread_sent,priority:1;uniqueIndex:ux_messages_thread_external,priority:1,where:external_id <> ''"`
	Direction   string            `json:"direction" gorm:"size:16;not null"`
	MessageType string            `json:"message_type" gorm:"size:16;default:text"`
	Content     string            `json:"content" gorm:"type:text"`
	Status      string            `json:"status" gorm:"size:16;index"`
	ExternalID  string            `json:"external_id" gorm:"size:191;index;uniqueIndex:ux_messages_thread_external,priority:2,where:external_id <> ''"`
	GatewaySlug string            `json:"gateway_slug" gorm:"size:64;index"`
	ActorID     *uint             `json:"actor_id"`
	SentAt      time.Time         `json:"sent_at" gorm:"index:idx_messages_thread_sent,priority:2"`
	EditedAt    *time.Time        `json:"edited_at"`
	Metadata    datatypes.JSONMap `json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Direction constants
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
	DirectionInternal = "internal"
)

// Message type constants
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeAudio    = "audio"
	MessageTypeVideo    = "video"
	MessageTypeDocument = "document"
	MessageTypeNote     = "note"
)

// Message status constants
const (
	MessageStatusFailed    = "failed"
	MessageStatusError     = "error"
	MessageStatusQueued    = "queued"
	MessageStatusSaving    = "saving"
	MessageStatusSaved     = "saved"
	MessageStatusSent      = "sent"
	MessageStatusImported  = "imported"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

// messageMetadataKeys is the allow-list of metadata keys kept on a message.
// Anything else a gateway sends is dropped before persistence.
var messageMetadataKeys = map[string]bool{
	"actor_name":       true,
	"attempted":        true,
	"campaign_key":     true,
	"caption":          true,
	"edited_at":        true,
	"gateway_ack":      true,
	"gateway_instance": true,
	"history":          true,
	"line_label":       true,
	"media":            true,
	"message_type":     true,
	"origin":           true,
	"participant":      true,
	"profile_name":     true,
	"raw":              true,
	"reply_to":         true,
	"sandbox":          true,
}

// IsMessageMetadataKey reports whether key survives metadata filtering
func IsMessageMetadataKey(key string) bool {
	return messageMetadataKeys[key]
}

// FilterMessageMetadata drops unknown keys and empty values
func FilterMessageMetadata(in map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range in {
		if !messageMetadataKeys[k] || isEmptyValue(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// MergeMessageMetadata overlays patch on base, filtering the result
func MergeMessageMetadata(base datatypes.JSONMap, patch map[string]any) datatypes.JSONMap {
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return FilterMessageMetadata(merged)
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}
