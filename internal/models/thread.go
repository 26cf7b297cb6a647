package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Thread is one conversation with a contact over one channel
type Thread struct {
	ID                 uint              `json:"id" gorm:"primaryKey"`
	ContactID          uint              `json:"contact_id" gorm:"index;not null"`
	ChannelThreadID    string            `json:"channel_thread_id" gorm:"size:191;uniqueIndex;not null"`
	LineID             *uint             `json:"line_id" gorm:"index"`
	Queue              string            `json:"queue" gorm:"size:32;index;default:arrival"`
	Status             string            `json:"status" gorm:"size:16;index;default:open"`
	ChatType           string            `json:"chat_type" gorm:"size:16;default:direct"`
	AssignedUserID     *uint             `json:"assigned_user_id"`
	ResponsibleUserID  *uint             `json:"responsible_user_id"`
	PartnerID          *uint             `json:"partner_id"`
	ScheduledFor       *time.Time        `json:"scheduled_for"`
	IntakeSummary      string            `json:"intake_summary"`
	LastMessagePreview string            `json:"last_message_preview" gorm:"size:200"`
	LastMessageAt      *time.Time        `json:"last_message_at" gorm:"index"`
	UnreadCount        int               `json:"unread_count" gorm:"default:0"`
	GroupSubject       string            `json:"group_subject"`
	GroupMetadata      datatypes.JSONMap `json:"group_metadata"`
	ClosedAt           *time.Time        `json:"closed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Queue constants
const (
	QueueArrival    = "arrival"
	QueueScheduled  = "scheduled"
	QueuePartner    = "partner"
	QueueReminder   = "reminder"
	QueueGroups     = "groups"
	QueueConcluidos = "concluidos"
)

// Thread status constants
const (
	ThreadStatusOpen    = "open"
	ThreadStatusWaiting = "waiting"
	ThreadStatusClosed  = "closed"
)

// Chat type constants
const (
	ChatTypeDirect = "direct"
	ChatTypeGroup  = "group"
)

// Channel identifier prefixes
const (
	AltChannelPrefix     = "alt:"
	ContactChannelPrefix = "contact:"
	GroupKeyPrefix       = "group:"
)

// GroupJIDKey holds the last raw group address a gateway reported
const GroupJIDKey = "jid"

// AllQueues lists every queue in display order
var AllQueues = []string{
	QueueArrival,
	QueueScheduled,
	QueuePartner,
	QueueReminder,
	QueueGroups,
	QueueConcluidos,
}

// IsValidQueue reports whether q names a known queue
func IsValidQueue(q string) bool {
	for _, known := range AllQueues {
		if known == q {
			return true
		}
	}
	return false
}

// IsGroup reports whether the thread is a group chat
func (t *Thread) IsGroup() bool {
	return t.ChatType == ChatTypeGroup
}

// GroupAddress returns the raw group JID gateways address the group by, or ""
func (t *Thread) GroupAddress() string {
	jid, _ := t.GroupMetadata[GroupJIDKey].(string)
	return strings.TrimSpace(jid)
}

// IsClosed reports whether the thread is finished
func (t *Thread) IsClosed() bool {
	return t.Status == ThreadStatusClosed || t.Queue == QueueConcluidos
}

// IsAltChannel reports whether the thread is carried by an alt gateway
func (t *Thread) IsAltChannel() bool {
	return strings.HasPrefix(t.ChannelThreadID, AltChannelPrefix)
}
