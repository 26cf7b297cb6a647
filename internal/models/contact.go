package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Contact is one counterpart of the business: a person or a group
type Contact struct {
	ID                uint              `json:"id" gorm:"primaryKey"`
	Phone             string            `json:"phone" gorm:"size:64;uniqueIndex;not null"` // canonical digits or group:<key>
	Name              string            `json:"name"`
	ProfilePhoto      string            `json:"profile_photo"`
	Tags              datatypes.JSON    `json:"tags"`
	ClientID          *uint             `json:"client_id"`
	Metadata          datatypes.JSONMap `json:"metadata"`
	SnapshotAt        *time.Time        `json:"snapshot_at"`
	LastInteractionAt *time.Time        `json:"last_interaction_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlaceholderContactName is used when the gateway gives no profile name
const PlaceholderContactName = "WhatsApp contact"

// BeforeCreate fills defaults the database would otherwise leave NULL
func (c *Contact) BeforeCreate(tx *gorm.DB) error {
	if c.Name == "" {
		c.Name = PlaceholderContactName
	}
	if c.Metadata == nil {
		c.Metadata = datatypes.JSONMap{}
	}
	return nil
}

// IsGroup reports whether the contact key is a group key
func (c *Contact) IsGroup() bool {
	return len(c.Phone) > len(GroupKeyPrefix) && c.Phone[:len(GroupKeyPrefix)] == GroupKeyPrefix
}

// HasPlaceholderName reports whether the contact still carries no real name
func (c *Contact) HasPlaceholderName() bool {
	return c.Name == "" || c.Name == PlaceholderContactName
}
