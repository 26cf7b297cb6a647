package models

import (
	"strings"
	"time"
)

// GatewayInstance is one alt gateway backend from the catalog.
// Instances are read-only for the life of the process.
type GatewayInstance struct {
	Slug         string `json:"slug" yaml:"slug"`
	Label        string `json:"label" yaml:"label"`
	BaseURL      string `json:"base_url" yaml:"base_url"`
	CommandToken string `json:"-" yaml:"command_token"`
	WebhookToken string `json:"-" yaml:"webhook_token"`
	SessionHint  string `json:"session_hint" yaml:"session_hint"`
	DailyLimit   int    `json:"daily_limit" yaml:"daily_limit"`
	Enabled      bool   `json:"enabled" yaml:"enabled"`
}

// Gateway families
const (
	FamilyWPP   = "wpp"
	FamilyLab   = "lab"
	FamilyOther = "other"
)

// FamilyOf derives the gateway family from a slug prefix
func FamilyOf(slug string) string {
	switch {
	case slug == "":
		return ""
	case strings.HasPrefix(slug, "wpp"):
		return FamilyWPP
	case strings.HasPrefix(slug, "lab"):
		return FamilyLab
	default:
		return FamilyOther
	}
}

// Family returns the instance's gateway family
func (g GatewayInstance) Family() string {
	return FamilyOf(g.Slug)
}

// Configured reports whether the instance can be called at all
func (g GatewayInstance) Configured() bool {
	return g.BaseURL != "" && g.CommandToken != ""
}

// Line is an official (primary) WhatsApp line
type Line struct {
	ID                     uint   `json:"id" gorm:"primaryKey"`
	Label                  string `json:"label" gorm:"size:120;uniqueIndex"`
	Provider               string `json:"provider" gorm:"size:32;default:sandbox"`
	SenderID               string `json:"sender_id"` // twilio "whatsapp:+..." or meta phone_number_id
	AccessToken            string `json:"-"`
	APIBaseURL             string `json:"api_base_url"`
	IsDefault              bool   `json:"is_default" gorm:"default:false"`
	RateLimitEnabled       bool   `json:"rate_limit_enabled" gorm:"default:false"`
	RateLimitWindowSeconds int    `json:"rate_limit_window_seconds" gorm:"default:86400"`
	RateLimitMaxMessages   int    `json:"rate_limit_max_messages" gorm:"default:1000"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps line rows apart from any other "lines" table
func (Line) TableName() string {
	return "whatsapp_lines"
}

// Line providers
const (
	ProviderTwilio  = "twilio"
	ProviderMeta    = "meta"
	ProviderSandbox = "sandbox"
)

// RateLimitPreset is a named per-line limiter configuration
type RateLimitPreset struct {
	WindowSeconds int
	MaxMessages   int
}

// RateLimitPresets mirrors the messaging tiers of the official API
var RateLimitPresets = map[string]RateLimitPreset{
	"starter_250": {WindowSeconds: 86400, MaxMessages: 250},
	"tier_1000":   {WindowSeconds: 86400, MaxMessages: 1000},
	"tier_10000":  {WindowSeconds: 86400, MaxMessages: 10000},
	"tier_100000": {WindowSeconds: 86400, MaxMessages: 100000},
	"unlimited":   {WindowSeconds: 86400, MaxMessages: 250000},
}

// ApplyPreset copies a preset onto the line. Unknown names are ignored.
func (l *Line) ApplyPreset(name string) bool {
	preset, ok := RateLimitPresets[name]
	if !ok {
		return false
	}
	l.RateLimitEnabled = true
	l.RateLimitWindowSeconds = preset.WindowSeconds
	l.RateLimitMaxMessages = preset.MaxMessages
	return true
}
