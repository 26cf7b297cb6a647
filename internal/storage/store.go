package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a write hits a uniqueness constraint.
	// Callers recover by re-fetching the row that won the race.
	ErrDuplicate = errors.New("duplicate key")
)

// DuplicateQuery describes a content-window duplicate search in one thread
type DuplicateQuery struct {
	ThreadID    uint
	Direction   string
	Content     string
	MessageType string // empty matches any type
	ActorID     *uint  // nil matches any actor
	ExternalID  string // rows carrying a different external id never match
	Around      time.Time
	Window      time.Duration
	TrimContent bool
	Recent      int // only look at the latest N messages when > 0
}

// Store defines the interface for storage operations.
// Create methods return ErrDuplicate on unique-constraint violations.
type Store interface {
	// Contact operations
	GetContact(ctx context.Context, id uint) (*models.Contact, error)
	GetContactByPhone(ctx context.Context, phone string) (*models.Contact, error)
	CreateContact(ctx context.Context, contact *models.Contact) error
	UpdateContact(ctx context.Context, contact *models.Contact) error
	TouchContactInteraction(ctx context.Context, id uint, at time.Time) error

	// Thread operations
	GetThread(ctx context.Context, id uint) (*models.Thread, error)
	GetThreadByChannel(ctx context.Context, channelThreadID string) (*models.Thread, error)
	FindLatestThreadByContact(ctx context.Context, contactID uint, lineID *uint) (*models.Thread, error)
	CreateThread(ctx context.Context, thread *models.Thread) error
	UpdateThread(ctx context.Context, thread *models.Thread) error
	IncrementUnread(ctx context.Context, id uint) error
	ResetUnread(ctx context.Context, id uint) error
	ListThreadsByQueue(ctx context.Context, queue string, limit int) ([]*models.Thread, error)
	CountThreadsByQueue(ctx context.Context) (map[string]int64, error)
	ListInactiveThreads(ctx context.Context, before time.Time, limit int) ([]*models.Thread, error)

	// Message operations
	GetMessage(ctx context.Context, id uint) (*models.Message, error)
	GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error)
	GetThreadMessageByExternalID(ctx context.Context, threadID uint, externalID string) (*models.Message, error)
	CreateMessage(ctx context.Context, message *models.Message) error
	UpdateMessage(ctx context.Context, message *models.Message) error
	FindDuplicateMessage(ctx context.Context, q DuplicateQuery) (*models.Message, error)
	ListRecentMessages(ctx context.Context, threadID uint, limit int) ([]*models.Message, error)
	LastMessageAt(ctx context.Context, threadID uint, direction string) (*time.Time, error)
	PruneMessages(ctx context.Context, threadID uint, keep int) (int64, error)
	CountOutgoingByGatewaySince(ctx context.Context, since time.Time) (map[string]int, error)

	// Line operations
	GetLine(ctx context.Context, id uint) (*models.Line, error)
	GetDefaultLine(ctx context.Context) (*models.Line, error)
	ListLines(ctx context.Context) ([]*models.Line, error)
	UpsertLine(ctx context.Context, line *models.Line) error

	// Blocklist operations
	IsBlocked(ctx context.Context, phone string) (bool, error)
	BlockNumber(ctx context.Context, entry *models.BlockedNumber) error
	UnblockNumber(ctx context.Context, phone string) error
	ListBlocked(ctx context.Context) ([]*models.BlockedNumber, error)
	RecordBlockedInbound(ctx context.Context, entry *models.BlockedInbound) error

	// Health
	Ping(ctx context.Context) error
}

// matchesDuplicate applies a DuplicateQuery to one candidate row.
// Both store implementations share it so they agree on edge cases.
func matchesDuplicate(m *models.Message, q DuplicateQuery) bool {
	if m.ThreadID != q.ThreadID || m.Direction != q.Direction {
		return false
	}
	if q.MessageType != "" && m.MessageType != q.MessageType {
		return false
	}
	if q.ActorID != nil && (m.ActorID == nil || *m.ActorID != *q.ActorID) {
		return false
	}
	if q.ExternalID != "" && m.ExternalID != "" && m.ExternalID != q.ExternalID {
		return false
	}
	if !sameContent(m.Content, q.Content, q.TrimContent) {
		return false
	}
	delta := m.SentAt.Sub(q.Around)
	if delta < 0 {
		delta = -delta
	}
	return delta <= q.Window
}

func sameContent(a, b string, trim bool) bool {
	if trim {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return a == b
}
