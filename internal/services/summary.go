package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ananth-NQI/wa-relay/internal/apperrors"
	"github.com/Ananth-NQI/wa-relay/internal/config"
	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

// DirectoryLookup resolves staff and partner display names. Business
// entities live outside the relay; this is the narrow contract to them.
type DirectoryLookup interface {
	UserName(id uint) string
	PartnerName(id uint) string
}

// StaticDirectory is a DirectoryLookup backed by the catalog file
type StaticDirectory struct {
	Users    map[uint]string
	Partners map[uint]string
}

func NewStaticDirectory(dir config.Directory) StaticDirectory {
	return StaticDirectory{Users: dir.Users, Partners: dir.Partners}
}

func (d StaticDirectory) UserName(id uint) string    { return d.Users[id] }
func (d StaticDirectory) PartnerName(id uint) string { return d.Partners[id] }

// ThreadCard is one row of a queue listing
type ThreadCard struct {
	ID               uint       `json:"id"`
	Queue            string     `json:"queue"`
	Status           string     `json:"status"`
	ChatType         string     `json:"chat_type"`
	ContactName      string     `json:"contact_name"`
	Phone            string     `json:"phone"`
	Preview          string     `json:"preview"`
	UnreadCount      int        `json:"unread_count"`
	LastMessageAt    *time.Time `json:"last_message_at"`
	ChannelLabel     string     `json:"channel_label,omitempty"`
	ScheduledFor     *time.Time `json:"scheduled_for,omitempty"`
	AssignedUserID   *uint      `json:"assigned_user_id,omitempty"`
	AssignedUserName string     `json:"assigned_user_name,omitempty"`
	PartnerID        *uint      `json:"partner_id,omitempty"`
	PartnerName      string     `json:"partner_name,omitempty"`
	ResponsibleID    *uint      `json:"responsible_id,omitempty"`
	ResponsibleName  string     `json:"responsible_name,omitempty"`
	GroupSubject     string     `json:"group_subject,omitempty"`
	IntakeSummary    string     `json:"intake_summary,omitempty"`
}

// SummaryService projects threads for the inbox. It never writes.
type SummaryService struct {
	store     storage.Store
	registry  *GatewayRegistry
	directory DirectoryLookup
}

func NewSummaryService(store storage.Store, registry *GatewayRegistry, directory DirectoryLookup) *SummaryService {
	if directory == nil {
		directory = StaticDirectory{}
	}
	return &SummaryService{store: store, registry: registry, directory: directory}
}

// QueueSummary counts threads per queue, including empty queues
func (s *SummaryService) QueueSummary(ctx context.Context) (map[string]int64, error) {
	counts, err := s.store.CountThreadsByQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("count threads: %w", err)
	}
	summary := make(map[string]int64, len(models.AllQueues))
	for _, queue := range models.AllQueues {
		summary[queue] = counts[queue]
	}
	return summary, nil
}

// ListThreadCards lists a queue, most recent activity first
func (s *SummaryService) ListThreadCards(ctx context.Context, queue string, limit int) ([]ThreadCard, error) {
	if !models.IsValidQueue(queue) {
		return nil, fmt.Errorf("%w: unknown queue %q", apperrors.ErrInvalidInput, queue)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	threads, err := s.store.ListThreadsByQueue(ctx, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	lineLabels := map[uint]string{}
	cards := make([]ThreadCard, 0, len(threads))
	for _, thread := range threads {
		card := ThreadCard{
			ID:             thread.ID,
			Queue:          thread.Queue,
			Status:         thread.Status,
			ChatType:       thread.ChatType,
			Preview:        thread.LastMessagePreview,
			UnreadCount:    thread.UnreadCount,
			LastMessageAt:  thread.LastMessageAt,
			ScheduledFor:   thread.ScheduledFor,
			AssignedUserID: thread.AssignedUserID,
			PartnerID:      thread.PartnerID,
			ResponsibleID:  thread.ResponsibleUserID,
			GroupSubject:   thread.GroupSubject,
			IntakeSummary:  thread.IntakeSummary,
		}

		contact, err := s.store.GetContact(ctx, thread.ContactID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load contact %d: %w", thread.ContactID, err)
		}
		if contact != nil {
			card.ContactName = contact.Name
			card.Phone = contact.Phone
		}
		if thread.IsGroup() && thread.GroupSubject != "" {
			card.ContactName = thread.GroupSubject
		}

		card.ChannelLabel = s.channelLabel(ctx, thread, lineLabels)
		if thread.AssignedUserID != nil {
			card.AssignedUserName = s.directory.UserName(*thread.AssignedUserID)
		}
		if thread.ResponsibleUserID != nil {
			card.ResponsibleName = s.directory.UserName(*thread.ResponsibleUserID)
		}
		if thread.PartnerID != nil {
			card.PartnerName = s.directory.PartnerName(*thread.PartnerID)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// ThreadMessages returns the retained messages of a thread, oldest first
func (s *SummaryService) ThreadMessages(ctx context.Context, threadID uint, limit int) ([]*models.Message, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", apperrors.ErrThreadNotFound, threadID)
		}
		return nil, err
	}
	messages, err := s.store.ListRecentMessages(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SummaryService) channelLabel(ctx context.Context, thread *models.Thread, lineLabels map[uint]string) string {
	if slug, _, ok := ParseAltChannelID(thread.ChannelThreadID); ok {
		if inst, found := s.registry.Get(slug); found {
			return inst.Label
		}
		return slug
	}
	if thread.LineID == nil {
		return ""
	}
	if label, ok := lineLabels[*thread.LineID]; ok {
		return label
	}
	label := ""
	if line, err := s.store.GetLine(ctx, *thread.LineID); err == nil {
		label = line.Label
	}
	lineLabels[*thread.LineID] = label
	return label
}
