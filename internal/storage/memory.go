package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore holds all data in memory. It enforces the same uniqueness
// constraints as the database schema so races behave the same way in tests.
type MemoryStore struct {
	contacts map[uint]*models.Contact
	threads  map[uint]*models.Thread
	messages map[uint]*models.Message
	lines    map[uint]*models.Line
	blocked  map[string]*models.BlockedNumber
	audit    []*models.BlockedInbound

	// Mutexes for thread safety
	contactMu sync.RWMutex
	threadMu  sync.RWMutex
	messageMu sync.RWMutex
	lineMu    sync.RWMutex
	blockMu   sync.RWMutex

	// Counters for ID generation
	contactCounter uint
	threadCounter  uint
	messageCounter uint
	lineCounter    uint
	blockCounter   uint
}

// NewMemoryStore creates a new in-memory storage
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts: make(map[uint]*models.Contact),
		threads:  make(map[uint]*models.Thread),
		messages: make(map[uint]*models.Message),
		lines:    make(map[uint]*models.Line),
		blocked:  make(map[string]*models.BlockedNumber),
	}
}

// Contact operations
func (m *MemoryStore) GetContact(_ context.Context, id uint) (*models.Contact, error) {
	m.contactMu.RLock()
	defer m.contactMu.RUnlock()

	contact, exists := m.contacts[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyContact(contact), nil
}

func (m *MemoryStore) GetContactByPhone(_ context.Context, phone string) (*models.Contact, error) {
	m.contactMu.RLock()
	defer m.contactMu.RUnlock()

	for _, contact := range m.contacts {
		if contact.Phone == phone {
			return copyContact(contact), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateContact(_ context.Context, contact *models.Contact) error {
	m.contactMu.Lock()
	defer m.contactMu.Unlock()

	for _, existing := range m.contacts {
		if existing.Phone == contact.Phone {
			return ErrDuplicate
		}
	}
	if err := contact.BeforeCreate(nil); err != nil {
		return err
	}

	m.contactCounter++
	now := time.Now()
	contact.ID = m.contactCounter
	contact.CreatedAt = now
	contact.UpdatedAt = now
	m.contacts[contact.ID] = copyContact(contact)
	return nil
}

func (m *MemoryStore) UpdateContact(_ context.Context, contact *models.Contact) error {
	m.contactMu.Lock()
	defer m.contactMu.Unlock()

	if _, exists := m.contacts[contact.ID]; !exists {
		return ErrNotFound
	}
	for id, existing := range m.contacts {
		if id != contact.ID && existing.Phone == contact.Phone {
			return ErrDuplicate
		}
	}
	contact.UpdatedAt = time.Now()
	m.contacts[contact.ID] = copyContact(contact)
	return nil
}

func (m *MemoryStore) TouchContactInteraction(_ context.Context, id uint, at time.Time) error {
	m.contactMu.Lock()
	defer m.contactMu.Unlock()

	contact, exists := m.contacts[id]
	if !exists {
		return ErrNotFound
	}
	contact.LastInteractionAt = &at
	return nil
}

// Thread operations
func (m *MemoryStore) GetThread(_ context.Context, id uint) (*models.Thread, error) {
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()

	thread, exists := m.threads[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyThread(thread), nil
}

func (m *MemoryStore) GetThreadByChannel(_ context.Context, channelThreadID string) (*models.Thread, error) {
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()

	for _, thread := range m.threads {
		if thread.ChannelThreadID == channelThreadID {
			return copyThread(thread), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindLatestThreadByContact(_ context.Context, contactID uint, lineID *uint) (*models.Thread, error) {
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()

	var latest *models.Thread
	for _, thread := range m.threads {
		if thread.ContactID != contactID {
			continue
		}
		if lineID != nil && (thread.LineID == nil || *thread.LineID != *lineID) {
			continue
		}
		if latest == nil || thread.ID > latest.ID {
			latest = thread
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copyThread(latest), nil
}

func (m *MemoryStore) CreateThread(_ context.Context, thread *models.Thread) error {
	m.threadMu.Lock()
	defer m.threadMu.Unlock()

	for _, existing := range m.threads {
		if existing.ChannelThreadID == thread.ChannelThreadID {
			return ErrDuplicate
		}
	}

	m.threadCounter++
	now := time.Now()
	thread.ID = m.threadCounter
	thread.CreatedAt = now
	thread.UpdatedAt = now
	if thread.Queue == "" {
		thread.Queue = models.QueueArrival
	}
	if thread.Status == "" {
		thread.Status = models.ThreadStatusOpen
	}
	if thread.ChatType == "" {
		thread.ChatType = models.ChatTypeDirect
	}
	m.threads[thread.ID] = copyThread(thread)
	return nil
}

func (m *MemoryStore) UpdateThread(_ context.Context, thread *models.Thread) error {
	m.threadMu.Lock()
	defer m.threadMu.Unlock()

	current, exists := m.threads[thread.ID]
	if !exists {
		return ErrNotFound
	}
	for id, existing := range m.threads {
		if id != thread.ID && existing.ChannelThreadID == thread.ChannelThreadID {
			return ErrDuplicate
		}
	}
	// unread is owned by IncrementUnread/ResetUnread
	unread := current.UnreadCount
	thread.UpdatedAt = time.Now()
	stored := copyThread(thread)
	stored.UnreadCount = unread
	m.threads[thread.ID] = stored
	thread.UnreadCount = unread
	return nil
}

func (m *MemoryStore) IncrementUnread(_ context.Context, id uint) error {
	m.threadMu.Lock()
	defer m.threadMu.Unlock()

	thread, exists := m.threads[id]
	if !exists {
		return ErrNotFound
	}
	thread.UnreadCount++
	return nil
}

func (m *MemoryStore) ResetUnread(_ context.Context, id uint) error {
	m.threadMu.Lock()
	defer m.threadMu.Unlock()

	thread, exists := m.threads[id]
	if !exists {
		return ErrNotFound
	}
	thread.UnreadCount = 0
	return nil
}

func (m *MemoryStore) ListThreadsByQueue(_ context.Context, queue string, limit int) ([]*models.Thread, error) {
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()

	var result []*models.Thread
	for _, thread := range m.threads {
		if thread.Queue == queue {
			result = append(result, copyThread(thread))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return lastActivity(result[i]).After(lastActivity(result[j]))
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountThreadsByQueue(_ context.Context) (map[string]int64, error) {
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()

	counts := make(map[string]int64)
	for _, thread := range m.threads {
		counts[thread.Queue]++
	}
	return counts, nil
}

func (m *MemoryStore) ListInactiveThreads(_ context.Context, before time.Time, limit int) ([]*models.Thread, error) {
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()

	var result []*models.Thread
	for _, thread := range m.threads {
		if thread.Status == models.ThreadStatusClosed {
			continue
		}
		if lastActivity(thread).Before(before) {
			result = append(result, copyThread(thread))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Message operations
func (m *MemoryStore) GetMessage(_ context.Context, id uint) (*models.Message, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	message, exists := m.messages[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyMessage(message), nil
}

func (m *MemoryStore) GetMessageByExternalID(_ context.Context, externalID string) (*models.Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	var found *models.Message
	for _, message := range m.messages {
		if message.ExternalID == externalID && (found == nil || message.ID < found.ID) {
			found = message
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyMessage(found), nil
}

func (m *MemoryStore) GetThreadMessageByExternalID(_ context.Context, threadID uint, externalID string) (*models.Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	for _, message := range m.messages {
		if message.ThreadID == threadID && message.ExternalID == externalID {
			return copyMessage(message), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateMessage(_ context.Context, message *models.Message) error {
	m.messageMu.Lock()
	defer m.messageMu.Unlock()

	if m.externalIDTaken(message.ThreadID, message.ExternalID, 0) {
		return ErrDuplicate
	}

	m.messageCounter++
	now := time.Now()
	message.ID = m.messageCounter
	message.CreatedAt = now
	message.UpdatedAt = now
	if message.SentAt.IsZero() {
		message.SentAt = now
	}
	m.messages[message.ID] = copyMessage(message)
	return nil
}

func (m *MemoryStore) UpdateMessage(_ context.Context, message *models.Message) error {
	m.messageMu.Lock()
	defer m.messageMu.Unlock()

	if _, exists := m.messages[message.ID]; !exists {
		return ErrNotFound
	}
	if m.externalIDTaken(message.ThreadID, message.ExternalID, message.ID) {
		return ErrDuplicate
	}
	message.UpdatedAt = time.Now()
	m.messages[message.ID] = copyMessage(message)
	return nil
}

// externalIDTaken must be called with messageMu held
func (m *MemoryStore) externalIDTaken(threadID uint, externalID string, exceptID uint) bool {
	if externalID == "" {
		return false
	}
	for id, existing := range m.messages {
		if id != exceptID && existing.ThreadID == threadID && existing.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (m *MemoryStore) FindDuplicateMessage(_ context.Context, q DuplicateQuery) (*models.Message, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	candidates := m.threadMessagesNewestFirst(q.ThreadID)
	if q.Recent > 0 && len(candidates) > q.Recent {
		candidates = candidates[:q.Recent]
	}
	for _, message := range candidates {
		if matchesDuplicate(message, q) {
			return copyMessage(message), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListRecentMessages(_ context.Context, threadID uint, limit int) ([]*models.Message, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	messages := m.threadMessagesNewestFirst(threadID)
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	result := make([]*models.Message, 0, len(messages))
	for _, message := range messages {
		result = append(result, copyMessage(message))
	}
	return result, nil
}

func (m *MemoryStore) LastMessageAt(_ context.Context, threadID uint, direction string) (*time.Time, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	for _, message := range m.threadMessagesNewestFirst(threadID) {
		if direction == "" || message.Direction == direction {
			at := message.SentAt
			return &at, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) PruneMessages(_ context.Context, threadID uint, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	m.messageMu.Lock()
	defer m.messageMu.Unlock()

	messages := m.threadMessagesNewestFirst(threadID)
	if len(messages) <= keep {
		return 0, nil
	}
	var removed int64
	for _, message := range messages[keep:] {
		delete(m.messages, message.ID)
		removed++
	}
	return removed, nil
}

func (m *MemoryStore) CountOutgoingByGatewaySince(_ context.Context, since time.Time) (map[string]int, error) {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	counts := make(map[string]int)
	for _, message := range m.messages {
		if message.Direction != models.DirectionOutgoing || message.GatewaySlug == "" {
			continue
		}
		if message.Status == models.MessageStatusError || message.Status == models.MessageStatusFailed {
			continue
		}
		if !message.SentAt.Before(since) {
			counts[message.GatewaySlug]++
		}
	}
	return counts, nil
}

// threadMessagesNewestFirst must be called with messageMu held.
// Ties on SentAt fall back to insertion order.
func (m *MemoryStore) threadMessagesNewestFirst(threadID uint) []*models.Message {
	var result []*models.Message
	for _, message := range m.messages {
		if message.ThreadID == threadID {
			result = append(result, message)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].SentAt.Equal(result[j].SentAt) {
			return result[i].SentAt.After(result[j].SentAt)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

// Line operations
func (m *MemoryStore) GetLine(_ context.Context, id uint) (*models.Line, error) {
	m.lineMu.RLock()
	defer m.lineMu.RUnlock()

	line, exists := m.lines[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *line
	return &copied, nil
}

func (m *MemoryStore) GetDefaultLine(_ context.Context) (*models.Line, error) {
	m.lineMu.RLock()
	defer m.lineMu.RUnlock()

	var chosen *models.Line
	for _, line := range m.lines {
		if line.IsDefault && (chosen == nil || line.ID < chosen.ID) {
			chosen = line
		}
	}
	if chosen == nil {
		for _, line := range m.lines {
			if chosen == nil || line.ID < chosen.ID {
				chosen = line
			}
		}
	}
	if chosen == nil {
		return nil, ErrNotFound
	}
	copied := *chosen
	return &copied, nil
}

func (m *MemoryStore) ListLines(_ context.Context) ([]*models.Line, error) {
	m.lineMu.RLock()
	defer m.lineMu.RUnlock()

	result := make([]*models.Line, 0, len(m.lines))
	for _, line := range m.lines {
		copied := *line
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) UpsertLine(_ context.Context, line *models.Line) error {
	m.lineMu.Lock()
	defer m.lineMu.Unlock()

	now := time.Now()
	for id, existing := range m.lines {
		if existing.Label == line.Label {
			line.ID = id
			line.CreatedAt = existing.CreatedAt
			line.UpdatedAt = now
			copied := *line
			m.lines[id] = &copied
			return nil
		}
	}
	m.lineCounter++
	line.ID = m.lineCounter
	line.CreatedAt = now
	line.UpdatedAt = now
	copied := *line
	m.lines[line.ID] = &copied
	return nil
}

// Blocklist operations
func (m *MemoryStore) IsBlocked(_ context.Context, phone string) (bool, error) {
	m.blockMu.RLock()
	defer m.blockMu.RUnlock()

	_, exists := m.blocked[phone]
	return exists, nil
}

func (m *MemoryStore) BlockNumber(_ context.Context, entry *models.BlockedNumber) error {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()

	if existing, exists := m.blocked[entry.Phone]; exists {
		existing.Reason = entry.Reason
		*entry = *existing
		return nil
	}
	m.blockCounter++
	entry.ID = m.blockCounter
	entry.CreatedAt = time.Now()
	copied := *entry
	m.blocked[entry.Phone] = &copied
	return nil
}

func (m *MemoryStore) UnblockNumber(_ context.Context, phone string) error {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()

	if _, exists := m.blocked[phone]; !exists {
		return ErrNotFound
	}
	delete(m.blocked, phone)
	return nil
}

func (m *MemoryStore) ListBlocked(_ context.Context) ([]*models.BlockedNumber, error) {
	m.blockMu.RLock()
	defer m.blockMu.RUnlock()

	result := make([]*models.BlockedNumber, 0, len(m.blocked))
	for _, entry := range m.blocked {
		copied := *entry
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) RecordBlockedInbound(_ context.Context, entry *models.BlockedInbound) error {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()

	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now()
	}
	entry.ID = uint(len(m.audit) + 1)
	copied := *entry
	m.audit = append(m.audit, &copied)
	return nil
}

// BlockedInbound returns the audit trail of dropped events
func (m *MemoryStore) BlockedInbound() []*models.BlockedInbound {
	m.blockMu.RLock()
	defer m.blockMu.RUnlock()

	result := make([]*models.BlockedInbound, len(m.audit))
	copy(result, m.audit)
	return result
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// CountMessages returns the number of stored messages in a thread
func (m *MemoryStore) CountMessages(threadID uint) int {
	m.messageMu.RLock()
	defer m.messageMu.RUnlock()

	return len(m.threadMessagesNewestFirst(threadID))
}

func lastActivity(t *models.Thread) time.Time {
	if t.LastMessageAt != nil {
		return *t.LastMessageAt
	}
	return t.UpdatedAt
}

func copyContact(c *models.Contact) *models.Contact {
	copied := *c
	copied.Metadata = cloneJSONMap(c.Metadata)
	return &copied
}

func copyThread(t *models.Thread) *models.Thread {
	copied := *t
	copied.GroupMetadata = cloneJSONMap(t.GroupMetadata)
	return &copied
}

func copyMessage(msg *models.Message) *models.Message {
	copied := *msg
	copied.Metadata = cloneJSONMap(msg.Metadata)
	return &copied
}

func cloneJSONMap(in datatypes.JSONMap) datatypes.JSONMap {
	if in == nil {
		return nil
	}
	out := make(datatypes.JSONMap, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
