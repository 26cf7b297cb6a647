package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/Ananth-NQI/wa-relay/internal/apperrors"
	"github.com/Ananth-NQI/wa-relay/internal/config"
	"github.com/Ananth-NQI/wa-relay/internal/events"
	"github.com/Ananth-NQI/wa-relay/internal/metrics"
	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

// Profile name some gateways report for group chats
const groupProfileName = "WhatsApp group"

const (
	previewLength = 160
	snapshotKey   = "gateway_snapshot"
)

// Ingest outcomes
const (
	OutcomeCreated   = "created"
	OutcomeEdited    = "edited"
	OutcomeDuplicate = "duplicate"
	OutcomeBlocked   = "blocked"
	OutcomeDropped   = "dropped"
)

// InboundEvent is one message received from a customer
type InboundEvent struct {
	From            string
	Text            string
	ExternalID      string
	Timestamp       time.Time
	ProfileName     string
	ProfilePhoto    string
	MessageType     string
	Media           map[string]any
	GatewayMeta     map[string]any
	ChannelThreadID string
	LineID          *uint
	Gateway         string // alt gateway slug, empty on the official line
}

// OutboundLogEntry is a message staff sent from the phone itself, echoed
// back by a gateway
type OutboundLogEntry struct {
	To              string
	Text            string
	ExternalID      string
	Timestamp       time.Time
	Ack             *int
	MessageType     string
	Media           map[string]any
	GatewayMeta     map[string]any
	ChannelThreadID string
	LineID          *uint
	Gateway         string
}

// IngestResult reports what ingestion did with an event
type IngestResult struct {
	Outcome   string `json:"outcome"`
	ContactID uint   `json:"contact_id,omitempty"`
	ThreadID  uint   `json:"thread_id,omitempty"`
	MessageID uint   `json:"message_id,omitempty"`
}

// MessageEvent is the payload of message.received and message.sent
type MessageEvent struct {
	ThreadID  uint   `json:"thread_id"`
	MessageID uint   `json:"message_id"`
	ContactID uint   `json:"contact_id,omitempty"`
	Direction string `json:"direction"`
	Phone     string `json:"phone,omitempty"`
	Gateway   string `json:"gateway,omitempty"`
	Queue     string `json:"queue,omitempty"`
	Preview   string `json:"preview"`
}

// IngestOptions tunes deduplication and retention
type IngestOptions struct {
	DedupeEnabled bool
	LiveWindow    time.Duration
	HistoryWindow time.Duration
	EchoWindow    time.Duration
	RetainLimit   int
	SnapshotTTL   time.Duration
}

// DefaultIngestOptions matches the configuration defaults
func DefaultIngestOptions() IngestOptions {
	return IngestOptions{
		DedupeEnabled: true,
		LiveWindow:    300 * time.Second,
		HistoryWindow: 24 * time.Hour,
		EchoWindow:    20 * time.Second,
		RetainLimit:   20,
		SnapshotTTL:   30 * 24 * time.Hour,
	}
}

// IngestOptionsFromConfig reads the ingestion settings
func IngestOptionsFromConfig(cfg *config.Config) IngestOptions {
	return IngestOptions{
		DedupeEnabled: cfg.DedupeEnabled,
		LiveWindow:    cfg.IncomingDedupeWindow,
		HistoryWindow: cfg.HistoryDedupeWindow,
		EchoWindow:    cfg.OutboundEchoWindow,
		RetainLimit:   cfg.MessageRetainLimit,
		SnapshotTTL:   cfg.SnapshotTTL,
	}
}

// IngestService writes inbound traffic, outbound echoes and acks
type IngestService struct {
	store     storage.Store
	identity  *IdentityResolver
	cache     *LookupCache
	publisher events.Publisher
	opts      IngestOptions
	log       zerolog.Logger
	now       func() time.Time
}

func NewIngestService(store storage.Store, identity *IdentityResolver, cache *LookupCache, publisher events.Publisher, opts IngestOptions, log zerolog.Logger) *IngestService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &IngestService{
		store:     store,
		identity:  identity,
		cache:     cache,
		publisher: publisher,
		opts:      opts,
		log:       log.With().Str("component", "ingest").Logger(),
		now:       time.Now,
	}
}

// WithClock replaces the time source
func (s *IngestService) WithClock(now func() time.Time) *IngestService {
	s.now = now
	return s
}

// conversation is a resolved contact key plus the channel it speaks on
type conversation struct {
	key          string // canonical phone or group key
	phone        string // sender phone, also set for group participants
	isGroup      bool
	slug         string
	channel      string
	lineID       *uint
	profileName  string
	profilePhoto string
	groupSubject string
	groupJID     string
	snapshot     map[string]any
}

// IngestInbound stores an inbound customer message, deduplicating replays,
// applying edits and reopening closed threads
func (s *IngestService) IngestInbound(ctx context.Context, ev InboundEvent) (IngestResult, error) {
	meta := ev.GatewayMeta
	if meta == nil {
		meta = map[string]any{}
	}
	sentAt := ev.Timestamp
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	sentAt = sentAt.UTC()

	conv, ok := s.describe(ev.From, meta, ev.ChannelThreadID, ev.Gateway, ev.LineID, ev.ProfileName)
	if !ok {
		metrics.IngestTotal.WithLabelValues("inbound", OutcomeDropped).Inc()
		s.log.Warn().
			Err(apperrors.ErrIdentityUnresolved).
			Str("from", ev.From).
			Str("channel_thread_id", ev.ChannelThreadID).
			Msg("Dropping inbound event")
		return IngestResult{Outcome: OutcomeDropped}, nil
	}
	conv.profilePhoto = ev.ProfilePhoto

	if conv.phone != "" {
		blocked, err := s.store.IsBlocked(ctx, conv.phone)
		if err != nil {
			return IngestResult{}, fmt.Errorf("check blocklist: %w", err)
		}
		if blocked {
			return s.recordBlocked(ctx, conv, ev.Text, sentAt)
		}
	}

	contact, thread, err := s.resolveConversation(ctx, conv)
	if err != nil {
		return IngestResult{}, err
	}
	result := IngestResult{ContactID: contact.ID, ThreadID: thread.ID}
	threadChanged := Reconcile(thread, true)

	messageType := normalizeMessageType(ev.MessageType, ev.Media)
	history := metaBool(meta, "history")

	if ev.ExternalID != "" {
		existing, err := s.store.GetThreadMessageByExternalID(ctx, thread.ID, ev.ExternalID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return IngestResult{}, fmt.Errorf("find message %s: %w", ev.ExternalID, err)
		}
		if existing != nil {
			return s.applyEdit(ctx, thread, threadChanged, existing, ev.Text, messageType, result)
		}
	}

	if (s.opts.DedupeEnabled || history) && strings.TrimSpace(ev.Text) != "" {
		window := s.opts.LiveWindow
		if history {
			window = s.opts.HistoryWindow
		}
		match, err := s.store.FindDuplicateMessage(ctx, storage.DuplicateQuery{
			ThreadID:    thread.ID,
			Direction:   models.DirectionIncoming,
			Content:     ev.Text,
			MessageType: messageType,
			ExternalID:  ev.ExternalID,
			Around:      sentAt,
			Window:      window,
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return IngestResult{}, fmt.Errorf("find duplicate: %w", err)
		}
		if match != nil {
			s.attachExternalID(ctx, match, ev.ExternalID)
			if err := s.saveThread(ctx, thread, threadChanged); err != nil {
				return IngestResult{}, err
			}
			result.Outcome = OutcomeDuplicate
			result.MessageID = match.ID
			metrics.IngestTotal.WithLabelValues("inbound", OutcomeDuplicate).Inc()
			return result, nil
		}
	}

	metadata := map[string]any{
		"profile_name":     ev.ProfileName,
		"gateway_instance": conv.slug,
		"origin":           metaString(meta, "origin", "source"),
		"media":            ev.Media,
		"history":          history,
		"reply_to":         meta["reply_to"],
		"raw":              rawExcerpt(meta),
	}
	if conv.isGroup {
		metadata["participant"] = conv.phone
	}
	message := &models.Message{
		ThreadID:    thread.ID,
		Direction:   models.DirectionIncoming,
		MessageType: messageType,
		Content:     ev.Text,
		Status:      models.MessageStatusDelivered,
		ExternalID:  ev.ExternalID,
		GatewaySlug: conv.slug,
		SentAt:      sentAt,
		Metadata:    models.FilterMessageMetadata(metadata),
	}
	if err := s.store.CreateMessage(ctx, message); err != nil {
		if errors.Is(err, storage.ErrDuplicate) && ev.ExternalID != "" {
			winner, ferr := s.store.GetThreadMessageByExternalID(ctx, thread.ID, ev.ExternalID)
			if ferr != nil {
				return IngestResult{}, fmt.Errorf("re-fetch message %s: %w", ev.ExternalID, ferr)
			}
			if err := s.saveThread(ctx, thread, threadChanged); err != nil {
				return IngestResult{}, err
			}
			result.Outcome = OutcomeDuplicate
			result.MessageID = winner.ID
			metrics.IngestTotal.WithLabelValues("inbound", OutcomeDuplicate).Inc()
			return result, nil
		}
		return IngestResult{}, fmt.Errorf("create message: %w", err)
	}
	result.MessageID = message.ID

	s.prune(ctx, thread.ID)

	if advancePreview(thread, message) {
		threadChanged = true
	}
	if err := s.saveThread(ctx, thread, threadChanged); err != nil {
		return IngestResult{}, err
	}
	if !history {
		if err := s.store.IncrementUnread(ctx, thread.ID); err != nil {
			return IngestResult{}, fmt.Errorf("increment unread: %w", err)
		}
	}
	if err := s.store.TouchContactInteraction(ctx, contact.ID, sentAt); err != nil {
		s.log.Warn().Err(err).Uint("contact_id", contact.ID).Msg("Failed to touch contact interaction")
	}

	result.Outcome = OutcomeCreated
	metrics.IngestTotal.WithLabelValues("inbound", OutcomeCreated).Inc()
	s.log.Info().
		Uint("thread_id", thread.ID).
		Uint("message_id", message.ID).
		Str("phone", conv.phone).
		Str("slug", conv.slug).
		Str("outcome", OutcomeCreated).
		Msg("Inbound message stored")

	s.publish(ctx, events.MessageReceived, MessageEvent{
		ThreadID:  thread.ID,
		MessageID: message.ID,
		ContactID: contact.ID,
		Direction: models.DirectionIncoming,
		Phone:     conv.phone,
		Gateway:   conv.slug,
		Queue:     thread.Queue,
		Preview:   thread.LastMessagePreview,
	})
	return result, nil
}

// IngestOutboundLog imports a message staff sent outside the relay. It never
// reopens a thread and never counts as unread.
func (s *IngestService) IngestOutboundLog(ctx context.Context, entry OutboundLogEntry) (IngestResult, error) {
	meta := withoutKeys(entry.GatewayMeta, "from", "sender", "sender_id", "participant", "participant_phone")
	sentAt := entry.Timestamp
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	sentAt = sentAt.UTC()

	if entry.ExternalID != "" {
		existing, err := s.store.GetMessageByExternalID(ctx, entry.ExternalID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return IngestResult{}, fmt.Errorf("find message %s: %w", entry.ExternalID, err)
		}
		if existing != nil {
			if entry.Ack != nil {
				if _, err := s.applyAck(ctx, existing, AckMeta{ExternalID: entry.ExternalID, Ack: entry.Ack, GatewayInstance: entry.Gateway}); err != nil {
					return IngestResult{}, err
				}
			}
			metrics.IngestTotal.WithLabelValues("outbound_log", OutcomeDuplicate).Inc()
			return IngestResult{Outcome: OutcomeDuplicate, ThreadID: existing.ThreadID, MessageID: existing.ID}, nil
		}
	}

	conv, ok := s.describe(entry.To, meta, entry.ChannelThreadID, entry.Gateway, entry.LineID, "")
	if !ok {
		metrics.IngestTotal.WithLabelValues("outbound_log", OutcomeDropped).Inc()
		s.log.Warn().Err(apperrors.ErrIdentityUnresolved).Str("to", entry.To).Msg("Dropping outbound log entry")
		return IngestResult{Outcome: OutcomeDropped}, nil
	}

	contact, thread, err := s.resolveConversation(ctx, conv)
	if err != nil {
		return IngestResult{}, err
	}
	result := IngestResult{ContactID: contact.ID, ThreadID: thread.ID}
	threadChanged := Reconcile(thread, false)

	match, err := s.store.FindDuplicateMessage(ctx, storage.DuplicateQuery{
		ThreadID:    thread.ID,
		Direction:   models.DirectionOutgoing,
		Content:     entry.Text,
		ExternalID:  entry.ExternalID,
		Around:      sentAt,
		Window:      s.opts.EchoWindow,
		TrimContent: true,
		Recent:      5,
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return IngestResult{}, fmt.Errorf("find outbound echo: %w", err)
	}
	if match != nil {
		s.attachExternalID(ctx, match, entry.ExternalID)
		if entry.Ack != nil {
			if _, err := s.applyAck(ctx, match, AckMeta{ExternalID: entry.ExternalID, Ack: entry.Ack, GatewayInstance: conv.slug}); err != nil {
				return IngestResult{}, err
			}
		}
		if err := s.saveThread(ctx, thread, threadChanged); err != nil {
			return IngestResult{}, err
		}
		result.Outcome = OutcomeDuplicate
		result.MessageID = match.ID
		metrics.IngestTotal.WithLabelValues("outbound_log", OutcomeDuplicate).Inc()
		return result, nil
	}

	status := models.MessageStatusImported
	if entry.Ack != nil {
		if mapped, ok := StatusFromAck(*entry.Ack); ok {
			status = PrioritizeStatus(status, mapped)
		}
	}
	message := &models.Message{
		ThreadID:    thread.ID,
		Direction:   models.DirectionOutgoing,
		MessageType: normalizeMessageType(entry.MessageType, entry.Media),
		Content:     entry.Text,
		Status:      status,
		ExternalID:  entry.ExternalID,
		GatewaySlug: conv.slug,
		SentAt:      sentAt,
		Metadata: models.FilterMessageMetadata(map[string]any{
			"gateway_instance": conv.slug,
			"origin":           "outbound_log",
			"media":            entry.Media,
		}),
	}
	if err := s.store.CreateMessage(ctx, message); err != nil {
		if errors.Is(err, storage.ErrDuplicate) && entry.ExternalID != "" {
			winner, ferr := s.store.GetThreadMessageByExternalID(ctx, thread.ID, entry.ExternalID)
			if ferr != nil {
				return IngestResult{}, fmt.Errorf("re-fetch message %s: %w", entry.ExternalID, ferr)
			}
			result.Outcome = OutcomeDuplicate
			result.MessageID = winner.ID
			return result, nil
		}
		return IngestResult{}, fmt.Errorf("create message: %w", err)
	}
	result.MessageID = message.ID

	s.prune(ctx, thread.ID)
	if advancePreview(thread, message) {
		threadChanged = true
	}
	if err := s.saveThread(ctx, thread, threadChanged); err != nil {
		return IngestResult{}, err
	}

	result.Outcome = OutcomeCreated
	metrics.IngestTotal.WithLabelValues("outbound_log", OutcomeCreated).Inc()
	s.log.Info().
		Uint("thread_id", thread.ID).
		Uint("message_id", message.ID).
		Str("slug", conv.slug).
		Msg("Outbound log entry imported")
	return result, nil
}

// describe resolves who an event belongs to and on which channel. It
// returns false when neither a phone nor a group key can be found.
func (s *IngestService) describe(from string, meta map[string]any, channelID, gateway string, lineID *uint, profileName string) (conversation, bool) {
	conv := conversation{lineID: lineID, profileName: strings.TrimSpace(profileName)}

	altSlug, altKey, isAlt := ParseAltChannelID(channelID)
	conv.slug = SanitizeSlug(gateway)
	if conv.slug == "" && isAlt {
		conv.slug = altSlug
	}

	conv.phone = s.identity.ResolvePhone(from, meta)
	if conv.phone == "" && isAlt && !strings.HasPrefix(altKey, models.GroupKeyPrefix) {
		conv.phone = s.identity.NormalizeDigits(altKey)
	}
	if conv.phone == "" && strings.HasPrefix(channelID, models.ContactChannelPrefix) {
		conv.phone = s.identity.NormalizeDigits(strings.TrimPrefix(channelID, models.ContactChannelPrefix))
	}

	conv.isGroup = IsGroupEvent(from, meta, conv.profileName) ||
		strings.HasPrefix(channelID, models.GroupKeyPrefix) ||
		(isAlt && strings.HasPrefix(altKey, models.GroupKeyPrefix))

	if conv.isGroup {
		groupKey := s.identity.ResolveGroupKey(meta, channelID, from)
		if groupKey == "" {
			return conv, false
		}
		conv.key = groupKey
		conv.groupJID = ResolveGroupAddress(meta, channelID, from)
		conv.groupSubject = metaString(meta, "group_subject", "subject")
		if conv.groupSubject == "" && conv.profileName != "" && conv.profileName != groupProfileName {
			conv.groupSubject = conv.profileName
		}
		// the participant is a person, not the group
		conv.profileName = conv.groupSubject
	} else {
		if conv.phone == "" {
			return conv, false
		}
		conv.key = conv.phone
	}

	switch {
	case conv.slug != "":
		conv.channel = BuildAltChannelID(conv.slug, conv.key)
	case conv.isGroup:
		conv.channel = conv.key
	default:
		conv.channel = ContactChannelID(conv.key)
	}

	conv.snapshot = map[string]any{}
	for key, value := range map[string]string{
		"gateway":      conv.slug,
		"chat_type":    chatTypeOf(conv.isGroup),
		"profile_name": conv.profileName,
		"origin":       metaString(meta, "origin", "source"),
		"session":      metaString(meta, "session", "session_hint"),
	} {
		if value != "" {
			conv.snapshot[key] = value
		}
	}
	return conv, true
}

// resolveConversation finds or creates the contact and thread of a
// conversation and aligns the thread with the channel the event came from
func (s *IngestService) resolveConversation(ctx context.Context, conv conversation) (*models.Contact, *models.Thread, error) {
	contact, err := s.resolveContact(ctx, conv)
	if err != nil {
		return nil, nil, err
	}
	thread, err := s.resolveThread(ctx, contact, conv)
	if err != nil {
		return nil, nil, err
	}
	return contact, thread, nil
}

func (s *IngestService) resolveContact(ctx context.Context, conv conversation) (*models.Contact, error) {
	contact, err := s.findContact(ctx, conv.key)
	if errors.Is(err, storage.ErrNotFound) {
		contact = &models.Contact{
			Phone:        conv.key,
			Name:         conv.profileName,
			ProfilePhoto: conv.profilePhoto,
			Metadata:     datatypes.JSONMap{},
		}
		if contact.Name == "" {
			contact.Name = models.PlaceholderContactName
		}
		s.refreshSnapshot(contact, conv.snapshot)
		err = s.store.CreateContact(ctx, contact)
		if errors.Is(err, storage.ErrDuplicate) {
			contact, err = s.store.GetContactByPhone(ctx, conv.key)
		} else if err == nil {
			s.cache.PutContact(conv.key, contact.ID)
			return contact, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve contact %s: %w", conv.key, err)
	}
	s.cache.PutContact(conv.key, contact.ID)

	changed := false
	if conv.profileName != "" && contact.HasPlaceholderName() {
		contact.Name = conv.profileName
		changed = true
	}
	if conv.profilePhoto != "" && conv.profilePhoto != contact.ProfilePhoto {
		contact.ProfilePhoto = conv.profilePhoto
		changed = true
	}
	if s.refreshSnapshot(contact, conv.snapshot) {
		changed = true
	}
	if changed {
		if err := s.store.UpdateContact(ctx, contact); err != nil {
			return nil, fmt.Errorf("update contact %d: %w", contact.ID, err)
		}
	}
	return contact, nil
}

func (s *IngestService) findContact(ctx context.Context, key string) (*models.Contact, error) {
	if id, ok := s.cache.ContactID(key); ok {
		contact, err := s.store.GetContact(ctx, id)
		if err == nil && contact.Phone == key {
			return contact, nil
		}
		s.cache.ForgetContact(key)
	}
	return s.store.GetContactByPhone(ctx, key)
}

// refreshSnapshot stores the gateway snapshot when it is missing, changed
// or older than the TTL
func (s *IngestService) refreshSnapshot(contact *models.Contact, snapshot map[string]any) bool {
	if len(snapshot) == 0 {
		return false
	}
	now := s.now().UTC()
	stale := contact.SnapshotAt == nil || now.Sub(*contact.SnapshotAt) > s.opts.SnapshotTTL
	if current, ok := contact.Metadata[snapshotKey]; ok && !stale && sameJSON(current, snapshot) {
		return false
	}
	if contact.Metadata == nil {
		contact.Metadata = datatypes.JSONMap{}
	}
	contact.Metadata[snapshotKey] = snapshot
	contact.SnapshotAt = &now
	return true
}

func (s *IngestService) resolveThread(ctx context.Context, contact *models.Contact, conv conversation) (*models.Thread, error) {
	thread, err := s.findThread(ctx, contact.ID, conv)
	if errors.Is(err, storage.ErrNotFound) {
		thread = &models.Thread{
			ContactID:       contact.ID,
			ChannelThreadID: conv.channel,
			LineID:          conv.lineID,
			Queue:           models.QueueArrival,
			Status:          models.ThreadStatusOpen,
			ChatType:        chatTypeOf(conv.isGroup),
			GroupSubject:    conv.groupSubject,
		}
		if conv.isGroup {
			thread.Queue = models.QueueGroups
		}
		if conv.groupJID != "" {
			thread.GroupMetadata = datatypes.JSONMap{models.GroupJIDKey: conv.groupJID}
		}
		err = s.store.CreateThread(ctx, thread)
		if errors.Is(err, storage.ErrDuplicate) {
			thread, err = s.store.GetThreadByChannel(ctx, conv.channel)
		} else if err == nil {
			s.cache.PutThread(thread.ChannelThreadID, thread.ID)
			return thread, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve thread for contact %d: %w", contact.ID, err)
	}

	changed := false
	if thread.ChannelThreadID != conv.channel {
		thread.ChannelThreadID = conv.channel
		changed = true
	}
	if conv.lineID != nil && (thread.LineID == nil || *thread.LineID != *conv.lineID) {
		thread.LineID = conv.lineID
		changed = true
	}
	if conv.isGroup && thread.ChatType != models.ChatTypeGroup {
		thread.ChatType = models.ChatTypeGroup
		changed = true
	}
	if conv.groupSubject != "" && thread.GroupSubject != conv.groupSubject {
		thread.GroupSubject = conv.groupSubject
		changed = true
	}
	if conv.groupJID != "" && thread.GroupAddress() != conv.groupJID {
		if thread.GroupMetadata == nil {
			thread.GroupMetadata = datatypes.JSONMap{}
		}
		thread.GroupMetadata[models.GroupJIDKey] = conv.groupJID
		changed = true
	}
	if changed {
		err := s.store.UpdateThread(ctx, thread)
		if errors.Is(err, storage.ErrDuplicate) {
			// another thread already owns the channel; that one wins
			owner, ferr := s.store.GetThreadByChannel(ctx, conv.channel)
			if ferr != nil {
				return nil, fmt.Errorf("re-fetch thread %s: %w", conv.channel, ferr)
			}
			thread = owner
		} else if err != nil {
			return nil, fmt.Errorf("align thread %d: %w", thread.ID, err)
		}
	}
	s.cache.PutThread(thread.ChannelThreadID, thread.ID)
	return thread, nil
}

// findThread looks for the contact's latest thread on the line, then its
// latest thread anywhere, then the thread owning the channel
func (s *IngestService) findThread(ctx context.Context, contactID uint, conv conversation) (*models.Thread, error) {
	if conv.lineID != nil {
		thread, err := s.store.FindLatestThreadByContact(ctx, contactID, conv.lineID)
		if err == nil || !errors.Is(err, storage.ErrNotFound) {
			return thread, err
		}
	}
	thread, err := s.store.FindLatestThreadByContact(ctx, contactID, nil)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return thread, err
	}

	if id, ok := s.cache.ThreadID(conv.channel); ok {
		thread, err := s.store.GetThread(ctx, id)
		if err == nil && thread.ChannelThreadID == conv.channel {
			return thread, nil
		}
		s.cache.ForgetThread(conv.channel)
	}
	return s.store.GetThreadByChannel(ctx, conv.channel)
}

func (s *IngestService) applyEdit(ctx context.Context, thread *models.Thread, threadChanged bool, existing *models.Message, text, messageType string, result IngestResult) (IngestResult, error) {
	result.MessageID = existing.ID
	if existing.Content == text && existing.MessageType == messageType {
		if err := s.saveThread(ctx, thread, threadChanged); err != nil {
			return IngestResult{}, err
		}
		result.Outcome = OutcomeDuplicate
		metrics.IngestTotal.WithLabelValues("inbound", OutcomeDuplicate).Inc()
		return result, nil
	}

	editedAt := s.now().UTC()
	existing.Content = text
	existing.MessageType = messageType
	existing.EditedAt = &editedAt
	existing.Metadata = models.MergeMessageMetadata(existing.Metadata, map[string]any{
		"edited_at": editedAt.Format(time.RFC3339),
	})
	if err := s.store.UpdateMessage(ctx, existing); err != nil {
		return IngestResult{}, fmt.Errorf("update message %d: %w", existing.ID, err)
	}

	if thread.LastMessageAt != nil && existing.SentAt.Equal(*thread.LastMessageAt) {
		thread.LastMessagePreview = Preview(existing.Content, existing.MessageType)
		threadChanged = true
	}
	if err := s.saveThread(ctx, thread, threadChanged); err != nil {
		return IngestResult{}, err
	}

	result.Outcome = OutcomeEdited
	metrics.IngestTotal.WithLabelValues("inbound", OutcomeEdited).Inc()
	s.log.Info().Uint("thread_id", thread.ID).Uint("message_id", existing.ID).Msg("Inbound message edited")
	return result, nil
}

func (s *IngestService) recordBlocked(ctx context.Context, conv conversation, text string, at time.Time) (IngestResult, error) {
	entry := &models.BlockedInbound{
		Phone:           conv.phone,
		Excerpt:         truncateRunes(text, previewLength),
		ChannelThreadID: conv.channel,
		GatewaySlug:     conv.slug,
		ReceivedAt:      at,
	}
	if err := s.store.RecordBlockedInbound(ctx, entry); err != nil {
		return IngestResult{}, fmt.Errorf("record blocked inbound: %w", err)
	}
	metrics.IngestTotal.WithLabelValues("inbound", OutcomeBlocked).Inc()
	s.log.Info().Str("phone", conv.phone).Str("slug", conv.slug).Msg("Inbound message from blocked number")
	return IngestResult{Outcome: OutcomeBlocked}, nil
}

// attachExternalID fills a missing external id on a matched duplicate
func (s *IngestService) attachExternalID(ctx context.Context, message *models.Message, externalID string) {
	if externalID == "" || message.ExternalID != "" {
		return
	}
	message.ExternalID = externalID
	if err := s.store.UpdateMessage(ctx, message); err != nil {
		s.log.Warn().Err(err).Uint("message_id", message.ID).Msg("Failed to attach external id")
	}
}

func (s *IngestService) prune(ctx context.Context, threadID uint) {
	if s.opts.RetainLimit <= 0 {
		return
	}
	removed, err := s.store.PruneMessages(ctx, threadID, s.opts.RetainLimit)
	if err != nil {
		s.log.Warn().Err(err).Uint("thread_id", threadID).Msg("Failed to prune messages")
		return
	}
	if removed > 0 {
		s.log.Debug().Uint("thread_id", threadID).Int64("removed", removed).Msg("Pruned old messages")
	}
}

func (s *IngestService) saveThread(ctx context.Context, thread *models.Thread, changed bool) error {
	if !changed {
		return nil
	}
	if err := s.store.UpdateThread(ctx, thread); err != nil {
		return fmt.Errorf("update thread %d: %w", thread.ID, err)
	}
	return nil
}

func (s *IngestService) publish(ctx context.Context, eventType string, payload any) {
	if err := s.publisher.Publish(ctx, eventType, payload); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}

// advancePreview moves the thread preview to message unless the thread
// already shows something newer
func advancePreview(thread *models.Thread, message *models.Message) bool {
	if thread.LastMessageAt != nil && message.SentAt.Before(*thread.LastMessageAt) {
		return false
	}
	at := message.SentAt
	thread.LastMessageAt = &at
	thread.LastMessagePreview = Preview(message.Content, message.MessageType)
	return true
}

// Preview renders the thread list excerpt of a message
func Preview(content, messageType string) string {
	text := strings.TrimSpace(content)
	if text == "" && messageType != "" && messageType != models.MessageTypeText {
		return "[" + messageType + "]"
	}
	return truncateRunes(text, previewLength)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

var knownMessageTypes = map[string]bool{
	models.MessageTypeText:     true,
	models.MessageTypeImage:    true,
	models.MessageTypeAudio:    true,
	models.MessageTypeVideo:    true,
	models.MessageTypeDocument: true,
	models.MessageTypeNote:     true,
}

func normalizeMessageType(raw string, media map[string]any) string {
	kind := strings.ToLower(strings.TrimSpace(raw))
	switch kind {
	case "ptt", "voice":
		kind = models.MessageTypeAudio
	case "chat", "":
		kind = ""
	}
	if knownMessageTypes[kind] {
		return kind
	}
	if len(media) > 0 {
		mediaType := strings.ToLower(metaString(media, "type"))
		if knownMessageTypes[mediaType] {
			return mediaType
		}
		mime := strings.ToLower(metaString(media, "mimetype", "mime_type"))
		for _, prefix := range []string{models.MessageTypeImage, models.MessageTypeAudio, models.MessageTypeVideo} {
			if strings.HasPrefix(mime, prefix+"/") {
				return prefix
			}
		}
		return models.MessageTypeDocument
	}
	return models.MessageTypeText
}

const rawValueLimit = 256

// rawExcerpt keeps the scalar fields of a gateway payload, with long strings
// cut to rawValueLimit runes. Nested objects are dropped.
func rawExcerpt(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		switch val := v.(type) {
		case string:
			if val == "" {
				continue
			}
			out[k] = truncateRunes(val, rawValueLimit)
		case bool, float64, int, int64, json.Number:
			out[k] = val
		}
	}
	return out
}

func chatTypeOf(isGroup bool) string {
	if isGroup {
		return models.ChatTypeGroup
	}
	return models.ChatTypeDirect
}

func withoutKeys(meta map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

func sameJSON(a, b any) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(left) == string(right)
}
