package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ananth-NQI/wa-relay/internal/apperrors"
	"github.com/Ananth-NQI/wa-relay/internal/config"
	"github.com/Ananth-NQI/wa-relay/internal/events"
	"github.com/Ananth-NQI/wa-relay/internal/metrics"
	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/ratelimit"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

// Send statuses
const (
	SendStatusSent      = "sent"
	SendStatusError     = "error"
	SendStatusDuplicate = "duplicate"
)

// Send paths
const (
	PathAlt     = "alt"
	PathPrimary = "primary"
)

// SendRequest is a staff or campaign send. Either ThreadID or Phone
// addresses the conversation.
type SendRequest struct {
	ThreadID    uint          `json:"thread_id" validate:"required_without=Phone"`
	Phone       string        `json:"phone" validate:"required_without=ThreadID,omitempty,min=8,max=20"`
	Body        string        `json:"body" validate:"required_without_all=Media Template,max=4096"`
	Media       *MediaPayload `json:"media" validate:"omitempty"`
	Template    *TemplateRef  `json:"template" validate:"omitempty"`
	ActorID     *uint         `json:"actor_id"`
	CampaignKey string        `json:"campaign_key" validate:"omitempty,max=120"`
	Proactive   bool          `json:"proactive"`
}

// SendResult reports what a send did
type SendResult struct {
	Status            string              `json:"status"`
	Path              string              `json:"path,omitempty"`
	ThreadID          uint                `json:"thread_id"`
	MessageID         uint                `json:"message_id"`
	ExternalMessageID string              `json:"external_message_id,omitempty"`
	GatewaySlug       string              `json:"gateway_slug,omitempty"`
	LineID            *uint               `json:"line_id,omitempty"`
	Attempted         []apperrors.Attempt `json:"attempted,omitempty"`
}

// OutboundOptions tunes the send guards
type OutboundOptions struct {
	DuplicateClickWindow time.Duration
	SessionWindow        time.Duration
	NumberWindow         time.Duration
	NumberLimit          int
	CampaignWindow       time.Duration
	CampaignLimit        int
	RetainLimit          int
}

// DefaultOutboundOptions matches the configuration defaults
func DefaultOutboundOptions() OutboundOptions {
	return OutboundOptions{
		DuplicateClickWindow: 10 * time.Second,
		SessionWindow:        24 * time.Hour,
		NumberWindow:         24 * time.Hour,
		NumberLimit:          1,
		CampaignWindow:       24 * time.Hour,
		CampaignLimit:        1,
		RetainLimit:          20,
	}
}

// OutboundOptionsFromConfig reads the send settings
func OutboundOptionsFromConfig(cfg *config.Config) OutboundOptions {
	return OutboundOptions{
		DuplicateClickWindow: cfg.DuplicateClickWindow,
		SessionWindow:        cfg.SessionWindow,
		NumberWindow:         cfg.NumberWindow(),
		NumberLimit:          cfg.NumberLimit,
		CampaignWindow:       cfg.CampaignWindow,
		CampaignLimit:        cfg.CampaignLimit,
		RetainLimit:          cfg.MessageRetainLimit,
	}
}

// OutboundService sends staff messages over the alt gateways or an
// official line
type OutboundService struct {
	store     storage.Store
	ingest    *IngestService
	registry  *GatewayRegistry
	router    *Router
	usage     *UsageTracker
	limiter   *ratelimit.Limiter
	providers *LineProviders
	publisher events.Publisher
	opts      OutboundOptions
	log       zerolog.Logger
	now       func() time.Time
}

func NewOutboundService(
	store storage.Store,
	ingest *IngestService,
	registry *GatewayRegistry,
	router *Router,
	usage *UsageTracker,
	limiter *ratelimit.Limiter,
	providers *LineProviders,
	publisher events.Publisher,
	opts OutboundOptions,
	log zerolog.Logger,
) *OutboundService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &OutboundService{
		store:     store,
		ingest:    ingest,
		registry:  registry,
		router:    router,
		usage:     usage,
		limiter:   limiter,
		providers: providers,
		publisher: publisher,
		opts:      opts,
		log:       log.With().Str("component", "outbound").Logger(),
		now:       time.Now,
	}
}

// WithClock replaces the time source
func (s *OutboundService) WithClock(now func() time.Time) *OutboundService {
	s.now = now
	return s
}

// Send delivers a message and records it on the thread
func (s *OutboundService) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	req.Body = strings.TrimRight(req.Body, " \t\r\n")
	if req.Body == "" && req.Media == nil && req.Template == nil {
		return nil, fmt.Errorf("%w: message body is empty", apperrors.ErrInvalidInput)
	}

	contact, thread, err := s.resolveTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	if !contact.IsGroup() {
		blocked, err := s.store.IsBlocked(ctx, contact.Phone)
		if err != nil {
			return nil, fmt.Errorf("check blocklist: %w", err)
		}
		if blocked {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrRecipientBlocked, contact.Phone)
		}
	}

	now := s.now().UTC()
	if req.ActorID != nil && req.Body != "" {
		match, err := s.store.FindDuplicateMessage(ctx, storage.DuplicateQuery{
			ThreadID:  thread.ID,
			Direction: models.DirectionOutgoing,
			Content:   req.Body,
			ActorID:   req.ActorID,
			Around:    now,
			Window:    s.opts.DuplicateClickWindow,
			Recent:    3,
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("find duplicate send: %w", err)
		}
		if match != nil && match.Status != models.MessageStatusError && match.Status != models.MessageStatusFailed {
			s.log.Info().Uint("thread_id", thread.ID).Uint("message_id", match.ID).Msg("Ignoring repeated send")
			return &SendResult{
				Status:            SendStatusDuplicate,
				ThreadID:          thread.ID,
				MessageID:         match.ID,
				ExternalMessageID: match.ExternalID,
				GatewaySlug:       match.GatewaySlug,
			}, nil
		}
	}

	if thread.IsAltChannel() || (thread.LineID == nil && s.registry.HasAltGateways()) {
		return s.sendAlt(ctx, req, contact, thread, now)
	}
	return s.sendPrimary(ctx, req, contact, thread, now)
}

func (s *OutboundService) sendAlt(ctx context.Context, req SendRequest, contact *models.Contact, thread *models.Thread, now time.Time) (*SendResult, error) {
	recipient := strings.TrimPrefix(contact.Phone, models.GroupKeyPrefix)
	address := recipient
	if contact.IsGroup() && thread.GroupAddress() != "" {
		address = thread.GroupAddress()
	}

	release, err := s.takeSendLimits(ctx, req, recipient)
	if err != nil {
		metrics.SendTotal.WithLabelValues(PathAlt, "rate_limited").Inc()
		return nil, err
	}

	usage, err := s.usage.Snapshot(ctx)
	if err != nil {
		release()
		return nil, err
	}
	pinned, _, _ := ParseAltChannelID(thread.ChannelThreadID)

	message, err := s.saveOutgoing(ctx, thread, req, now)
	if err != nil {
		release()
		return nil, err
	}

	dispatched, _, err := s.router.Dispatch(ctx, DispatchRequest{
		Phone:      address,
		Body:       req.Body,
		Media:      req.Media,
		PinnedSlug: pinned,
	}, usage)
	if err != nil {
		release()
		metrics.SendTotal.WithLabelValues(PathAlt, "error").Inc()
		s.failOutgoing(ctx, message, dispatched.Attempts)
		return nil, err
	}
	s.usage.Record(dispatched.Slug)

	channel := BuildAltChannelID(dispatched.Slug, contact.Phone)
	if thread.ChannelThreadID != channel {
		previous := thread.ChannelThreadID
		thread.ChannelThreadID = channel
		if err := s.store.UpdateThread(ctx, thread); err != nil {
			thread.ChannelThreadID = previous
			if !errors.Is(err, storage.ErrDuplicate) {
				return nil, fmt.Errorf("update thread %d channel: %w", thread.ID, err)
			}
			s.log.Warn().Uint("thread_id", thread.ID).Str("channel", channel).Msg("Channel owned by another thread, keeping current")
		}
	}

	message.ExternalID = dispatched.ExternalID
	message.GatewaySlug = dispatched.Slug
	result := &SendResult{
		Status:            SendStatusSent,
		Path:              PathAlt,
		ThreadID:          thread.ID,
		ExternalMessageID: dispatched.ExternalID,
		GatewaySlug:       dispatched.Slug,
		Attempted:         dispatched.Attempts,
	}
	if err := s.completeOutgoing(ctx, thread, message, dispatched.Attempts, map[string]any{"gateway_instance": dispatched.Slug}); err != nil {
		return nil, err
	}
	result.MessageID = message.ID
	metrics.SendTotal.WithLabelValues(PathAlt, "sent").Inc()
	return result, nil
}

func (s *OutboundService) sendPrimary(ctx context.Context, req SendRequest, contact *models.Contact, thread *models.Thread, now time.Time) (*SendResult, error) {
	line, err := s.lineFor(ctx, thread)
	if err != nil {
		return nil, err
	}

	lastInbound, err := s.store.LastMessageAt(ctx, thread.ID, models.DirectionIncoming)
	if err != nil {
		return nil, fmt.Errorf("last inbound for thread %d: %w", thread.ID, err)
	}
	inSession := lastInbound != nil && now.Sub(*lastInbound) < s.opts.SessionWindow
	lineLimited := false
	if !inSession {
		if err := s.limiter.AllowLine(ctx, line); err != nil {
			metrics.SendTotal.WithLabelValues(PathPrimary, "rate_limited").Inc()
			return nil, err
		}
		lineLimited = line.RateLimitEnabled
	}
	releaseLine := func() {
		if !lineLimited {
			return
		}
		if err := s.limiter.Release(ctx, apperrors.ScopeLine, fmt.Sprintf("%d", line.ID)); err != nil {
			s.log.Warn().Err(err).Uint("line_id", line.ID).Msg("Failed to release line counter")
		}
	}

	sender, err := s.providers.For(line)
	if err != nil {
		releaseLine()
		return nil, err
	}

	message, err := s.saveOutgoing(ctx, thread, req, now)
	if err != nil {
		releaseLine()
		return nil, err
	}

	externalID, err := sender.Send(ctx, line, LineMessage{
		To:       contact.Phone,
		Body:     req.Body,
		Media:    NormalizeMedia(req.Media),
		Template: req.Template,
	})
	attempt := apperrors.Attempt{Slug: line.Label, Status: AttemptSent}
	if err != nil {
		releaseLine()
		attempt.Status = AttemptError
		attempt.Error = err.Error()
		metrics.SendTotal.WithLabelValues(PathPrimary, "error").Inc()
		s.failOutgoing(ctx, message, []apperrors.Attempt{attempt})
		return nil, &apperrors.DispatchFailedError{Attempts: []apperrors.Attempt{attempt}, LastError: err.Error()}
	}

	if thread.LineID == nil {
		lineID := line.ID
		thread.LineID = &lineID
	}
	message.ExternalID = externalID
	if err := s.completeOutgoing(ctx, thread, message, []apperrors.Attempt{attempt}, map[string]any{"line_label": line.Label}); err != nil {
		return nil, err
	}
	metrics.SendTotal.WithLabelValues(PathPrimary, "sent").Inc()
	lineID := line.ID
	return &SendResult{
		Status:            SendStatusSent,
		Path:              PathPrimary,
		ThreadID:          thread.ID,
		MessageID:         message.ID,
		ExternalMessageID: externalID,
		LineID:            &lineID,
		Attempted:         []apperrors.Attempt{attempt},
	}, nil
}

// takeSendLimits applies the per-number and per-campaign limiters to
// proactive or campaign sends. The returned func gives the units back.
func (s *OutboundService) takeSendLimits(ctx context.Context, req SendRequest, recipient string) (func(), error) {
	type taken struct{ scope, id string }
	var held []taken
	release := func() {
		for _, t := range held {
			if err := s.limiter.Release(ctx, t.scope, t.id); err != nil {
				s.log.Warn().Err(err).Str("scope", t.scope).Msg("Failed to release rate limit")
			}
		}
	}

	if !req.Proactive && req.CampaignKey == "" {
		return release, nil
	}
	if err := s.limiter.Allow(ctx, apperrors.ScopeNumber, recipient, s.opts.NumberWindow, s.opts.NumberLimit); err != nil {
		return release, err
	}
	held = append(held, taken{apperrors.ScopeNumber, recipient})

	if req.CampaignKey != "" {
		id := req.CampaignKey + ":" + recipient
		if err := s.limiter.Allow(ctx, apperrors.ScopeCampaign, id, s.opts.CampaignWindow, s.opts.CampaignLimit); err != nil {
			release()
			return func() {}, err
		}
		held = append(held, taken{apperrors.ScopeCampaign, id})
	}
	return release, nil
}

func (s *OutboundService) lineFor(ctx context.Context, thread *models.Thread) (*models.Line, error) {
	if thread.LineID != nil {
		line, err := s.store.GetLine(ctx, *thread.LineID)
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load line %d: %w", *thread.LineID, err)
		}
	}
	line, err := s.store.GetDefaultLine(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.ErrNoLine
	}
	if err != nil {
		return nil, fmt.Errorf("load default line: %w", err)
	}
	return line, nil
}

// resolveTarget loads the addressed thread, or finds or opens one for a phone
func (s *OutboundService) resolveTarget(ctx context.Context, req SendRequest) (*models.Contact, *models.Thread, error) {
	if req.ThreadID != 0 {
		thread, err := s.store.GetThread(ctx, req.ThreadID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %d", apperrors.ErrThreadNotFound, req.ThreadID)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("load thread %d: %w", req.ThreadID, err)
		}
		contact, err := s.store.GetContact(ctx, thread.ContactID)
		if err != nil {
			return nil, nil, fmt.Errorf("load contact %d: %w", thread.ContactID, err)
		}
		return contact, thread, nil
	}

	phone := s.ingest.identity.NormalizeDigits(req.Phone)
	if !IsLikelyPhone(phone) {
		return nil, nil, fmt.Errorf("%w: %q is not a phone number", apperrors.ErrInvalidInput, req.Phone)
	}
	conv := conversation{key: phone, phone: phone}
	contact, err := s.ingest.resolveContact(ctx, conv)
	if err != nil {
		return nil, nil, err
	}

	thread, err := s.store.FindLatestThreadByContact(ctx, contact.ID, nil)
	if err == nil {
		return contact, thread, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("find thread for contact %d: %w", contact.ID, err)
	}

	thread = &models.Thread{
		ContactID: contact.ID,
		Queue:     models.QueueArrival,
		Status:    models.ThreadStatusOpen,
		ChatType:  models.ChatTypeDirect,
	}
	if slug := s.registry.DefaultSlug(); slug != "" {
		thread.ChannelThreadID = BuildAltChannelID(slug, phone)
	} else {
		thread.ChannelThreadID = ContactChannelID(phone)
	}
	if err := s.store.CreateThread(ctx, thread); err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			return nil, nil, fmt.Errorf("create thread: %w", err)
		}
		thread, err = s.store.GetThreadByChannel(ctx, thread.ChannelThreadID)
		if err != nil {
			return nil, nil, fmt.Errorf("re-fetch thread: %w", err)
		}
	}
	return contact, thread, nil
}

// saveOutgoing stores the message as saving before anything leaves, so a
// second click finds it
func (s *OutboundService) saveOutgoing(ctx context.Context, thread *models.Thread, req SendRequest, now time.Time) (*models.Message, error) {
	messageType := models.MessageTypeText
	var media map[string]any
	if req.Media != nil {
		normalized := NormalizeMedia(req.Media)
		media = normalized.AsMap()
		messageType = normalizeMessageType(normalized.Type, media)
	}
	message := &models.Message{
		ThreadID:    thread.ID,
		Direction:   models.DirectionOutgoing,
		MessageType: messageType,
		Content:     req.Body,
		Status:      models.MessageStatusSaving,
		ActorID:     req.ActorID,
		SentAt:      now,
		Metadata: models.FilterMessageMetadata(map[string]any{
			"campaign_key": req.CampaignKey,
			"media":        media,
		}),
	}
	if err := s.store.CreateMessage(ctx, message); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return message, nil
}

func (s *OutboundService) failOutgoing(ctx context.Context, message *models.Message, attempts []apperrors.Attempt) {
	message.Status = models.MessageStatusError
	message.Metadata = models.MergeMessageMetadata(message.Metadata, map[string]any{"attempted": attemptsMeta(attempts)})
	if err := s.store.UpdateMessage(ctx, message); err != nil {
		s.log.Error().Err(err).Uint("message_id", message.ID).Msg("Failed to mark message as error")
	}
}

func (s *OutboundService) completeOutgoing(ctx context.Context, thread *models.Thread, message *models.Message, attempts []apperrors.Attempt, extra map[string]any) error {
	message.Status = models.MessageStatusSent
	patch := map[string]any{"attempted": attemptsMeta(attempts)}
	for k, v := range extra {
		patch[k] = v
	}
	message.Metadata = models.MergeMessageMetadata(message.Metadata, patch)
	if err := s.store.UpdateMessage(ctx, message); err != nil {
		if !errors.Is(err, storage.ErrDuplicate) {
			return fmt.Errorf("update message %d: %w", message.ID, err)
		}
		// an echo already carries this external id
		message.ExternalID = ""
		if err := s.store.UpdateMessage(ctx, message); err != nil {
			return fmt.Errorf("update message %d: %w", message.ID, err)
		}
	}

	if s.opts.RetainLimit > 0 {
		if _, err := s.store.PruneMessages(ctx, thread.ID, s.opts.RetainLimit); err != nil {
			s.log.Warn().Err(err).Uint("thread_id", thread.ID).Msg("Failed to prune messages")
		}
	}
	advancePreview(thread, message)
	if err := s.store.UpdateThread(ctx, thread); err != nil {
		return fmt.Errorf("update thread %d: %w", thread.ID, err)
	}

	if err := s.publisher.Publish(ctx, events.MessageSent, MessageEvent{
		ThreadID:  thread.ID,
		MessageID: message.ID,
		ContactID: thread.ContactID,
		Direction: models.DirectionOutgoing,
		Gateway:   message.GatewaySlug,
		Queue:     thread.Queue,
		Preview:   thread.LastMessagePreview,
	}); err != nil {
		s.log.Warn().Err(err).Str("event", events.MessageSent).Msg("Failed to publish event")
	}
	return nil
}

func attemptsMeta(attempts []apperrors.Attempt) []any {
	out := make([]any, 0, len(attempts))
	for _, a := range attempts {
		entry := map[string]any{"slug": a.Slug, "status": a.Status}
		if a.Error != "" {
			entry["error"] = a.Error
		}
		if a.HTTPStatus != 0 {
			entry["http_status"] = a.HTTPStatus
		}
		out = append(out, entry)
	}
	return out
}
