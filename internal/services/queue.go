package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ananth-NQI/wa-relay/internal/apperrors"
	"github.com/Ananth-NQI/wa-relay/internal/events"
	"github.com/Ananth-NQI/wa-relay/internal/metrics"
	"github.com/Ananth-NQI/wa-relay/internal/models"
	"github.com/Ananth-NQI/wa-relay/internal/storage"
)

// queueTransitions lists the staff-initiated moves. Staying in the same
// queue is always allowed; concluidos only reopens through inbound traffic.
var queueTransitions = map[string][]string{
	models.QueueArrival:    {models.QueueScheduled, models.QueuePartner, models.QueueReminder, models.QueueGroups, models.QueueConcluidos},
	models.QueueScheduled:  {models.QueueArrival},
	models.QueuePartner:    {models.QueueArrival, models.QueueConcluidos},
	models.QueueReminder:   {models.QueueArrival},
	models.QueueGroups:     {models.QueueConcluidos},
	models.QueueConcluidos: {},
}

// CanTransition reports whether a thread may move from one queue to another
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, allowed := range queueTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// QueueOptions carries the extra fields some targets take
type QueueOptions struct {
	ScheduledFor  *time.Time
	PartnerID     *uint
	IntakeSummary string
}

// QueueChange is the payload of thread.queue_changed
type QueueChange struct {
	ThreadID uint   `json:"thread_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Status   string `json:"status"`
}

type QueueService struct {
	store     storage.Store
	publisher events.Publisher
	log       zerolog.Logger
	now       func() time.Time
}

func NewQueueService(store storage.Store, publisher events.Publisher, log zerolog.Logger) *QueueService {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &QueueService{
		store:     store,
		publisher: publisher,
		log:       log.With().Str("component", "queue").Logger(),
		now:       time.Now,
	}
}

// WithClock replaces the time source
func (s *QueueService) WithClock(now func() time.Time) *QueueService {
	s.now = now
	return s
}

// UpdateQueue moves a thread to target, applying the side effects of the
// queue it leaves and the one it enters
func (s *QueueService) UpdateQueue(ctx context.Context, threadID uint, target string, opts QueueOptions) (*models.Thread, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !models.IsValidQueue(target) {
		return nil, apperrors.NewInvalidQueueTransition(threadID, thread.Queue, target, "unknown queue")
	}
	if !CanTransition(thread.Queue, target) {
		return nil, apperrors.NewInvalidQueueTransition(threadID, thread.Queue, target, "")
	}
	if target == models.QueueConcluidos {
		return s.CloseThread(ctx, threadID)
	}
	if thread.IsGroup() && target != models.QueueGroups {
		return nil, apperrors.NewInvalidQueueTransition(threadID, thread.Queue, target, "group threads stay in groups")
	}

	from := thread.Queue
	switch target {
	case models.QueueScheduled:
		if opts.ScheduledFor == nil || !opts.ScheduledFor.After(s.now()) {
			return nil, apperrors.NewInvalidQueueTransition(threadID, from, target, "scheduled_for must be in the future")
		}
		at := opts.ScheduledFor.UTC()
		thread.ScheduledFor = &at
		thread.Status = models.ThreadStatusWaiting
		thread.AssignedUserID = nil
	case models.QueuePartner:
		if opts.PartnerID != nil {
			thread.PartnerID = opts.PartnerID
		}
		thread.AssignedUserID = nil
	case models.QueueReminder:
		thread.AssignedUserID = nil
	case models.QueueArrival:
		if thread.Status == models.ThreadStatusWaiting {
			thread.Status = models.ThreadStatusOpen
		}
	}

	if from == models.QueueScheduled && target != models.QueueScheduled {
		thread.ScheduledFor = nil
	}
	if from == models.QueuePartner && target != models.QueuePartner {
		thread.PartnerID = nil
	}
	if opts.IntakeSummary != "" {
		thread.IntakeSummary = opts.IntakeSummary
	}
	thread.Queue = target

	if err := s.store.UpdateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("update thread %d: %w", threadID, err)
	}

	s.log.Info().Uint("thread_id", threadID).Str("from", from).Str("to", target).Msg("Thread queue updated")
	s.publish(ctx, events.ThreadQueueChanged, QueueChange{ThreadID: threadID, From: from, To: target, Status: thread.Status})
	return thread, nil
}

// CloseThread finishes a thread. Closing an already closed thread is a no-op.
func (s *QueueService) CloseThread(ctx context.Context, threadID uint) (*models.Thread, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.Status == models.ThreadStatusClosed && thread.Queue == models.QueueConcluidos {
		return thread, nil
	}

	from := thread.Queue
	closeThread(thread, s.now())
	if err := s.store.UpdateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("close thread %d: %w", threadID, err)
	}

	s.log.Info().Uint("thread_id", threadID).Str("from", from).Msg("Thread closed")
	s.publish(ctx, events.ThreadClosed, QueueChange{ThreadID: threadID, From: from, To: models.QueueConcluidos, Status: thread.Status})
	return thread, nil
}

// UpdateStatus sets the staff-facing status. Closed threads are not reopened
// here; only an inbound message brings them back.
func (s *QueueService) UpdateStatus(ctx context.Context, threadID uint, status string) (*models.Thread, error) {
	switch status {
	case models.ThreadStatusClosed:
		return s.CloseThread(ctx, threadID)
	case models.ThreadStatusOpen, models.ThreadStatusWaiting:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidInput, status)
	}

	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.IsClosed() {
		return nil, apperrors.NewInvalidQueueTransition(threadID, thread.Queue, thread.Queue, "closed threads reopen on the next inbound message")
	}
	if thread.Status == status {
		return thread, nil
	}
	thread.Status = status
	if err := s.store.UpdateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("update thread %d: %w", threadID, err)
	}
	return thread, nil
}

// AssignThread sets or clears (userID nil) the staff member handling a thread
func (s *QueueService) AssignThread(ctx context.Context, threadID uint, userID *uint) (*models.Thread, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.IsGroup() {
		return nil, apperrors.NewInvalidQueueTransition(threadID, thread.Queue, thread.Queue, "group threads cannot be assigned")
	}
	thread.AssignedUserID = userID
	if err := s.store.UpdateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("assign thread %d: %w", threadID, err)
	}
	return thread, nil
}

// MarkRead clears the unread counter
func (s *QueueService) MarkRead(ctx context.Context, threadID uint) error {
	if _, err := s.loadThread(ctx, threadID); err != nil {
		return err
	}
	return s.store.ResetUnread(ctx, threadID)
}

// ArchiveInactive closes open threads without messages since now-inactivity,
// batch threads at a time, and returns how many were closed
func (s *QueueService) ArchiveInactive(ctx context.Context, now time.Time, inactivity time.Duration, batch int) (int, error) {
	if batch <= 0 {
		batch = 200
	}
	cutoff := now.Add(-inactivity)
	archived := 0
	for {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		threads, err := s.store.ListInactiveThreads(ctx, cutoff, batch)
		if err != nil {
			return archived, fmt.Errorf("list inactive threads: %w", err)
		}
		for _, thread := range threads {
			closeThread(thread, now)
			if err := s.store.UpdateThread(ctx, thread); err != nil {
				return archived, fmt.Errorf("archive thread %d: %w", thread.ID, err)
			}
			archived++
		}
		if len(threads) < batch {
			break
		}
	}
	if archived > 0 {
		metrics.ThreadsArchived.Add(float64(archived))
		s.log.Info().Int("archived", archived).Time("cutoff", cutoff).Msg("Inactive threads archived")
	}
	return archived, nil
}

// Reconcile applies the write-path rules to a thread in place and reports
// whether anything changed. With reopen set, a closed thread goes back to
// arrival. Group threads are always pinned to the groups queue.
func Reconcile(thread *models.Thread, reopen bool) bool {
	changed := false

	if reopen && thread.IsClosed() {
		thread.Status = models.ThreadStatusOpen
		thread.Queue = models.QueueArrival
		thread.AssignedUserID = nil
		thread.ClosedAt = nil
		changed = true
	}

	if thread.IsGroup() && thread.Queue != models.QueueGroups && thread.Queue != models.QueueConcluidos {
		thread.Queue = models.QueueGroups
		thread.Status = models.ThreadStatusOpen
		thread.AssignedUserID = nil
		thread.ScheduledFor = nil
		thread.PartnerID = nil
		thread.ResponsibleUserID = nil
		changed = true
	}

	return changed
}

func closeThread(thread *models.Thread, at time.Time) {
	closedAt := at.UTC()
	thread.Status = models.ThreadStatusClosed
	thread.Queue = models.QueueConcluidos
	thread.ClosedAt = &closedAt
	thread.ScheduledFor = nil
}

func (s *QueueService) loadThread(ctx context.Context, threadID uint) (*models.Thread, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", apperrors.ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %d: %w", threadID, err)
	}
	return thread, nil
}

func (s *QueueService) publish(ctx context.Context, eventType string, payload any) {
	if err := s.publisher.Publish(ctx, eventType, payload); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}
