package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

var _ Store = (*DatabaseStore)(nil)

// DatabaseStore implements Store on top of gorm/PostgreSQL. Uniqueness is
// enforced by the schema; the gorm connection must be opened with
// TranslateError so violations surface as gorm.ErrDuplicatedKey.
type DatabaseStore struct {
	db *gorm.DB
}

// NewDatabaseStore wraps an open gorm connection
func NewDatabaseStore(db *gorm.DB) *DatabaseStore {
	return &DatabaseStore{db: db}
}

// translate maps gorm errors onto the storage sentinels
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}

// Contact operations
func (d *DatabaseStore) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	var contact models.Contact
	if err := d.db.WithContext(ctx).First(&contact, id).Error; err != nil {
		return nil, translate(err)
	}
	return &contact, nil
}

func (d *DatabaseStore) GetContactByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	var contact models.Contact
	if err := d.db.WithContext(ctx).Where("phone = ?", phone).First(&contact).Error; err != nil {
		return nil, translate(err)
	}
	return &contact, nil
}

func (d *DatabaseStore) CreateContact(ctx context.Context, contact *models.Contact) error {
	return translate(d.db.WithContext(ctx).Create(contact).Error)
}

func (d *DatabaseStore) UpdateContact(ctx context.Context, contact *models.Contact) error {
	return translate(d.db.WithContext(ctx).Save(contact).Error)
}

func (d *DatabaseStore) TouchContactInteraction(ctx context.Context, id uint, at time.Time) error {
	return translate(d.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ?", id).
		Update("last_interaction_at", at).Error)
}

// Thread operations
func (d *DatabaseStore) GetThread(ctx context.Context, id uint) (*models.Thread, error) {
	var thread models.Thread
	if err := d.db.WithContext(ctx).First(&thread, id).Error; err != nil {
		return nil, translate(err)
	}
	return &thread, nil
}

func (d *DatabaseStore) GetThreadByChannel(ctx context.Context, channelThreadID string) (*models.Thread, error) {
	var thread models.Thread
	if err := d.db.WithContext(ctx).Where("channel_thread_id = ?", channelThreadID).First(&thread).Error; err != nil {
		return nil, translate(err)
	}
	return &thread, nil
}

func (d *DatabaseStore) FindLatestThreadByContact(ctx context.Context, contactID uint, lineID *uint) (*models.Thread, error) {
	var thread models.Thread
	query := d.db.WithContext(ctx).Where("contact_id = ?", contactID)
	if lineID != nil {
		query = query.Where("line_id = ?", *lineID)
	}
	if err := query.Order("id DESC").First(&thread).Error; err != nil {
		return nil, translate(err)
	}
	return &thread, nil
}

func (d *DatabaseStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	return translate(d.db.WithContext(ctx).Create(thread).Error)
}

// UpdateThread saves every column except the unread counter, which only
// moves through IncrementUnread and ResetUnread.
func (d *DatabaseStore) UpdateThread(ctx context.Context, thread *models.Thread) error {
	return translate(d.db.WithContext(ctx).Omit("unread_count", "created_at").Save(thread).Error)
}

func (d *DatabaseStore) IncrementUnread(ctx context.Context, id uint) error {
	return translate(d.db.WithContext(ctx).Model(&models.Thread{}).
		Where("id = ?", id).
		UpdateColumn("unread_count", gorm.Expr("unread_count + 1")).Error)
}

func (d *DatabaseStore) ResetUnread(ctx context.Context, id uint) error {
	return translate(d.db.WithContext(ctx).Model(&models.Thread{}).
		Where("id = ?", id).
		UpdateColumn("unread_count", 0).Error)
}

func (d *DatabaseStore) ListThreadsByQueue(ctx context.Context, queue string, limit int) ([]*models.Thread, error) {
	var threads []*models.Thread
	query := d.db.WithContext(ctx).
		Where("queue = ?", queue).
		Order("COALESCE(last_message_at, updated_at) DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&threads).Error; err != nil {
		return nil, translate(err)
	}
	return threads, nil
}

func (d *DatabaseStore) CountThreadsByQueue(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Queue string
		Total int64
	}
	err := d.db.WithContext(ctx).Model(&models.Thread{}).
		Select("queue, COUNT(*) AS total").
		Group("queue").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Queue] = row.Total
	}
	return counts, nil
}

func (d *DatabaseStore) ListInactiveThreads(ctx context.Context, before time.Time, limit int) ([]*models.Thread, error) {
	var threads []*models.Thread
	query := d.db.WithContext(ctx).
		Where("status <> ?", models.ThreadStatusClosed).
		Where("COALESCE(last_message_at, updated_at) < ?", before).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&threads).Error; err != nil {
		return nil, translate(err)
	}
	return threads, nil
}

// Message operations
func (d *DatabaseStore) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var message models.Message
	if err := d.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return nil, translate(err)
	}
	return &message, nil
}

func (d *DatabaseStore) GetMessageByExternalID(ctx context.Context, externalID string) (*models.Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	var message models.Message
	if err := d.db.WithContext(ctx).Where("external_id = ?", externalID).Order("id ASC").First(&message).Error; err != nil {
		return nil, translate(err)
	}
	return &message, nil
}

func (d *DatabaseStore) GetThreadMessageByExternalID(ctx context.Context, threadID uint, externalID string) (*models.Message, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	var message models.Message
	err := d.db.WithContext(ctx).
		Where("thread_id = ? AND external_id = ?", threadID, externalID).
		First(&message).Error
	if err != nil {
		return nil, translate(err)
	}
	return &message, nil
}

func (d *DatabaseStore) CreateMessage(ctx context.Context, message *models.Message) error {
	if message.SentAt.IsZero() {
		message.SentAt = time.Now()
	}
	return translate(d.db.WithContext(ctx).Create(message).Error)
}

func (d *DatabaseStore) UpdateMessage(ctx context.Context, message *models.Message) error {
	return translate(d.db.WithContext(ctx).Omit("created_at").Save(message).Error)
}

func (d *DatabaseStore) FindDuplicateMessage(ctx context.Context, q DuplicateQuery) (*models.Message, error) {
	var candidates []*models.Message
	query := d.db.WithContext(ctx).
		Where("thread_id = ? AND direction = ?", q.ThreadID, q.Direction).
		Order("sent_at DESC, id DESC")
	if q.Recent > 0 {
		query = query.Limit(q.Recent)
	} else {
		query = query.Where("sent_at BETWEEN ? AND ?", q.Around.Add(-q.Window), q.Around.Add(q.Window))
	}
	if err := query.Find(&candidates).Error; err != nil {
		return nil, translate(err)
	}
	for _, message := range candidates {
		if matchesDuplicate(message, q) {
			return message, nil
		}
	}
	return nil, ErrNotFound
}

func (d *DatabaseStore) ListRecentMessages(ctx context.Context, threadID uint, limit int) ([]*models.Message, error) {
	var messages []*models.Message
	query := d.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("sent_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&messages).Error; err != nil {
		return nil, translate(err)
	}
	return messages, nil
}

func (d *DatabaseStore) LastMessageAt(ctx context.Context, threadID uint, direction string) (*time.Time, error) {
	var message models.Message
	query := d.db.WithContext(ctx).Select("sent_at").Where("thread_id = ?", threadID)
	if direction != "" {
		query = query.Where("direction = ?", direction)
	}
	err := query.Order("sent_at DESC").First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &message.SentAt, nil
}

// PruneMessages keeps the newest rows of a thread and hard-deletes the rest
func (d *DatabaseStore) PruneMessages(ctx context.Context, threadID uint, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	keepIDs := d.db.Model(&models.Message{}).
		Select("id").
		Where("thread_id = ?", threadID).
		Order("sent_at DESC, id DESC").
		Limit(keep)
	result := d.db.WithContext(ctx).
		Where("thread_id = ? AND id NOT IN (?)", threadID, keepIDs).
		Delete(&models.Message{})
	return result.RowsAffected, translate(result.Error)
}

func (d *DatabaseStore) CountOutgoingByGatewaySince(ctx context.Context, since time.Time) (map[string]int, error) {
	var rows []struct {
		GatewaySlug string
		Total       int
	}
	err := d.db.WithContext(ctx).Model(&models.Message{}).
		Select("gateway_slug, COUNT(*) AS total").
		Where("direction = ? AND gateway_slug <> '' AND sent_at >= ?", models.DirectionOutgoing, since).
		Where("status NOT IN ?", []string{models.MessageStatusError, models.MessageStatusFailed}).
		Group("gateway_slug").
		Scan(&rows).Error
	if err != nil {
		return nil, translate(err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.GatewaySlug] = row.Total
	}
	return counts, nil
}

// Line operations
func (d *DatabaseStore) GetLine(ctx context.Context, id uint) (*models.Line, error) {
	var line models.Line
	if err := d.db.WithContext(ctx).First(&line, id).Error; err != nil {
		return nil, translate(err)
	}
	return &line, nil
}

func (d *DatabaseStore) GetDefaultLine(ctx context.Context) (*models.Line, error) {
	var line models.Line
	err := d.db.WithContext(ctx).Order("is_default DESC, id ASC").First(&line).Error
	if err != nil {
		return nil, translate(err)
	}
	return &line, nil
}

func (d *DatabaseStore) ListLines(ctx context.Context) ([]*models.Line, error) {
	var lines []*models.Line
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&lines).Error; err != nil {
		return nil, translate(err)
	}
	return lines, nil
}

func (d *DatabaseStore) UpsertLine(ctx context.Context, line *models.Line) error {
	return translate(d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "label"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider", "sender_id", "access_token", "api_base_url", "is_default",
			"rate_limit_enabled", "rate_limit_window_seconds", "rate_limit_max_messages", "updated_at",
		}),
	}).Create(line).Error)
}

// Blocklist operations
func (d *DatabaseStore) IsBlocked(ctx context.Context, phone string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&models.BlockedNumber{}).Where("phone = ?", phone).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *DatabaseStore) BlockNumber(ctx context.Context, entry *models.BlockedNumber) error {
	return translate(d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "phone"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason"}),
	}).Create(entry).Error)
}

func (d *DatabaseStore) UnblockNumber(ctx context.Context, phone string) error {
	result := d.db.WithContext(ctx).Where("phone = ?", phone).Delete(&models.BlockedNumber{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DatabaseStore) ListBlocked(ctx context.Context) ([]*models.BlockedNumber, error) {
	var entries []*models.BlockedNumber
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, translate(err)
	}
	return entries, nil
}

func (d *DatabaseStore) RecordBlockedInbound(ctx context.Context, entry *models.BlockedInbound) error {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now()
	}
	return translate(d.db.WithContext(ctx).Create(entry).Error)
}

func (d *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
