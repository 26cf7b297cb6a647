package ratelimit

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Ananth-NQI/wa-relay/internal/models"
)

// DatabaseCounter persists counters in the rate_limit_states table. Each Hit
// runs in a transaction holding a row lock on the key.
type DatabaseCounter struct {
	db *gorm.DB
}

// NewDatabaseCounter creates a counter store on an open gorm connection
func NewDatabaseCounter(db *gorm.DB) *DatabaseCounter {
	return &DatabaseCounter{db: db}
}

func (d *DatabaseCounter) Hit(ctx context.Context, key string, window time.Duration, max int, now time.Time) (Decision, error) {
	var decision Decision
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// make sure the row exists so there is something to lock
		seed := models.RateLimitState{Key: key}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		var state models.RateLimitState
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("key = ?", key).
			First(&state).Error; err != nil {
			return err
		}

		next, outcome := evaluate(state, window, max, now)
		decision = outcome
		if !outcome.Allowed && next.WindowStartedAt.Equal(state.WindowStartedAt) {
			return nil
		}
		return tx.Model(&models.RateLimitState{}).
			Where("key = ?", key).
			Updates(map[string]any{
				"window_started_at": next.WindowStartedAt,
				"count":             next.Count,
				"updated_at":        now,
			}).Error
	})
	return decision, err
}

func (d *DatabaseCounter) Release(ctx context.Context, key string) error {
	return d.db.WithContext(ctx).Model(&models.RateLimitState{}).
		Where("key = ? AND count > 0", key).
		UpdateColumn("count", gorm.Expr("count - 1")).Error
}
