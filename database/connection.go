package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Ananth-NQI/wa-relay/internal/config"
	"github.com/Ananth-NQI/wa-relay/internal/logger"
	"github.com/Ananth-NQI/wa-relay/internal/models"
)

// DSN builds the PostgreSQL connection string. On Cloud Run the connection
// goes through the Cloud SQL unix socket.
func DSN(cfg *config.Config) string {
	if cfg.InstanceConnectionName != "" {
		return fmt.Sprintf("host=/cloudsql/%s user=%s password=%s dbname=%s sslmode=disable",
			cfg.InstanceConnectionName, cfg.DBUser, cfg.DBPass, cfg.DBName)
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		cfg.DBHost, cfg.DBUser, cfg.DBPass, cfg.DBName, cfg.DBPort)
}

// Connect opens the database. Unique violations are
// translated to gorm.ErrDuplicatedKey so the store can recover from races.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	log := logger.GetLogger()

	if cfg.InstanceConnectionName != "" {
		log.Info().Str("instance", cfg.InstanceConnectionName).Msg("connecting to Cloud SQL via socket")
	} else {
		log.Info().Str("host", cfg.DBHost).Msg("connecting to PostgreSQL")
	}

	db, err := gorm.Open(postgres.Open(DSN(cfg)), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	log.Info().Msg("database connected")
	return db, nil
}

// Migrate creates or updates every table the relay owns
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Contact{},
		&models.Thread{},
		&models.Message{},
		&models.Line{},
		&models.BlockedNumber{},
		&models.BlockedInbound{},
		&models.RateLimitState{},
	)
}
