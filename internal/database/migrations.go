package database

import (
	"errors"
	"time"

	"github.com/JayPonda/TeliScript/internal/ingest"
	"github.com/JayPonda/TeliScript/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMessageFingerprints = "2026-05-11_backfill_message_fingerprints"
	migrationRecountChannelTotals        = "2026-05-11_recount_channel_totals"
)

const backfillBatchSize = 500

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillMessageFingerprints, apply: backfillMessageFingerprints},
		{name: migrationRecountChannelTotals, apply: recountChannelTotals},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillMessageFingerprints computes the dedup hash for rows imported
// before fingerprints existed so the index no longer has to derive them on
// every load.
func backfillMessageFingerprints(db *gorm.DB) error {
	var rows []store.Message
	return db.Select("id", "channel_id", "message_id", "datetime_utc", "message_hash").
		Where("message_hash IS NULL OR message_hash = ''").
		FindInBatches(&rows, backfillBatchSize, func(tx *gorm.DB, _ int) error {
			for _, row := range rows {
				fingerprint := ingest.Fingerprint(row.ChannelID, row.MessageID, row.DatetimeUTC)
				if err := tx.Model(&store.Message{}).
					Where("id = ?", row.ID).
					Update("message_hash", fingerprint).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}

func recountChannelTotals(db *gorm.DB) error {
	return db.Exec(`UPDATE channels SET total_messages = (
		SELECT COUNT(*) FROM messages WHERE messages.channel_id = channels.channel_id
	)`).Error
}
