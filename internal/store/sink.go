package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const historyBatchSize = 500

// Backup is the relational sink. Appends are idempotent per fingerprint: a
// record whose message_hash already exists is silently skipped and does not
// count toward the returned total. This sink is the authoritative one: it is
// written first in sink order and the fingerprint index is rebuilt from it
// after a crash between sink commits.
type Backup struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// BackupConfig describes the dependencies of the relational sink.
type BackupConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewBackup constructs the relational sink.
func NewBackup(cfg BackupConfig) (*Backup, error) {
	if cfg.Database == nil {
		return nil, errors.New("store: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backup{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Name identifies the sink in logs and errors.
func (b *Backup) Name() string {
	return "sqlite"
}

// AppendBatch inserts the records that are not yet present, stamps their
// persistence timestamp, bumps the channel's last_backup_timestamp and
// recounts its total. Safe to call repeatedly with overlapping inputs.
func (b *Backup) AppendBatch(ctx context.Context, records []Message, channelName string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := b.clock().UTC().Format(TimestampLayout)
	channelID := records[0].ChannelID
	inserted := 0

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range records {
			record := records[i]
			record.ID = 0
			record.BackupTimestamp = now
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "message_hash"}},
				DoNothing: true,
			}).Create(&record)
			if result.Error != nil {
				return fmt.Errorf("inserting message %s: %w", record.MessageID, result.Error)
			}
			inserted += int(result.RowsAffected)
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}},
			DoNothing: true,
		}).Create(&Channel{
			ChannelID:           channelID,
			ChannelName:         channelName,
			LastBackupTimestamp: now,
		}).Error; err != nil {
			return fmt.Errorf("ensuring channel row: %w", err)
		}

		if err := tx.Model(&Channel{}).
			Where("channel_id = ?", channelID).
			Updates(map[string]any{
				"last_backup_timestamp": now,
				"channel_name":          channelName,
			}).Error; err != nil {
			return fmt.Errorf("updating backup timestamp: %w", err)
		}

		return recountChannelTotal(tx, channelID)
	})
	if err != nil {
		return 0, fmt.Errorf("store: appending batch for %s: %w", channelName, err)
	}

	b.logger.Debug("batch appended",
		zap.String("channel", channelName),
		zap.Int("offered", len(records)),
		zap.Int("inserted", inserted))
	return inserted, nil
}

func recountChannelTotal(tx *gorm.DB, channelID string) error {
	return tx.Model(&Channel{}).
		Where("channel_id = ?", channelID).
		Update("total_messages", tx.Model(&Message{}).
			Select("COUNT(*)").
			Where("channel_id = ?", channelID)).Error
}

// UpdateChannelProgress upserts the channel's fetch state machine columns,
// creating the channel row when absent.
func (b *Backup) UpdateChannelProgress(ctx context.Context, progress ChannelProgress) error {
	id, err := NewChannelID(progress.ChannelID)
	if err != nil {
		return err
	}
	name, err := NewChannelName(progress.ChannelName)
	if err != nil {
		return err
	}
	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}},
			DoNothing: true,
		}).Create(&Channel{
			ChannelID:   id.String(),
			ChannelName: name.String(),
		}).Error; err != nil {
			return err
		}
		return tx.Model(&Channel{}).
			Where("channel_id = ?", id.String()).
			Updates(map[string]any{
				"fetchstatus":      string(progress.Status),
				"fetchedStartedAt": progress.StartedAt,
				"fetchedEndedAt":   progress.EndedAt,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("store: updating progress for %s: %w", name, err)
	}
	return nil
}

// ReadAllFingerprintableRecords streams every persisted message's dedup
// projection, in primary key order, for index rebuilds.
func (b *Backup) ReadAllFingerprintableRecords(ctx context.Context, visit func(HistoryRecord) error) error {
	var rows []Message
	result := b.db.WithContext(ctx).
		Select("id", "channel_id", "message_id", "datetime_utc", "message_hash").
		FindInBatches(&rows, historyBatchSize, func(_ *gorm.DB, _ int) error {
			for _, row := range rows {
				if err := visit(HistoryRecord{
					ChannelID:   row.ChannelID,
					MessageID:   row.MessageID,
					DatetimeUTC: row.DatetimeUTC,
					Fingerprint: row.MessageHash,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	if result.Error != nil {
		return fmt.Errorf("store: scanning message history: %w", result.Error)
	}
	return nil
}

// EnsureChannel creates the channel row on first observation, seeding its
// last_backup_timestamp so the first run has a bounded window. Returns true
// when a new row was created.
func (b *Backup) EnsureChannel(ctx context.Context, channelID, channelName, seedTimestamp string) (bool, error) {
	id, err := NewChannelID(channelID)
	if err != nil {
		return false, err
	}
	name, err := NewChannelName(channelName)
	if err != nil {
		return false, err
	}
	result := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}},
		DoNothing: true,
	}).Create(&Channel{
		ChannelID:           id.String(),
		ChannelName:         name.String(),
		LastBackupTimestamp: seedTimestamp,
		FetchStatus:         string(FetchStatusIdle),
	})
	if result.Error != nil {
		return false, fmt.Errorf("store: ensuring channel %s: %w", name, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// LastBackupTimestamp returns the stored progress timestamp for a channel,
// empty when the channel has never completed a backup.
func (b *Backup) LastBackupTimestamp(ctx context.Context, channelID string) (string, error) {
	var channel Channel
	err := b.db.WithContext(ctx).Where("channel_id = ?", channelID).Take(&channel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: reading backup timestamp: %w", err)
	}
	return channel.LastBackupTimestamp, nil
}

// TotalMessages counts every persisted message across channels.
func (b *Backup) TotalMessages(ctx context.Context) (int64, error) {
	var total int64
	if err := b.db.WithContext(ctx).Model(&Message{}).Count(&total).Error; err != nil {
		return 0, fmt.Errorf("store: counting messages: %w", err)
	}
	return total, nil
}
