package database

import (
	"path/filepath"
	"testing"

	"github.com/JayPonda/TeliScript/internal/ingest"
	"github.com/JayPonda/TeliScript/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openBareDatabase(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&store.Message{}, &store.Channel{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestOpenSQLiteCreatesDirectoryAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "backup.db")
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	for _, table := range []string{"messages", "channels", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	var applied int64
	if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", applied)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected an error for an empty path")
	}
}

func TestBackfillMessageFingerprints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.db")
	db := openBareDatabase(t, path)

	// Legacy rows have no fingerprint; newer rows must be left alone.
	legacy := store.Message{
		ChannelID:   "ch-1",
		ChannelName: "News",
		MessageID:   "10",
		DatetimeUTC: "2026-04-01T10:00:00Z",
	}
	modern := store.Message{
		ChannelID:   "ch-1",
		ChannelName: "News",
		MessageID:   "11",
		DatetimeUTC: "2026-04-02T10:00:00Z",
		MessageHash: "already-present",
	}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed legacy row: %v", err)
	}
	if err := db.Create(&modern).Error; err != nil {
		t.Fatalf("failed to seed modern row: %v", err)
	}

	if err := backfillMessageFingerprints(db); err != nil {
		t.Fatalf("unexpected backfill error: %v", err)
	}

	var rows []store.Message
	if err := db.Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("failed to reload rows: %v", err)
	}
	expected := ingest.Fingerprint("ch-1", "10", "2026-04-01T10:00:00Z")
	if rows[0].MessageHash != expected {
		t.Fatalf("expected backfilled fingerprint %q, got %q", expected, rows[0].MessageHash)
	}
	if rows[1].MessageHash != "already-present" {
		t.Fatalf("existing fingerprint must not change, got %q", rows[1].MessageHash)
	}
}

func TestRecountChannelTotals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.db")
	db := openBareDatabase(t, path)

	for _, messageID := range []string{"1", "2", "3"} {
		message := store.Message{
			ChannelID:   "ch-1",
			ChannelName: "News",
			MessageID:   messageID,
			DatetimeUTC: "2026-04-01T10:00:00Z",
			MessageHash: "hash-" + messageID,
		}
		if err := db.Create(&message).Error; err != nil {
			t.Fatalf("failed to seed message: %v", err)
		}
	}
	if err := db.Create(&store.Channel{ChannelID: "ch-1", ChannelName: "News", TotalMessages: 99}).Error; err != nil {
		t.Fatalf("failed to seed channel: %v", err)
	}
	if err := db.Create(&store.Channel{ChannelID: "ch-2", ChannelName: "Empty", TotalMessages: 7}).Error; err != nil {
		t.Fatalf("failed to seed channel: %v", err)
	}

	if err := recountChannelTotals(db); err != nil {
		t.Fatalf("unexpected recount error: %v", err)
	}

	var channels []store.Channel
	if err := db.Order("channel_id ASC").Find(&channels).Error; err != nil {
		t.Fatalf("failed to reload channels: %v", err)
	}
	if channels[0].TotalMessages != 3 {
		t.Fatalf("expected ch-1 total 3, got %d", channels[0].TotalMessages)
	}
	if channels[1].TotalMessages != 0 {
		t.Fatalf("expected ch-2 total 0, got %d", channels[1].TotalMessages)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.db")
	if _, err := OpenSQLite(path, nil); err != nil {
		t.Fatalf("unexpected first open error: %v", err)
	}

	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected second open error: %v", err)
	}

	var applied int64
	if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected migrations recorded once, got %d", applied)
	}
}
