package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/turnstile/internal/syncqueue"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsQueueState(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&syncqueue.Entry{}, &syncqueue.Cursor{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	entries := []syncqueue.Entry{
		{EntryID: "entry-1", DeviceID: "gate-a", Sequence: 4, RecordID: "record-1", TicketID: "TCK-001", EventID: "E1", Status: "admitted", DeliveryState: syncqueue.StateQueued, CreatedAtMillis: 1000, UpdatedAtMillis: 1000},
		{EntryID: "entry-2", DeviceID: "gate-a", Sequence: 9, RecordID: "record-2", TicketID: "TCK-002", EventID: "E1", Status: "admitted", DeliveryState: syncqueue.StateConfirmed, CreatedAtMillis: 2000, UpdatedAtMillis: 2000},
		{EntryID: "entry-3", DeviceID: "gate-b", Sequence: 3, RecordID: "record-3", TicketID: "TCK-003", EventID: "E1", Status: "admitted", DeliveryState: syncqueue.StateQueued, CreatedAtMillis: 3000, UpdatedAtMillis: 3000},
	}
	if err := database.Create(&entries).Error; err != nil {
		testContext.Fatalf("failed to insert entries: %v", err)
	}
	if err := database.Create(&syncqueue.Cursor{DeviceID: "gate-b", LastSequence: 7}).Error; err != nil {
		testContext.Fatalf("failed to insert cursor: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var backfilled syncqueue.Entry
	if err := database.Where("entry_id = ?", "entry-1").Take(&backfilled).Error; err != nil {
		testContext.Fatalf("failed to reload entry: %v", err)
	}
	if backfilled.NextAttemptAtMillis != 1000 {
		testContext.Fatalf("expected next attempt backfilled from creation time, got %d", backfilled.NextAttemptAtMillis)
	}
	var archived syncqueue.Entry
	if err := database.Where("entry_id = ?", "entry-2").Take(&archived).Error; err != nil {
		testContext.Fatalf("failed to reload entry: %v", err)
	}
	if archived.NextAttemptAtMillis != 0 {
		testContext.Fatalf("expected archived entry untouched, got %d", archived.NextAttemptAtMillis)
	}

	expectedCursors := map[string]int64{"gate-a": 9, "gate-b": 7}
	for deviceID, expected := range expectedCursors {
		var cursor syncqueue.Cursor
		if err := database.Where("device_id = ?", deviceID).Take(&cursor).Error; err != nil {
			testContext.Fatalf("failed to reload cursor for %s: %v", deviceID, err)
		}
		if cursor.LastSequence != expected {
			testContext.Fatalf("cursor for %s = %d, want %d", deviceID, cursor.LastSequence, expected)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationSeedSequenceCursors).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteCreatesSchemaAndIsReentrant(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "turnstile.db")

	for attempt := 0; attempt < 2; attempt++ {
		database, err := OpenSQLite(databasePath, zap.NewNop())
		if err != nil {
			testContext.Fatalf("open attempt %d failed: %v", attempt, err)
		}
		for _, table := range []string{"sync_queue_entries", "sync_queue_cursors", "conflict_records", "checkin_records", "tickets", "admissions", "checkin_submissions", "staff_devices", "db_migrations"} {
			if !database.Migrator().HasTable(table) {
				testContext.Fatalf("expected table %s", table)
			}
		}
		var applied int64
		if err := database.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
			testContext.Fatalf("failed to count migrations: %v", err)
		}
		if applied != 2 {
			testContext.Fatalf("expected 2 recorded migrations, got %d", applied)
		}
		sqlDB, err := database.DB()
		if err != nil {
			testContext.Fatalf("failed to access sql db: %v", err)
		}
		_ = sqlDB.Close()
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
