package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/turnstile/internal/ledger"
	"github.com/MarcoPoloResearchLab/turnstile/internal/staff"
	"github.com/MarcoPoloResearchLab/turnstile/internal/syncqueue"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations. The same
// schema serves the server of record and devices; each role only touches its own tables.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil && logger != nil {
		logger.Warn("write-ahead logging unavailable", zap.Error(err))
	}

	if err := db.AutoMigrate(schemaModels()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func schemaModels() []any {
	return []any{
		&syncqueue.Entry{},
		&syncqueue.Cursor{},
		&syncqueue.ConflictLog{},
		&syncqueue.JournalRecord{},
		&ledger.TicketRow{},
		&ledger.AdmissionRow{},
		&ledger.SubmissionRow{},
		&staff.Device{},
		&migrationRecord{},
	}
}
