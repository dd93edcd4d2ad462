package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/syncqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillNextAttempt = "2026-09-14_backfill_next_attempt_at"
	migrationSeedSequenceCursors = "2026-09-30_seed_sequence_cursors"
	seedSequenceCursorsStatement = "INSERT INTO sync_queue_cursors (device_id, last_sequence) SELECT device_id, MAX(sequence) FROM sync_queue_entries WHERE 1 GROUP BY device_id ON CONFLICT(device_id) DO UPDATE SET last_sequence = MAX(sync_queue_cursors.last_sequence, excluded.last_sequence);"
)

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
		{name: migrationBackfillNextAttempt, apply: backfillNextAttempt},
		{name: migrationSeedSequenceCursors, apply: seedSequenceCursors},
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

// backfillNextAttempt makes entries queued before retry scheduling existed immediately
// eligible for draining.
func backfillNextAttempt(db *gorm.DB) error {
	return db.Model(&syncqueue.Entry{}).
		Where("delivery_state = ? AND next_attempt_at_ms = 0", syncqueue.StateQueued).
		Update("next_attempt_at_ms", gorm.Expr("created_at_ms")).Error
}

// seedSequenceCursors raises each device cursor to at least the highest stored sequence.
func seedSequenceCursors(db *gorm.DB) error {
	return db.Exec(seedSequenceCursorsStatement).Error
}
