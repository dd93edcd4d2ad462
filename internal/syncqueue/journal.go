package syncqueue

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

const (
	opAppendRecord = "syncqueue.append_record"
	opRecords      = "syncqueue.records"
)

// JournalRecord persists the latest revision of every CheckinRecord this device produced or
// settled, including outcomes that were never queued.
type JournalRecord struct {
	RecordID         string                 `gorm:"column:record_id;primaryKey;size:64;not null"`
	EventID          string                 `gorm:"column:event_id;size:190;not null;index:idx_records_event_journaled,priority:1"`
	TicketID         string                 `gorm:"column:ticket_id;size:190;not null"`
	DeviceID         string                 `gorm:"column:device_id;size:190;not null"`
	Sequence         int64                  `gorm:"column:sequence;not null;default:0"`
	Status           string                 `gorm:"column:status;size:32;not null"`
	Origin           string                 `gorm:"column:origin;size:16;not null"`
	Notes            string                 `gorm:"column:notes;type:text;not null;default:''"`
	Reason           string                 `gorm:"column:reason;type:text;not null;default:''"`
	ClientTimeMillis int64                  `gorm:"column:client_time_ms;not null"`
	ServerTimeMillis int64                  `gorm:"column:server_time_ms;not null;default:0"`
	Prior            *checkin.CheckinRecord `gorm:"column:prior;type:text;serializer:json"`
	JournaledMillis  int64                  `gorm:"column:journaled_at_ms;not null;index:idx_records_event_journaled,priority:2"`
	UpdatedAtMillis  int64                  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (JournalRecord) TableName() string {
	return "checkin_records"
}

// Record rebuilds the journaled CheckinRecord.
func (r JournalRecord) Record() checkin.CheckinRecord {
	record := checkin.CheckinRecord{
		ID:         r.RecordID,
		TicketID:   checkin.TicketID(r.TicketID),
		EventID:    checkin.EventID(r.EventID),
		Status:     checkin.Status(r.Status),
		DeviceID:   checkin.DeviceID(r.DeviceID),
		Sequence:   r.Sequence,
		ClientTime: time.UnixMilli(r.ClientTimeMillis).UTC(),
		Origin:     checkin.Origin(r.Origin),
		Notes:      r.Notes,
		Reason:     r.Reason,
	}
	if r.ServerTimeMillis > 0 {
		serverTime := time.UnixMilli(r.ServerTimeMillis).UTC()
		record.ServerTime = &serverTime
	}
	if r.Prior != nil {
		prior := r.Prior.Clone()
		record.Prior = &prior
	}
	return record
}

// AppendRecord journals a record. A later revision with the same identifier replaces the
// stored one but keeps its original journal position.
func (q *Queue) AppendRecord(ctx context.Context, record checkin.CheckinRecord) error {
	nowMillis := q.clock().UTC().UnixMilli()
	row := JournalRecord{
		RecordID:         record.ID,
		EventID:          record.EventID.String(),
		TicketID:         record.TicketID.String(),
		DeviceID:         record.DeviceID.String(),
		Sequence:         record.Sequence,
		Status:           string(record.Status),
		Origin:           string(record.Origin),
		Notes:            record.Notes,
		Reason:           record.Reason,
		ClientTimeMillis: record.ClientTime.UTC().UnixMilli(),
		ServerTimeMillis: millisOrZero(record.ServerTime),
		JournaledMillis:  nowMillis,
		UpdatedAtMillis:  nowMillis,
	}
	if record.Prior != nil {
		prior := record.Prior.Clone()
		row.Prior = &prior
	}

	q.mu.Lock()
	err := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "sequence", "origin", "notes", "reason",
				"server_time_ms", "prior", "updated_at_ms",
			}),
		}).
		Create(&row).Error
	q.mu.Unlock()
	if err != nil {
		q.logError(opAppendRecord, "upsert_failed", err,
			zap.String("record_id", record.ID),
			zap.String("ticket_id", record.TicketID.String()))
		return newServiceError(opAppendRecord, "upsert_failed", err)
	}
	return nil
}

// Records returns the journaled records of an event in journal order.
func (q *Queue) Records(ctx context.Context, eventID checkin.EventID) ([]checkin.CheckinRecord, error) {
	var rows []JournalRecord
	if err := q.db.WithContext(ctx).
		Where("event_id = ?", eventID.String()).
		Order("journaled_at_ms ASC, record_id ASC").
		Find(&rows).Error; err != nil {
		q.logError(opRecords, "query_failed", err)
		return nil, newServiceError(opRecords, "query_failed", err)
	}
	records := make([]checkin.CheckinRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.Record())
	}
	return records, nil
}
