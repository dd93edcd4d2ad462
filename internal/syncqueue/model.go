package syncqueue

import (
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
)

// DeliveryState enumerates the lifecycle of a queued check-in.
type DeliveryState string

const (
	StateQueued     DeliveryState = "queued"
	StateInFlight   DeliveryState = "in_flight"
	StateConfirmed  DeliveryState = "confirmed"
	StateConflicted DeliveryState = "conflicted"
	StateFailed     DeliveryState = "failed"
)

// Terminal reports whether the state is archived and excluded from drains.
func (state DeliveryState) Terminal() bool {
	return state == StateConfirmed || state == StateConflicted || state == StateFailed
}

// Entry persists one offline check-in awaiting the server of record.
type Entry struct {
	EntryID             string        `gorm:"column:entry_id;primaryKey;size:64;not null"`
	DeviceID            string        `gorm:"column:device_id;size:190;not null;uniqueIndex:idx_queue_device_sequence,priority:1;index:idx_queue_device_state,priority:1"`
	Sequence            int64         `gorm:"column:sequence;not null;uniqueIndex:idx_queue_device_sequence,priority:2"`
	RecordID            string        `gorm:"column:record_id;size:64;not null;index"`
	TicketID            string        `gorm:"column:ticket_id;size:190;not null"`
	EventID             string        `gorm:"column:event_id;size:190;not null"`
	Status              string        `gorm:"column:status;size:32;not null"`
	Notes               string        `gorm:"column:notes;type:text;not null;default:''"`
	ClientTimeMillis    int64         `gorm:"column:client_time_ms;not null"`
	DeliveryState       DeliveryState `gorm:"column:delivery_state;size:32;not null;index:idx_queue_device_state,priority:2"`
	RetryCount          int           `gorm:"column:retry_count;not null;default:0"`
	NextAttemptAtMillis int64         `gorm:"column:next_attempt_at_ms;not null;default:0"`
	LastError           string        `gorm:"column:last_error;type:text;not null;default:''"`
	ServerTimeMillis    int64         `gorm:"column:server_time_ms;not null;default:0"`
	Adjudication        string        `gorm:"column:adjudication;type:text;not null;default:''"`
	AdjudicatedAtMillis int64         `gorm:"column:adjudicated_at_ms;not null;default:0"`
	CreatedAtMillis     int64         `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis     int64         `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "sync_queue_entries"
}

// Record rebuilds the CheckinRecord the entry wraps.
func (e Entry) Record() checkin.CheckinRecord {
	record := checkin.CheckinRecord{
		ID:         e.RecordID,
		TicketID:   checkin.TicketID(e.TicketID),
		EventID:    checkin.EventID(e.EventID),
		Status:     checkin.Status(e.Status),
		DeviceID:   checkin.DeviceID(e.DeviceID),
		Sequence:   e.Sequence,
		ClientTime: time.UnixMilli(e.ClientTimeMillis).UTC(),
		Origin:     checkin.OriginOffline,
		Notes:      e.Notes,
	}
	if e.ServerTimeMillis > 0 {
		serverTime := time.UnixMilli(e.ServerTimeMillis).UTC()
		record.ServerTime = &serverTime
	}
	return record
}

// Cursor persists the last sequence number issued to a device so numbering stays strictly
// increasing across restarts and archived entries.
type Cursor struct {
	DeviceID     string `gorm:"column:device_id;primaryKey;size:190;not null"`
	LastSequence int64  `gorm:"column:last_sequence;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Cursor) TableName() string {
	return "sync_queue_cursors"
}

// ConflictLog persists resolved conflicts for staff review.
type ConflictLog struct {
	ConflictID       string `gorm:"column:conflict_id;primaryKey;size:64;not null"`
	EventID          string `gorm:"column:event_id;size:190;not null;index:idx_conflicts_event_ticket,priority:1"`
	TicketID         string `gorm:"column:ticket_id;size:190;not null;index:idx_conflicts_event_ticket,priority:2"`
	WinnerRecordID   string `gorm:"column:winner_record_id;size:64;not null"`
	WinnerDevice     string `gorm:"column:winner_device;size:190;not null"`
	WinnerServerMs   int64  `gorm:"column:winner_server_ms;not null"`
	LoserRecordID    string `gorm:"column:loser_record_id;size:64;not null;uniqueIndex"`
	LoserDevice      string `gorm:"column:loser_device;size:190;not null"`
	LoserServerMs    int64  `gorm:"column:loser_server_ms;not null"`
	Resolution       string `gorm:"column:resolution;size:64;not null"`
	ResolvedAtMillis int64  `gorm:"column:resolved_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictLog) TableName() string {
	return "conflict_records"
}
