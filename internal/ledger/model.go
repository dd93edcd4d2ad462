package ledger

import (
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
)

// TicketState tracks commercial changes made after issuance.
type TicketState string

const (
	TicketActive   TicketState = "active"
	TicketRefunded TicketState = "refunded"
	TicketVoid     TicketState = "void"
)

// ParseTicketState validates a raw state.
func ParseTicketState(raw string) (TicketState, bool) {
	switch state := TicketState(raw); state {
	case TicketActive, TicketRefunded, TicketVoid:
		return state, true
	default:
		return "", false
	}
}

// TicketRow persists an issued ticket.
type TicketRow struct {
	EventID          string      `gorm:"column:event_id;primaryKey;size:190;not null"`
	TicketID         string      `gorm:"column:ticket_id;primaryKey;size:190;not null"`
	TicketType       string      `gorm:"column:ticket_type;size:64;not null;default:''"`
	HolderName       string      `gorm:"column:holder_name;size:320;not null;default:''"`
	HolderEmail      string      `gorm:"column:holder_email;size:320;not null;default:''"`
	HolderPhone      string      `gorm:"column:holder_phone;size:64;not null;default:''"`
	VIP              bool        `gorm:"column:vip;not null;default:false"`
	Seat             string      `gorm:"column:seat;size:64;not null;default:''"`
	Section          string      `gorm:"column:section;size:64;not null;default:''"`
	Notes            string      `gorm:"column:notes;type:text;not null;default:''"`
	ValidFromMillis  int64       `gorm:"column:valid_from_ms;not null;default:0"`
	ValidUntilMillis int64       `gorm:"column:valid_until_ms;not null;default:0"`
	Signed           bool        `gorm:"column:signed;not null;default:false"`
	State            TicketState `gorm:"column:state;size:32;not null;default:'active'"`
	CreatedAtMillis  int64       `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis  int64       `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TicketRow) TableName() string {
	return "tickets"
}

func (row TicketRow) ticket() checkin.Ticket {
	ticket := checkin.Ticket{
		ID:          checkin.TicketID(row.TicketID),
		EventID:     checkin.EventID(row.EventID),
		TicketType:  row.TicketType,
		HolderName:  row.HolderName,
		HolderEmail: row.HolderEmail,
		HolderPhone: row.HolderPhone,
		VIP:         row.VIP,
		Seat:        row.Seat,
		Section:     row.Section,
		Notes:       row.Notes,
		Signed:      row.Signed,
	}
	if row.ValidFromMillis > 0 {
		ticket.ValidFrom = time.UnixMilli(row.ValidFromMillis).UTC()
	}
	if row.ValidUntilMillis > 0 {
		ticket.ValidUntil = time.UnixMilli(row.ValidUntilMillis).UTC()
	}
	return ticket
}

func ticketRow(ticket checkin.Ticket, nowMillis int64) TicketRow {
	row := TicketRow{
		EventID:         ticket.EventID.String(),
		TicketID:        ticket.ID.String(),
		TicketType:      ticket.TicketType,
		HolderName:      ticket.HolderName,
		HolderEmail:     ticket.HolderEmail,
		HolderPhone:     ticket.HolderPhone,
		VIP:             ticket.VIP,
		Seat:            ticket.Seat,
		Section:         ticket.Section,
		Notes:           ticket.Notes,
		Signed:          ticket.Signed,
		State:           TicketActive,
		CreatedAtMillis: nowMillis,
		UpdatedAtMillis: nowMillis,
	}
	if !ticket.ValidFrom.IsZero() {
		row.ValidFromMillis = ticket.ValidFrom.UTC().UnixMilli()
	}
	if !ticket.ValidUntil.IsZero() {
		row.ValidUntilMillis = ticket.ValidUntil.UTC().UnixMilli()
	}
	return row
}

// AdmissionRow is the single authoritative admission of a ticket.
type AdmissionRow struct {
	EventID          string `gorm:"column:event_id;primaryKey;size:190;not null"`
	TicketID         string `gorm:"column:ticket_id;primaryKey;size:190;not null"`
	RecordID         string `gorm:"column:record_id;size:64;not null"`
	DeviceID         string `gorm:"column:device_id;size:190;not null"`
	Sequence         int64  `gorm:"column:sequence;not null"`
	ClientTimeMillis int64  `gorm:"column:client_time_ms;not null"`
	ServerTimeMillis int64  `gorm:"column:server_time_ms;not null"`
	Notes            string `gorm:"column:notes;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (AdmissionRow) TableName() string {
	return "admissions"
}

func (row AdmissionRow) record() checkin.CheckinRecord {
	serverTime := time.UnixMilli(row.ServerTimeMillis).UTC()
	return checkin.CheckinRecord{
		ID:         row.RecordID,
		TicketID:   checkin.TicketID(row.TicketID),
		EventID:    checkin.EventID(row.EventID),
		Status:     checkin.StatusAdmitted,
		DeviceID:   checkin.DeviceID(row.DeviceID),
		Sequence:   row.Sequence,
		ClientTime: time.UnixMilli(row.ClientTimeMillis).UTC(),
		ServerTime: &serverTime,
		Origin:     checkin.OriginOnline,
		Notes:      row.Notes,
	}
}

// SubmissionRow logs every submission so replays return the original verdict.
type SubmissionRow struct {
	SubmissionID     string `gorm:"column:submission_id;primaryKey;size:64;not null"`
	DeviceID         string `gorm:"column:device_id;size:190;not null;uniqueIndex:idx_submissions_device_record,priority:1"`
	RecordID         string `gorm:"column:record_id;size:64;not null;uniqueIndex:idx_submissions_device_record,priority:2"`
	EventID          string `gorm:"column:event_id;size:190;not null;index"`
	TicketID         string `gorm:"column:ticket_id;size:190;not null"`
	Sequence         int64  `gorm:"column:sequence;not null"`
	ClientTimeMillis int64  `gorm:"column:client_time_ms;not null"`
	Outcome          string `gorm:"column:outcome;size:64;not null"`
	Reason           string `gorm:"column:reason;size:190;not null;default:''"`
	ServerTimeMillis int64  `gorm:"column:server_time_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SubmissionRow) TableName() string {
	return "checkin_submissions"
}
