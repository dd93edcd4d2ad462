package checkin

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the outcome of a single admission attempt.
type Status string

const (
	// StatusPending is the transient state of a code that passed verification.
	StatusPending Status = "pending"
	// StatusAdmitted marks the ticket as used for entry.
	StatusAdmitted Status = "admitted"
	// StatusAlreadyAdmitted reports that another record already admitted the ticket.
	StatusAlreadyAdmitted Status = "already_admitted"
	// StatusExpired reports that the ticket validity window has passed.
	StatusExpired Status = "expired"
	// StatusInvalid reports a structurally broken or badly signed code.
	StatusInvalid Status = "invalid"
	// StatusNotFound reports a code that matches no ticket for the event.
	StatusNotFound Status = "not_found"
)

// ParseStatus validates raw input and returns a Status.
func ParseStatus(rawInput string) (Status, error) {
	status := Status(strings.TrimSpace(rawInput))
	switch status {
	case StatusPending, StatusAdmitted, StatusAlreadyAdmitted, StatusExpired, StatusInvalid, StatusNotFound:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
}

// Origin records whether a check-in was produced with or without connectivity.
type Origin string

const (
	OriginOnline  Origin = "online"
	OriginOffline Origin = "offline"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEventID indicates that an event identifier is empty or exceeds storage bounds.
	ErrInvalidEventID = errors.New("checkin: invalid event id")
	// ErrInvalidTicketID indicates that a ticket identifier is empty or exceeds storage bounds.
	ErrInvalidTicketID = errors.New("checkin: invalid ticket id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("checkin: invalid device id")
	// ErrInvalidStatus indicates an unknown status value.
	ErrInvalidStatus = errors.New("checkin: invalid status")
)

// EventID represents a validated event identifier.
type EventID string

// NewEventID validates raw input and returns an EventID.
func NewEventID(rawInput string) (EventID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidEventID)
	if err != nil {
		return "", err
	}
	return EventID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EventID) String() string {
	return string(id)
}

// TicketID represents a validated ticket identifier.
type TicketID string

// NewTicketID validates raw input and returns a TicketID.
func NewTicketID(rawInput string) (TicketID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidTicketID)
	if err != nil {
		return "", err
	}
	return TicketID(trimmed), nil
}

// String returns the underlying string identifier.
func (id TicketID) String() string {
	return string(id)
}

// DeviceID represents a validated staff device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidDeviceID)
	if err != nil {
		return "", err
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Ticket is the read-only projection of an issued admission credential.
type Ticket struct {
	ID          TicketID  `json:"ticket_id"`
	EventID     EventID   `json:"event_id"`
	TicketType  string    `json:"ticket_type"`
	HolderName  string    `json:"holder_name"`
	HolderEmail string    `json:"holder_email"`
	HolderPhone string    `json:"holder_phone"`
	VIP         bool      `json:"vip"`
	Seat        string    `json:"seat,omitempty"`
	Section     string    `json:"section,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	ValidFrom   time.Time `json:"valid_from,omitempty"`
	ValidUntil  time.Time `json:"valid_until,omitempty"`
	// Signed tickets are only honored when presented as a signed code.
	Signed bool `json:"signed"`
}

// WithinWindow reports whether the ticket's own time box admits the instant.
func (t Ticket) WithinWindow(at time.Time) bool {
	if !t.ValidFrom.IsZero() && at.Before(t.ValidFrom) {
		return false
	}
	if !t.ValidUntil.IsZero() && at.After(t.ValidUntil) {
		return false
	}
	return true
}

// CheckinRecord is a single entry of the append-only admission log.
type CheckinRecord struct {
	ID         string     `json:"record_id"`
	TicketID   TicketID   `json:"ticket_id"`
	EventID    EventID    `json:"event_id"`
	Status     Status     `json:"status"`
	DeviceID   DeviceID   `json:"device_id"`
	Sequence   int64      `json:"sequence"`
	ClientTime time.Time  `json:"client_time"`
	ServerTime *time.Time `json:"server_time,omitempty"`
	Origin     Origin     `json:"origin"`
	Notes      string     `json:"notes,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	// Prior is the admitting record surfaced alongside an already_admitted outcome.
	Prior *CheckinRecord `json:"prior,omitempty"`
}

// Confirmed reports whether the server of record has timestamped the record.
func (r CheckinRecord) Confirmed() bool {
	return r.ServerTime != nil
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (r CheckinRecord) Clone() CheckinRecord {
	copyRecord := r
	if r.ServerTime != nil {
		serverTime := *r.ServerTime
		copyRecord.ServerTime = &serverTime
	}
	if r.Prior != nil {
		prior := r.Prior.Clone()
		copyRecord.Prior = &prior
	}
	return copyRecord
}

// Equal compares two records field by field, including the surfaced prior record.
func (r CheckinRecord) Equal(other CheckinRecord) bool {
	if r.ID != other.ID || r.TicketID != other.TicketID || r.EventID != other.EventID ||
		r.Status != other.Status || r.DeviceID != other.DeviceID || r.Sequence != other.Sequence ||
		!r.ClientTime.Equal(other.ClientTime) || r.Origin != other.Origin ||
		r.Notes != other.Notes || r.Reason != other.Reason {
		return false
	}
	if (r.ServerTime == nil) != (other.ServerTime == nil) {
		return false
	}
	if r.ServerTime != nil && !r.ServerTime.Equal(*other.ServerTime) {
		return false
	}
	if (r.Prior == nil) != (other.Prior == nil) {
		return false
	}
	if r.Prior != nil {
		return r.Prior.Equal(*other.Prior)
	}
	return true
}

// AttendeeProjection combines a ticket with the record that currently governs it.
type AttendeeProjection struct {
	Ticket     Ticket         `json:"ticket"`
	Latest     *CheckinRecord `json:"latest,omitempty"`
	StaffNotes []string       `json:"staff_notes,omitempty"`
}

// CheckedIn reports whether the governing record admitted the ticket.
func (p AttendeeProjection) CheckedIn() bool {
	return p.Latest != nil && p.Latest.Status == StatusAdmitted
}

// Clone returns a deep copy of the projection.
func (p AttendeeProjection) Clone() AttendeeProjection {
	copyProjection := AttendeeProjection{Ticket: p.Ticket}
	if p.Latest != nil {
		latest := p.Latest.Clone()
		copyProjection.Latest = &latest
	}
	if len(p.StaffNotes) > 0 {
		copyProjection.StaffNotes = append([]string(nil), p.StaffNotes...)
	}
	return copyProjection
}

// ConflictRecord captures two devices that both believed they admitted a ticket.
type ConflictRecord struct {
	ID         string        `json:"conflict_id"`
	TicketID   TicketID      `json:"ticket_id"`
	EventID    EventID       `json:"event_id"`
	Winner     CheckinRecord `json:"winner"`
	Loser      CheckinRecord `json:"loser"`
	Resolution string        `json:"resolution"`
	ResolvedAt time.Time     `json:"resolved_at"`
}

// Outcome enumerates the server of record's verdict on a submitted admission.
type Outcome string

const (
	OutcomeAccepted               Outcome = "accepted"
	OutcomeAlreadyAdmittedByOther Outcome = "already_admitted_by_other"
	OutcomeRejected               Outcome = "rejected"
)

// Submission is the payload sent to the server of record for one admission.
type Submission struct {
	RecordID   string
	TicketID   TicketID
	EventID    EventID
	DeviceID   DeviceID
	Sequence   int64
	ClientTime time.Time
	Notes      string
}

// NewSubmission derives the submission payload for an admitted record.
func NewSubmission(record CheckinRecord) Submission {
	return Submission{
		RecordID:   record.ID,
		TicketID:   record.TicketID,
		EventID:    record.EventID,
		DeviceID:   record.DeviceID,
		Sequence:   record.Sequence,
		ClientTime: record.ClientTime,
		Notes:      record.Notes,
	}
}

// Verdict is the server of record's authoritative answer to a Submission.
type Verdict struct {
	Outcome    Outcome
	ServerTime time.Time
	// Admitting* fields describe the first admission when Outcome is already_admitted_by_other.
	AdmittingDevice   DeviceID
	AdmittingStaff    string
	AdmittingRecordID string
	AdmittingSequence int64
	AdmittedAt        time.Time
	Reason            string
}
