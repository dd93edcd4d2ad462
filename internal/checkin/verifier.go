package checkin

import (
	"errors"
	"fmt"
	"time"
)

var (
	errMissingDeviceID   = errors.New("checkin: device id required")
	errMissingIDProvider = errors.New("checkin: id provider required")
)

const (
	reasonUndecodable       = "code could not be decoded"
	reasonUnknownTicket     = "no ticket with this code for the event"
	reasonOtherEvent        = "code belongs to another event"
	reasonEventEnded        = "event has ended"
	reasonOutsideWindow     = "outside ticket validity window"
	reasonSignatureRequired = "ticket requires a signed code"
	reasonBadSignature      = "code signature verification failed"
)

// KnownState is the read path into the local roster snapshot.
type KnownState interface {
	Lookup(ticketID TicketID) (AttendeeProjection, bool)
}

// VerifierConfig describes the inputs required to build a Verifier.
type VerifierConfig struct {
	DeviceID    DeviceID
	EventEndsAt time.Time
	TicketKey   []byte
	Clock       func() time.Time
	IDProvider  IDProvider
}

// Verifier classifies presented codes against local state. It performs no I/O.
type Verifier struct {
	deviceID    DeviceID
	eventEndsAt time.Time
	ticketKey   []byte
	clock       func() time.Time
	idProvider  IDProvider
}

// NewVerifier validates the configuration and returns a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.DeviceID == "" {
		return nil, errMissingDeviceID
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Verifier{
		deviceID:    cfg.DeviceID,
		eventEndsAt: cfg.EventEndsAt,
		ticketKey:   append([]byte(nil), cfg.TicketKey...),
		clock:       clock,
		idProvider:  cfg.IDProvider,
	}, nil
}

// Verify produces exactly one CheckinRecord for the presented code. Successful
// verification is the admission attempt, so a ticket without a prior admission comes back
// admitted. The only error is a failure to allocate a record identifier.
func (v *Verifier) Verify(rawCode string, eventID EventID, state KnownState) (CheckinRecord, error) {
	recordID, err := v.idProvider.NewID()
	if err != nil {
		return CheckinRecord{}, fmt.Errorf("checkin: allocate record id: %w", err)
	}

	now := v.clock().UTC()
	record := CheckinRecord{
		ID:         recordID,
		EventID:    eventID,
		DeviceID:   v.deviceID,
		ClientTime: now,
	}

	code, decodeErr := DecodeCode(rawCode)
	if decodeErr != nil {
		record.TicketID = TicketID(truncateIdentifier(rawCode))
		record.Status = StatusNotFound
		record.Reason = reasonUndecodable
		return record, nil
	}
	record.TicketID = code.TicketID

	if code.EventID != "" && code.EventID != eventID {
		record.Status = StatusNotFound
		record.Reason = reasonOtherEvent
		return record, nil
	}

	var projection AttendeeProjection
	found := false
	if state != nil {
		projection, found = state.Lookup(code.TicketID)
	}
	if !found || projection.Ticket.EventID != eventID {
		record.Status = StatusNotFound
		record.Reason = reasonUnknownTicket
		return record, nil
	}

	if !v.eventEndsAt.IsZero() && now.After(v.eventEndsAt) {
		record.Status = StatusExpired
		record.Reason = reasonEventEnded
		return record, nil
	}
	if !projection.Ticket.WithinWindow(now) {
		record.Status = StatusExpired
		record.Reason = reasonOutsideWindow
		return record, nil
	}

	if code.IsSigned() {
		if err := code.VerifySignature(v.ticketKey); err != nil {
			record.Status = StatusInvalid
			record.Reason = reasonBadSignature
			return record, nil
		}
	} else if projection.Ticket.Signed {
		record.Status = StatusInvalid
		record.Reason = reasonSignatureRequired
		return record, nil
	}

	if projection.CheckedIn() {
		prior := projection.Latest.Clone()
		prior.Prior = nil
		record.Status = StatusAlreadyAdmitted
		record.Prior = &prior
		return record, nil
	}

	record.Status = StatusAdmitted
	return record, nil
}

func truncateIdentifier(rawInput string) string {
	if len(rawInput) > maxIdentifierLength {
		return rawInput[:maxIdentifierLength]
	}
	return rawInput
}
