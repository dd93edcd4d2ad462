package checkin

import (
	"fmt"
	"testing"
	"time"
)

const testEventID = EventID("E1")

var testTicketKey = []byte("ticket-signing-key")

type sequentialIDs struct {
	next int
}

func (s *sequentialIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("record-%d", s.next), nil
}

type mapState map[TicketID]AttendeeProjection

func (m mapState) Lookup(ticketID TicketID) (AttendeeProjection, bool) {
	projection, ok := m[ticketID]
	return projection, ok
}

func newTestVerifier(t *testing.T, now time.Time, eventEndsAt time.Time) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(VerifierConfig{
		DeviceID:    "device-a",
		EventEndsAt: eventEndsAt,
		TicketKey:   testTicketKey,
		Clock: func() time.Time {
			return now
		},
		IDProvider: &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return verifier
}

func TestVerifyClassifiesPresentedCodes(t *testing.T) {
	now := time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)
	admittedAt := now.Add(-10 * time.Minute)

	state := mapState{
		"TCK-001": {Ticket: Ticket{ID: "TCK-001", EventID: testEventID}},
		"TCK-002": {Ticket: Ticket{ID: "TCK-002", EventID: testEventID, ValidUntil: now.Add(-time.Hour)}},
		"TCK-003": {Ticket: Ticket{ID: "TCK-003", EventID: testEventID, Signed: true}},
		"TCK-004": {
			Ticket: Ticket{ID: "TCK-004", EventID: testEventID},
			Latest: &CheckinRecord{
				ID:         "record-prior",
				TicketID:   "TCK-004",
				EventID:    testEventID,
				Status:     StatusAdmitted,
				DeviceID:   "device-b",
				ClientTime: admittedAt,
				ServerTime: &admittedAt,
			},
		},
		"TCK-005": {Ticket: Ticket{ID: "TCK-005", EventID: "E2"}},
	}

	signedTicket := Ticket{ID: "TCK-003", EventID: testEventID, Signed: true}
	signedCode, err := SignTicketCode(testTicketKey, signedTicket)
	if err != nil {
		t.Fatalf("failed to sign ticket: %v", err)
	}
	forgedCode, err := SignTicketCode([]byte("wrong-key"), signedTicket)
	if err != nil {
		t.Fatalf("failed to sign forged ticket: %v", err)
	}
	otherEventCode, err := SignTicketCode(testTicketKey, Ticket{ID: "TCK-001", EventID: "E9"})
	if err != nil {
		t.Fatalf("failed to sign other event ticket: %v", err)
	}

	tests := []struct {
		name           string
		code           string
		expectedStatus Status
		expectPrior    bool
	}{
		{name: "unknown-code", code: "XYZ", expectedStatus: StatusNotFound},
		{name: "blank-code", code: "   ", expectedStatus: StatusNotFound},
		{name: "ticket-for-other-event", code: "TCK-005", expectedStatus: StatusNotFound},
		{name: "signed-code-for-other-event", code: otherEventCode, expectedStatus: StatusNotFound},
		{name: "expired-window", code: "TCK-002", expectedStatus: StatusExpired},
		{name: "signature-required", code: "TCK-003", expectedStatus: StatusInvalid},
		{name: "forged-signature", code: forgedCode, expectedStatus: StatusInvalid},
		{name: "valid-signature", code: signedCode, expectedStatus: StatusAdmitted},
		{name: "first-admission", code: "TCK-001", expectedStatus: StatusAdmitted},
		{name: "already-admitted", code: "TCK-004", expectedStatus: StatusAlreadyAdmitted, expectPrior: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := newTestVerifier(t, now, time.Time{})
			record, err := verifier.Verify(tt.code, testEventID, state)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if record.Status != tt.expectedStatus {
				t.Fatalf("expected status %s, got %s (reason %q)", tt.expectedStatus, record.Status, record.Reason)
			}
			if record.ID == "" {
				t.Fatalf("expected record id to be assigned")
			}
			if record.DeviceID != "device-a" {
				t.Fatalf("expected device id to be stamped, got %s", record.DeviceID)
			}
			if !record.ClientTime.Equal(now) {
				t.Fatalf("expected client time %v, got %v", now, record.ClientTime)
			}
			if tt.expectPrior {
				if record.Prior == nil {
					t.Fatalf("expected prior admitting record")
				}
				if record.Prior.DeviceID != "device-b" || !record.Prior.ClientTime.Equal(admittedAt) {
					t.Fatalf("unexpected prior record: %#v", record.Prior)
				}
			} else if record.Prior != nil {
				t.Fatalf("did not expect prior record, got %#v", record.Prior)
			}
		})
	}
}

func TestVerifyExpiredTakesPriorityOverInvalid(t *testing.T) {
	now := time.Date(2026, 5, 1, 23, 30, 0, 0, time.UTC)
	verifier := newTestVerifier(t, now, now.Add(-time.Minute))
	state := mapState{
		"TCK-003": {Ticket: Ticket{ID: "TCK-003", EventID: testEventID, Signed: true}},
	}

	record, err := verifier.Verify("TCK-003", testEventID, state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.Status != StatusExpired {
		t.Fatalf("expected expired to win over invalid, got %s", record.Status)
	}
}

func TestVerifyDoesNotMutateKnownState(t *testing.T) {
	now := time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, now, time.Time{})
	state := mapState{
		"TCK-001": {Ticket: Ticket{ID: "TCK-001", EventID: testEventID}},
	}

	if _, err := verifier.Verify("TCK-001", testEventID, state); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state["TCK-001"].Latest != nil {
		t.Fatalf("verification must not write to the roster snapshot")
	}
}

func TestNewVerifierRequiresDependencies(t *testing.T) {
	if _, err := NewVerifier(VerifierConfig{IDProvider: &sequentialIDs{}}); err == nil {
		t.Fatalf("expected missing device id error")
	}
	if _, err := NewVerifier(VerifierConfig{DeviceID: "device-a"}); err == nil {
		t.Fatalf("expected missing id provider error")
	}
}
