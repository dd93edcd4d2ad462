package checkin

import (
	"testing"
	"time"
)

func TestFoldKeepsFirstAdmissionInReplayOrder(t *testing.T) {
	base := time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)
	early := base.Add(time.Minute)
	late := base.Add(2 * time.Minute)
	ticket := Ticket{ID: "TCK-001", EventID: "E1"}

	records := []CheckinRecord{
		{ID: "rescan", TicketID: ticket.ID, Status: StatusAlreadyAdmitted, DeviceID: "device-a", Sequence: 9},
		{ID: "late", TicketID: ticket.ID, Status: StatusAdmitted, DeviceID: "device-a", Sequence: 2, ServerTime: &late},
		{ID: "early", TicketID: ticket.ID, Status: StatusAdmitted, DeviceID: "device-b", Sequence: 7, ServerTime: &early},
	}

	projection := Fold(ticket, records)
	if projection.Latest == nil {
		t.Fatalf("expected governing record")
	}
	if projection.Latest.ID != "early" {
		t.Fatalf("expected earliest server acceptance to govern, got %s", projection.Latest.ID)
	}
	if !projection.CheckedIn() {
		t.Fatalf("expected projection to be checked in")
	}
	if records[0].ID != "rescan" {
		t.Fatalf("fold must not reorder the caller's slice")
	}
}

func TestFoldWithoutAdmissionUsesMostRecentRecord(t *testing.T) {
	ticket := Ticket{ID: "TCK-002", EventID: "E1"}
	records := []CheckinRecord{
		{ID: "first", TicketID: ticket.ID, Status: StatusExpired, DeviceID: "device-a", Sequence: 1},
		{ID: "second", TicketID: ticket.ID, Status: StatusInvalid, DeviceID: "device-a", Sequence: 2},
	}

	projection := Fold(ticket, records)
	if projection.Latest == nil || projection.Latest.ID != "second" {
		t.Fatalf("expected most recent record to govern, got %#v", projection.Latest)
	}
	if projection.CheckedIn() {
		t.Fatalf("did not expect a checked-in projection")
	}
}

func TestReplayLessTieBreaks(t *testing.T) {
	at := time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		left  CheckinRecord
		right CheckinRecord
		want  bool
	}{
		{
			name:  "confirmed-before-unconfirmed",
			left:  CheckinRecord{ID: "a", Sequence: 10, ServerTime: &at},
			right: CheckinRecord{ID: "b", Sequence: 1},
			want:  true,
		},
		{
			name:  "equal-server-time-uses-sequence",
			left:  CheckinRecord{ID: "a", Sequence: 3, ServerTime: &at},
			right: CheckinRecord{ID: "b", Sequence: 2, ServerTime: &at},
			want:  false,
		},
		{
			name:  "equal-sequence-uses-device",
			left:  CheckinRecord{ID: "z", Sequence: 1, DeviceID: "device-a"},
			right: CheckinRecord{ID: "a", Sequence: 1, DeviceID: "device-b"},
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReplayLess(tt.left, tt.right); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestDecodeCodeRejectsMalformedInput(t *testing.T) {
	for _, raw := range []string{"", "   ", "two words"} {
		if _, err := DecodeCode(raw); err == nil {
			t.Fatalf("expected decode error for %q", raw)
		}
	}
	code, err := DecodeCode("  TCK-001 ")
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if code.TicketID != "TCK-001" || code.IsSigned() {
		t.Fatalf("unexpected decoded code: %#v", code)
	}
}
