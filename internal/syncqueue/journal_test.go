package syncqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
)

func TestJournalKeepsLatestRevisionAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	clock := newClock()
	ctx := context.Background()

	db := openTestDatabase(t, path)
	queue := newTestQueue(t, db, clock, 0)

	unknown := checkin.CheckinRecord{
		ID:         "record-xyz",
		TicketID:   "XYZ",
		EventID:    "E1",
		Status:     checkin.StatusNotFound,
		DeviceID:   "device-a",
		ClientTime: clock.Now(),
		Origin:     checkin.OriginOffline,
		Reason:     "not_found",
	}
	if err := queue.AppendRecord(ctx, unknown); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	clock.Advance(time.Second)
	admitted := queuedRecord("record-1", "TCK-001")
	if err := queue.AppendRecord(ctx, admitted); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	clock.Advance(time.Second)

	serverTime := clock.Now()
	prior := queuedRecord("record-b", "TCK-001")
	prior.DeviceID = "device-b"
	prior.ServerTime = &serverTime
	corrected := admitted.Clone()
	corrected.Status = checkin.StatusAlreadyAdmitted
	corrected.Reason = string(checkin.OutcomeAlreadyAdmittedByOther)
	corrected.ServerTime = &serverTime
	corrected.Prior = &prior
	if err := queue.AppendRecord(ctx, corrected); err != nil {
		t.Fatalf("revision append failed: %v", err)
	}
	other := queuedRecord("record-2", "TCK-002")
	other.EventID = "E2"
	if err := queue.AppendRecord(ctx, other); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	closeDatabase(t, db)

	reopened := openTestDatabase(t, path)
	defer closeDatabase(t, reopened)
	restarted := newTestQueue(t, reopened, clock, 0)
	records, err := restarted.Records(ctx, "E1")
	if err != nil {
		t.Fatalf("records query failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected two journaled records for E1, got %#v", records)
	}
	if !records[0].Equal(unknown) {
		t.Fatalf("expected the unknown code first, got %#v", records[0])
	}
	if !records[1].Equal(corrected) {
		t.Fatalf("expected the corrected revision to replace the original, got %#v", records[1])
	}
}
