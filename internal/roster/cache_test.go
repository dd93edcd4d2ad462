package roster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/eventbus"
)

type stubSource struct {
	projections []checkin.AttendeeProjection
	err         error
	calls       int
}

func (s *stubSource) FetchRoster(_ context.Context, _ checkin.EventID) ([]checkin.AttendeeProjection, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.projections, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(event eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func sampleRoster() []checkin.AttendeeProjection {
	return []checkin.AttendeeProjection{
		{Ticket: checkin.Ticket{ID: "TCK-001", EventID: "E1", HolderName: "Ada Lovelace", HolderEmail: "ada@example.com", TicketType: "general"}},
		{Ticket: checkin.Ticket{ID: "TCK-002", EventID: "E1", HolderName: "Grace Hopper", HolderEmail: "grace@example.com", TicketType: "backstage", VIP: true}},
		{Ticket: checkin.Ticket{ID: "TCK-003", EventID: "E1", HolderName: "Alan Turing", HolderEmail: "alan@example.com", TicketType: "general"}},
	}
}

func newLoadedCache(t *testing.T, publisher Publisher) *Cache {
	t.Helper()
	cache, err := NewCache(Config{
		Source: &stubSource{projections: sampleRoster()},
		Bus:    publisher,
		Clock: func() time.Time {
			return time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	if _, err := cache.Load(context.Background(), "E1"); err != nil {
		t.Fatalf("failed to load roster: %v", err)
	}
	return cache
}

func admittedRecord(id string, ticketID checkin.TicketID) checkin.CheckinRecord {
	return checkin.CheckinRecord{
		ID:         id,
		TicketID:   ticketID,
		EventID:    "E1",
		Status:     checkin.StatusAdmitted,
		DeviceID:   "device-a",
		Sequence:   1,
		ClientTime: time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC),
		Origin:     checkin.OriginOffline,
	}
}

func TestLoadAcceptsEmptyRoster(t *testing.T) {
	cache, err := NewCache(Config{Source: &stubSource{}})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	projections, err := cache.Load(context.Background(), "E1")
	if err != nil {
		t.Fatalf("expected empty roster to load, got %v", err)
	}
	if len(projections) != 0 {
		t.Fatalf("expected no attendees, got %d", len(projections))
	}
}

func TestLoadRejectsMalformedEventID(t *testing.T) {
	source := &stubSource{projections: sampleRoster()}
	cache, err := NewCache(Config{Source: source})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	_, err = cache.Load(context.Background(), "   ")
	if !errors.Is(err, checkin.ErrInvalidEventID) {
		t.Fatalf("expected invalid event id error, got %v", err)
	}
	if source.calls != 0 {
		t.Fatalf("malformed event id must fail before contacting the server")
	}
}

func TestLoadSurfacesSourceErrors(t *testing.T) {
	cache, err := NewCache(Config{Source: &stubSource{err: errors.New("connection refused")}})
	if err != nil {
		t.Fatalf("failed to construct cache: %v", err)
	}
	if _, err := cache.Load(context.Background(), "E1"); !errors.Is(err, ErrFetchFailed) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
}

func TestApplyCheckinIsIdempotent(t *testing.T) {
	publisher := &recordingPublisher{}
	cache := newLoadedCache(t, publisher)
	record := admittedRecord("record-1", "TCK-001")

	first, err := cache.ApplyCheckin(record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := cache.ApplyCheckin(record)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.Latest == nil || second.Latest == nil || !first.Latest.Equal(*second.Latest) {
		t.Fatalf("expected identical projections, got %#v and %#v", first.Latest, second.Latest)
	}
	if publisher.count() != 1 {
		t.Fatalf("expected a single attendee_updated emission, got %d", publisher.count())
	}
	if cache.Counts().CheckedIn != 1 {
		t.Fatalf("expected one checked-in attendee")
	}
}

func TestApplyCheckinReplacesRevisedRecord(t *testing.T) {
	cache := newLoadedCache(t, nil)
	record := admittedRecord("record-1", "TCK-001")
	if _, err := cache.ApplyCheckin(record); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	corrected := record.Clone()
	corrected.Status = checkin.StatusAlreadyAdmitted
	projection, err := cache.ApplyCheckin(corrected)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if projection.CheckedIn() {
		t.Fatalf("expected corrected record to replace the optimistic admission")
	}
}

func TestApplyCheckinKeepsUnknownTicketsForAudit(t *testing.T) {
	cache := newLoadedCache(t, nil)
	record := admittedRecord("record-x", "XYZ")
	record.Status = checkin.StatusNotFound

	if _, err := cache.ApplyCheckin(record); !errors.Is(err, ErrUnknownTicket) {
		t.Fatalf("expected unknown ticket error, got %v", err)
	}
	snapshot := cache.Export(Filters{})
	if len(snapshot.History) != 1 || snapshot.History[0].ID != "record-x" {
		t.Fatalf("expected unmatched record in history, got %#v", snapshot.History)
	}
}

func TestLoadPreservesLocalRecords(t *testing.T) {
	cache := newLoadedCache(t, nil)
	if _, err := cache.ApplyCheckin(admittedRecord("record-1", "TCK-002")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cache.Load(context.Background(), "E1"); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	projection, ok := cache.GetByID("TCK-002")
	if !ok || !projection.CheckedIn() {
		t.Fatalf("expected optimistic admission to survive reload")
	}
}

func TestSearchMatchesAndFilters(t *testing.T) {
	cache := newLoadedCache(t, nil)
	if _, err := cache.ApplyCheckin(admittedRecord("record-1", "TCK-003")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkedIn := true
	vip := true

	tests := []struct {
		name     string
		query    string
		filters  Filters
		expected []checkin.TicketID
	}{
		{name: "all-sorted-by-name", expected: []checkin.TicketID{"TCK-001", "TCK-003", "TCK-002"}},
		{name: "name-substring", query: "hop", expected: []checkin.TicketID{"TCK-002"}},
		{name: "email-substring", query: "ADA@", expected: []checkin.TicketID{"TCK-001"}},
		{name: "ticket-id-substring", query: "tck-00", expected: []checkin.TicketID{"TCK-001", "TCK-003", "TCK-002"}},
		{name: "checked-in", filters: Filters{CheckedIn: &checkedIn}, expected: []checkin.TicketID{"TCK-003"}},
		{name: "vip", filters: Filters{VIP: &vip}, expected: []checkin.TicketID{"TCK-002"}},
		{name: "ticket-type", query: "a", filters: Filters{TicketType: "GENERAL"}, expected: []checkin.TicketID{"TCK-001", "TCK-003"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := cache.Search(tt.query, tt.filters)
			if len(results) != len(tt.expected) {
				t.Fatalf("expected %d results, got %d", len(tt.expected), len(results))
			}
			for index, ticketID := range tt.expected {
				if results[index].Ticket.ID != ticketID {
					t.Fatalf("position %d: expected %s, got %s", index, ticketID, results[index].Ticket.ID)
				}
			}
		})
	}
}

func TestExportCheckedInReturnsOnlyAdmitted(t *testing.T) {
	cache := newLoadedCache(t, nil)
	if _, err := cache.ApplyCheckin(admittedRecord("record-1", "TCK-001")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expired := admittedRecord("record-2", "TCK-002")
	expired.Status = checkin.StatusExpired
	if _, err := cache.ApplyCheckin(expired); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checkedIn := true
	snapshot := cache.Export(Filters{CheckedIn: &checkedIn})
	if snapshot.EventID != "E1" {
		t.Fatalf("unexpected snapshot event: %s", snapshot.EventID)
	}
	if len(snapshot.Attendees) != 1 {
		t.Fatalf("expected one checked-in attendee, got %d", len(snapshot.Attendees))
	}
	if snapshot.Attendees[0].Latest.Status != checkin.StatusAdmitted {
		t.Fatalf("expected admitted governing record")
	}
	if len(snapshot.History) != 2 {
		t.Fatalf("expected full history, got %d records", len(snapshot.History))
	}
}

func TestCountsAndAnnotate(t *testing.T) {
	publisher := &recordingPublisher{}
	cache := newLoadedCache(t, publisher)
	counts := cache.Counts()
	if counts.Total != 3 || counts.VIP != 1 || counts.CheckedIn != 0 {
		t.Fatalf("unexpected counts: %#v", counts)
	}

	projection, err := cache.Annotate("TCK-002", " wheelchair access ")
	if err != nil {
		t.Fatalf("unexpected annotate error: %v", err)
	}
	if len(projection.StaffNotes) != 1 || projection.StaffNotes[0] != "wheelchair access" {
		t.Fatalf("unexpected staff notes: %#v", projection.StaffNotes)
	}
	if _, err := cache.Annotate("TCK-404", "note"); !errors.Is(err, ErrUnknownTicket) {
		t.Fatalf("expected unknown ticket error, got %v", err)
	}
	if publisher.count() != 1 {
		t.Fatalf("expected annotate to emit one update, got %d", publisher.count())
	}
}
