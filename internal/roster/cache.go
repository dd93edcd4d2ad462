package roster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/eventbus"
	"go.uber.org/zap"
)

var (
	// ErrMissingSource indicates that the cache was built without a server of record.
	ErrMissingSource = errors.New("roster: source required")
	// ErrFetchFailed wraps failures reported by the server of record.
	ErrFetchFailed = errors.New("roster: fetch failed")
	// ErrUnknownTicket indicates that the ticket is not part of the loaded roster.
	ErrUnknownTicket = errors.New("roster: unknown ticket")
	// ErrEventMismatch indicates a record or ticket for an event other than the loaded one.
	ErrEventMismatch = errors.New("roster: event mismatch")
	// ErrJournalFailed indicates a record that was folded in memory but not journaled.
	ErrJournalFailed = errors.New("roster: journal write failed")
	// ErrNotLoaded indicates an operation that needs a loaded event.
	ErrNotLoaded = errors.New("roster: no event loaded")
)

const defaultMaxUnmatched = 1000

// Source fetches the authoritative attendee list.
type Source interface {
	FetchRoster(ctx context.Context, eventID checkin.EventID) ([]checkin.AttendeeProjection, error)
}

// Publisher receives attendee_updated notifications.
type Publisher interface {
	Publish(event eventbus.Event)
}

// Journal durably keeps every record the device folds so history survives a restart.
type Journal interface {
	AppendRecord(ctx context.Context, record checkin.CheckinRecord) error
	Records(ctx context.Context, eventID checkin.EventID) ([]checkin.CheckinRecord, error)
}

// Config describes the dependencies of a Cache. MaxUnmatched bounds how many records for
// unknown codes stay in memory; older ones remain only in the journal.
type Config struct {
	Source       Source
	Journal      Journal
	Bus          Publisher
	Clock        func() time.Time
	Logger       *zap.Logger
	MaxUnmatched int
}

// Filters narrows Search and Export results. Nil pointers mean "any".
type Filters struct {
	CheckedIn  *bool
	VIP        *bool
	TicketType string
}

// Counts summarizes the roster.
type Counts struct {
	Total     int `json:"total"`
	CheckedIn int `json:"checked_in"`
	VIP       int `json:"vip"`
}

// Snapshot is the read-only export handed to external formatters.
type Snapshot struct {
	EventID     checkin.EventID              `json:"event_id"`
	GeneratedAt time.Time                    `json:"generated_at"`
	Attendees   []checkin.AttendeeProjection `json:"attendees"`
	History     []checkin.CheckinRecord      `json:"history"`
}

// Cache holds the attendee projections of one event for one device.
type Cache struct {
	mu        sync.RWMutex
	eventID   checkin.EventID
	attendees map[checkin.TicketID]*attendee
	unmatched map[string]checkin.CheckinRecord
	// unmatchedOrder holds unmatched record ids oldest first.
	unmatchedOrder []string
	maxUnmatched   int

	source  Source
	journal Journal
	bus     Publisher
	clock   func() time.Time
	logger  *zap.Logger
}

type attendee struct {
	ticket     checkin.Ticket
	records    map[string]checkin.CheckinRecord
	staffNotes []string
	projection checkin.AttendeeProjection
}

// NewCache constructs an empty Cache.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Source == nil {
		return nil, ErrMissingSource
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUnmatched := cfg.MaxUnmatched
	if maxUnmatched <= 0 {
		maxUnmatched = defaultMaxUnmatched
	}
	return &Cache{
		attendees:    make(map[checkin.TicketID]*attendee),
		unmatched:    make(map[string]checkin.CheckinRecord),
		maxUnmatched: maxUnmatched,
		source:       cfg.Source,
		journal:      cfg.Journal,
		bus:          cfg.Bus,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Load populates the cache from the server of record. An empty roster is valid. Records
// already folded locally for tickets that remain on the roster are kept, so optimistic
// offline admissions survive a refresh.
func (c *Cache) Load(ctx context.Context, rawEventID string) ([]checkin.AttendeeProjection, error) {
	eventID, err := checkin.NewEventID(rawEventID)
	if err != nil {
		return nil, err
	}

	fetched, err := c.source.FetchRoster(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	c.mu.Lock()
	previous := c.attendees
	if c.eventID != eventID {
		previous = map[checkin.TicketID]*attendee{}
		c.unmatched = make(map[string]checkin.CheckinRecord)
		c.unmatchedOrder = nil
	}
	next := make(map[checkin.TicketID]*attendee, len(fetched))
	for _, projection := range fetched {
		if projection.Ticket.EventID != eventID {
			c.logger.Warn("roster entry for another event skipped",
				zap.String("event_id", eventID.String()),
				zap.String("ticket_id", projection.Ticket.ID.String()))
			continue
		}
		entry := &attendee{
			ticket:  projection.Ticket,
			records: make(map[string]checkin.CheckinRecord),
		}
		if existing, ok := previous[projection.Ticket.ID]; ok {
			for recordID, record := range existing.records {
				entry.records[recordID] = record
			}
			entry.staffNotes = append(entry.staffNotes, existing.staffNotes...)
		}
		if projection.Latest != nil {
			entry.records[projection.Latest.ID] = projection.Latest.Clone()
		}
		entry.refold()
		next[projection.Ticket.ID] = entry
	}
	c.eventID = eventID
	c.attendees = next
	result := c.listLocked(Filters{})
	c.mu.Unlock()

	c.logger.Info("roster loaded",
		zap.String("event_id", eventID.String()),
		zap.Int("attendees", len(result)))
	return result, nil
}

// ApplyCheckin folds a record into the matching projection. Applying the same record again
// is a no-op; a revised record with the same identifier replaces the earlier revision.
// Records for tickets outside the roster are retained for audit only.
func (c *Cache) ApplyCheckin(record checkin.CheckinRecord) (checkin.AttendeeProjection, error) {
	c.mu.Lock()
	if c.eventID != "" && record.EventID != c.eventID {
		c.mu.Unlock()
		return checkin.AttendeeProjection{}, fmt.Errorf("%w: %s", ErrEventMismatch, record.EventID)
	}

	entry, ok := c.attendees[record.TicketID]
	if !ok {
		c.rememberUnmatchedLocked(record)
		c.mu.Unlock()
		return checkin.AttendeeProjection{}, fmt.Errorf("%w: %s", ErrUnknownTicket, record.TicketID)
	}

	if existing, seen := entry.records[record.ID]; seen && existing.Equal(record) {
		projection := entry.projection.Clone()
		c.mu.Unlock()
		return projection, nil
	}

	before := entry.projection
	entry.records[record.ID] = record.Clone()
	entry.refold()
	projection := entry.projection.Clone()
	changed := !sameGoverningRecord(before, entry.projection)
	eventID := c.eventID
	c.mu.Unlock()

	if changed {
		c.publishUpdated(eventID, projection)
	}
	return projection, nil
}

// Record folds a record like ApplyCheckin and journals it. Records for unknown tickets are
// journaled too. A journal failure leaves the in-memory fold in place and reports
// ErrJournalFailed.
func (c *Cache) Record(ctx context.Context, record checkin.CheckinRecord) (checkin.AttendeeProjection, error) {
	projection, applyErr := c.ApplyCheckin(record)
	if applyErr != nil && !errors.Is(applyErr, ErrUnknownTicket) {
		return projection, applyErr
	}
	if c.journal != nil {
		if err := c.journal.AppendRecord(ctx, record); err != nil {
			c.logger.Error("check-in record not journaled",
				zap.String("record_id", record.ID),
				zap.String("ticket_id", record.TicketID.String()),
				zap.Error(err))
			return projection, fmt.Errorf("%w: %w", ErrJournalFailed, err)
		}
	}
	return projection, applyErr
}

// Restore folds the journaled history of the loaded event back into the cache. It returns
// the number of records replayed.
func (c *Cache) Restore(ctx context.Context) (int, error) {
	if c.journal == nil {
		return 0, nil
	}
	eventID := c.EventID()
	if eventID == "" {
		return 0, ErrNotLoaded
	}
	records, err := c.journal.Records(ctx, eventID)
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		if _, err := c.ApplyCheckin(record); err != nil && !errors.Is(err, ErrUnknownTicket) {
			return 0, err
		}
	}
	if len(records) > 0 {
		c.logger.Info("check-in history restored",
			zap.String("event_id", eventID.String()),
			zap.Int("records", len(records)))
	}
	return len(records), nil
}

// Annotate attaches a staff note to a ticket's projection.
func (c *Cache) Annotate(ticketID checkin.TicketID, note string) (checkin.AttendeeProjection, error) {
	trimmed := strings.TrimSpace(note)
	c.mu.Lock()
	entry, ok := c.attendees[ticketID]
	if !ok {
		c.mu.Unlock()
		return checkin.AttendeeProjection{}, fmt.Errorf("%w: %s", ErrUnknownTicket, ticketID)
	}
	if trimmed != "" {
		entry.staffNotes = append(entry.staffNotes, trimmed)
		entry.refold()
	}
	projection := entry.projection.Clone()
	eventID := c.eventID
	c.mu.Unlock()

	if trimmed != "" {
		c.publishUpdated(eventID, projection)
	}
	return projection, nil
}

// Lookup serves the verifier's read path.
func (c *Cache) Lookup(ticketID checkin.TicketID) (checkin.AttendeeProjection, bool) {
	return c.GetByID(ticketID)
}

// GetByID returns a copy of the projection for the ticket.
func (c *Cache) GetByID(ticketID checkin.TicketID) (checkin.AttendeeProjection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.attendees[ticketID]
	if !ok {
		return checkin.AttendeeProjection{}, false
	}
	return entry.projection.Clone(), true
}

// Search returns projections whose holder name, email or ticket id contains query
// (case-insensitive) and that satisfy filters.
func (c *Cache) Search(query string, filters Filters) []checkin.AttendeeProjection {
	needle := strings.ToLower(strings.TrimSpace(query))

	c.mu.RLock()
	defer c.mu.RUnlock()
	matches := make([]checkin.AttendeeProjection, 0)
	for _, projection := range c.listLocked(filters) {
		if needle == "" || matchesQuery(projection.Ticket, needle) {
			matches = append(matches, projection)
		}
	}
	return matches
}

// Counts returns total, checked-in and VIP counts.
func (c *Cache) Counts() Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var counts Counts
	for _, entry := range c.attendees {
		counts.Total++
		if entry.projection.CheckedIn() {
			counts.CheckedIn++
		}
		if entry.ticket.VIP {
			counts.VIP++
		}
	}
	return counts
}

// EventID returns the loaded event.
func (c *Cache) EventID() checkin.EventID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventID
}

// Export returns the filtered projections plus the record history, including the most recent
// records for codes that matched no ticket.
func (c *Cache) Export(filters Filters) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := make([]checkin.CheckinRecord, 0)
	for _, entry := range c.attendees {
		for _, record := range entry.records {
			history = append(history, record.Clone())
		}
	}
	for _, record := range c.unmatched {
		history = append(history, record.Clone())
	}
	checkin.SortForReplay(history)

	return Snapshot{
		EventID:     c.eventID,
		GeneratedAt: c.clock().UTC(),
		Attendees:   c.listLocked(filters),
		History:     history,
	}
}

func (c *Cache) rememberUnmatchedLocked(record checkin.CheckinRecord) {
	if _, seen := c.unmatched[record.ID]; !seen {
		c.unmatchedOrder = append(c.unmatchedOrder, record.ID)
	}
	c.unmatched[record.ID] = record.Clone()
	for len(c.unmatchedOrder) > c.maxUnmatched {
		oldest := c.unmatchedOrder[0]
		c.unmatchedOrder = c.unmatchedOrder[1:]
		delete(c.unmatched, oldest)
	}
}

func (c *Cache) listLocked(filters Filters) []checkin.AttendeeProjection {
	projections := make([]checkin.AttendeeProjection, 0, len(c.attendees))
	for _, entry := range c.attendees {
		if !filters.match(entry.projection) {
			continue
		}
		projections = append(projections, entry.projection.Clone())
	}
	sort.Slice(projections, func(i, j int) bool {
		left := strings.ToLower(projections[i].Ticket.HolderName)
		right := strings.ToLower(projections[j].Ticket.HolderName)
		if left != right {
			return left < right
		}
		return projections[i].Ticket.ID < projections[j].Ticket.ID
	})
	return projections
}

func (c *Cache) publishUpdated(eventID checkin.EventID, projection checkin.AttendeeProjection) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{
		Type:       eventbus.EventAttendeeUpdated,
		EventID:    eventID,
		TicketID:   projection.Ticket.ID,
		Attendee:   &projection,
		OccurredAt: c.clock().UTC(),
	})
}

func (entry *attendee) refold() {
	records := make([]checkin.CheckinRecord, 0, len(entry.records))
	for _, record := range entry.records {
		records = append(records, record)
	}
	projection := checkin.Fold(entry.ticket, records)
	if len(entry.staffNotes) > 0 {
		projection.StaffNotes = append([]string(nil), entry.staffNotes...)
	}
	entry.projection = projection
}

func (f Filters) match(projection checkin.AttendeeProjection) bool {
	if f.CheckedIn != nil && projection.CheckedIn() != *f.CheckedIn {
		return false
	}
	if f.VIP != nil && projection.Ticket.VIP != *f.VIP {
		return false
	}
	if f.TicketType != "" && !strings.EqualFold(projection.Ticket.TicketType, f.TicketType) {
		return false
	}
	return true
}

func matchesQuery(ticket checkin.Ticket, needle string) bool {
	return strings.Contains(strings.ToLower(ticket.HolderName), needle) ||
		strings.Contains(strings.ToLower(ticket.HolderEmail), needle) ||
		strings.Contains(strings.ToLower(ticket.ID.String()), needle)
}

func sameGoverningRecord(left, right checkin.AttendeeProjection) bool {
	if (left.Latest == nil) != (right.Latest == nil) {
		return false
	}
	if left.Latest == nil {
		return true
	}
	return left.Latest.Equal(*right.Latest)
}
