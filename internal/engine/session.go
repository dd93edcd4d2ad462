package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/eventbus"
	"github.com/MarcoPoloResearchLab/turnstile/internal/reconcile"
	"github.com/MarcoPoloResearchLab/turnstile/internal/roster"
	"github.com/MarcoPoloResearchLab/turnstile/internal/syncqueue"
	"go.uber.org/zap"
)

const (
	defaultSubmitTimeout = 10 * time.Second
	defaultSyncInterval  = 30 * time.Second
)

var (
	// ErrUnconfirmed reports an admission that could not be durably recorded. The roster is
	// left untouched and the operator must rescan.
	ErrUnconfirmed = errors.New("engine: check-in not recorded")

	errMissingEventID    = errors.New("engine: event id required")
	errMissingVerifier   = errors.New("engine: verifier required")
	errMissingRoster     = errors.New("engine: roster required")
	errMissingQueue      = errors.New("engine: queue required")
	errMissingReconciler = errors.New("engine: reconciler required")
	errMissingServer     = errors.New("engine: server required")
)

// Verifier classifies presented codes.
type Verifier interface {
	Verify(rawCode string, eventID checkin.EventID, state checkin.KnownState) (checkin.CheckinRecord, error)
}

// Roster is the local mirror the session reads from and folds into.
type Roster interface {
	checkin.KnownState
	Record(ctx context.Context, record checkin.CheckinRecord) (checkin.AttendeeProjection, error)
	Load(ctx context.Context, rawEventID string) ([]checkin.AttendeeProjection, error)
}

// Outbox is the durable queue used for offline admissions.
type Outbox interface {
	ReserveSequence(ctx context.Context) (int64, error)
	Enqueue(ctx context.Context, record checkin.CheckinRecord) (syncqueue.Entry, error)
	Recover(ctx context.Context) (int64, error)
}

// Reconciler drains the outbox and settles authoritative verdicts.
type Reconciler interface {
	Sync(ctx context.Context) (reconcile.Report, error)
	Settle(ctx context.Context, record checkin.CheckinRecord, verdict checkin.Verdict) (reconcile.Settlement, error)
}

// Publisher receives check-in notifications.
type Publisher interface {
	Publish(event eventbus.Event)
}

// ScanObserver receives scan metrics.
type ScanObserver interface {
	ObserveScan(status, origin string)
}

// Config describes the collaborators of a Session.
type Config struct {
	EventID       checkin.EventID
	Verifier      Verifier
	Roster        Roster
	Queue         Outbox
	Reconciler    Reconciler
	Server        reconcile.Server
	Bus           Publisher
	Clock         func() time.Time
	Logger        *zap.Logger
	Metrics       ScanObserver
	SubmitTimeout time.Duration
	SyncInterval  time.Duration
	Online        bool
}

// ScanRequest is one presented code.
type ScanRequest struct {
	Code  string
	Notes string
}

// ScanResult is the outcome shown to staff for one scan.
type ScanResult struct {
	Record checkin.CheckinRecord
	// Confirmed is set when the server of record answered during the scan.
	Confirmed bool
	// Queued is set when the admission awaits reconciliation.
	Queued   bool
	Conflict *checkin.ConflictRecord
}

// Session is the check-in engine for one event on one device.
type Session struct {
	eventID       checkin.EventID
	verifier      Verifier
	roster        Roster
	queue         Outbox
	reconciler    Reconciler
	server        reconcile.Server
	bus           Publisher
	clock         func() time.Time
	logger        *zap.Logger
	metrics       ScanObserver
	submitTimeout time.Duration
	syncInterval  time.Duration

	online atomic.Bool
	// scanMu serializes scans so verification always sees the previous scan's effect.
	scanMu sync.Mutex
}

// NewSession validates the configuration and returns a Session.
func NewSession(cfg Config) (*Session, error) {
	if _, err := checkin.NewEventID(cfg.EventID.String()); err != nil {
		return nil, errMissingEventID
	}
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Roster == nil {
		return nil, errMissingRoster
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if cfg.Server == nil {
		return nil, errMissingServer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = defaultSyncInterval
	}
	session := &Session{
		eventID:       cfg.EventID,
		verifier:      cfg.Verifier,
		roster:        cfg.Roster,
		queue:         cfg.Queue,
		reconciler:    cfg.Reconciler,
		server:        cfg.Server,
		bus:           cfg.Bus,
		clock:         clock,
		logger:        logger.With(zap.String("event_id", cfg.EventID.String())),
		metrics:       cfg.Metrics,
		submitTimeout: submitTimeout,
		syncInterval:  syncInterval,
	}
	session.online.Store(cfg.Online)
	return session, nil
}

// Open constructs a Session and returns entries stranded in flight by a previous run to
// the queue.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	session, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	recovered, err := session.queue.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: recover queue: %w", err)
	}
	if recovered > 0 {
		session.logger.Info("requeued interrupted deliveries", zap.Int64("count", recovered))
	}
	return session, nil
}

// SetOnline records the current connectivity.
func (s *Session) SetOnline(online bool) {
	if previous := s.online.Swap(online); previous != online {
		s.logger.Info("connectivity changed", zap.Bool("online", online))
	}
}

// Online reports the last known connectivity.
func (s *Session) Online() bool {
	return s.online.Load()
}

// EventID returns the event this session checks in to.
func (s *Session) EventID() checkin.EventID {
	return s.eventID
}

// Scan verifies a code and records the attempt. Only admitted records are delivered to the
// server of record; every other outcome is folded locally for the audit trail.
func (s *Session) Scan(ctx context.Context, request ScanRequest) (ScanResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	record, err := s.verifier.Verify(request.Code, s.eventID, s.roster)
	if err != nil {
		s.logger.Error("scan could not be verified", zap.Error(err))
		return ScanResult{}, fmt.Errorf("%w: %w", ErrUnconfirmed, err)
	}
	record.Notes = request.Notes

	if record.Status != checkin.StatusAdmitted {
		record.Origin = s.origin()
		s.applyLocal(ctx, record)
		s.observe(record)
		s.logger.Debug("scan not admitted",
			zap.String("ticket_id", record.TicketID.String()),
			zap.String("status", string(record.Status)),
			zap.String("reason", record.Reason))
		return ScanResult{Record: record}, nil
	}

	if s.Online() {
		result, submitted, err := s.admitOnline(ctx, record)
		if err != nil {
			return ScanResult{}, err
		}
		if submitted {
			s.observe(result.Record)
			return result, nil
		}
	}
	result, err := s.admitOffline(ctx, record)
	if err != nil {
		return ScanResult{}, err
	}
	s.observe(result.Record)
	return result, nil
}

// admitOnline submits directly. submitted is false when the server could not be reached and
// the caller must fall back to the queue.
func (s *Session) admitOnline(ctx context.Context, record checkin.CheckinRecord) (ScanResult, bool, error) {
	sequence, err := s.queue.ReserveSequence(ctx)
	if err != nil {
		s.logger.Error("sequence reservation failed",
			zap.String("ticket_id", record.TicketID.String()),
			zap.Error(err))
		return ScanResult{}, false, fmt.Errorf("%w: %w", ErrUnconfirmed, err)
	}
	record.Sequence = sequence
	record.Origin = checkin.OriginOnline

	submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout)
	verdict, submitErr := s.server.SubmitCheckin(submitCtx, checkin.NewSubmission(record))
	cancel()
	if submitErr != nil {
		s.logger.Warn("online submission failed, queueing",
			zap.String("ticket_id", record.TicketID.String()),
			zap.String("record_id", record.ID),
			zap.Error(submitErr))
		return ScanResult{}, false, nil
	}

	settlement, err := s.reconciler.Settle(context.WithoutCancel(ctx), record, verdict)
	if err != nil {
		s.logger.Error("online verdict could not be settled",
			zap.String("ticket_id", record.TicketID.String()),
			zap.Error(err))
		return ScanResult{}, false, fmt.Errorf("%w: %w", ErrUnconfirmed, err)
	}
	if settlement.Record.Status == checkin.StatusAdmitted {
		s.publishCheckedIn(settlement.Record)
	}
	return ScanResult{Record: settlement.Record, Confirmed: true, Conflict: settlement.Conflict}, true, nil
}

func (s *Session) admitOffline(ctx context.Context, record checkin.CheckinRecord) (ScanResult, error) {
	record.Origin = checkin.OriginOffline
	record.Sequence = 0
	entry, err := s.queue.Enqueue(ctx, record)
	if err != nil {
		s.logger.Error("offline admission not recorded",
			zap.String("ticket_id", record.TicketID.String()),
			zap.String("record_id", record.ID),
			zap.Error(err))
		return ScanResult{}, fmt.Errorf("%w: %w", ErrUnconfirmed, err)
	}
	queued := entry.Record()
	s.applyLocal(ctx, queued)
	s.publishCheckedIn(queued)
	return ScanResult{Record: queued, Queued: true}, nil
}

// Sync runs one reconciliation pass and refreshes the roster when it completes cleanly.
func (s *Session) Sync(ctx context.Context) (reconcile.Report, error) {
	report, err := s.reconciler.Sync(ctx)
	if err != nil {
		return report, err
	}
	if report.Retrying > 0 {
		return report, nil
	}
	if refreshErr := s.Refresh(ctx); refreshErr != nil {
		s.logger.Warn("roster refresh after sync failed", zap.Error(refreshErr))
	}
	return report, nil
}

// Refresh reloads the roster from the server of record, keeping local records.
func (s *Session) Refresh(ctx context.Context) error {
	_, err := s.roster.Load(ctx, s.eventID.String())
	return err
}

// Run tracks connectivity changes and drains the queue whenever the device comes back
// online and on every interval tick while online. It returns when ctx ends.
func (s *Session) Run(ctx context.Context, connectivity <-chan bool) error {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case online, ok := <-connectivity:
			if !ok {
				connectivity = nil
				continue
			}
			wasOnline := s.Online()
			s.SetOnline(online)
			if online && !wasOnline {
				s.syncNow(ctx)
			}
		case <-ticker.C:
			if s.Online() {
				s.syncNow(ctx)
			}
		}
	}
}

func (s *Session) syncNow(ctx context.Context) {
	report, err := s.Sync(ctx)
	if err != nil {
		if errors.Is(err, reconcile.ErrInterrupted) {
			return
		}
		s.logger.Warn("reconciliation pass failed", zap.Error(err))
		return
	}
	s.logger.Debug("reconciliation pass completed",
		zap.Int("attempted", report.Attempted),
		zap.Int("retrying", report.Retrying))
}

func (s *Session) applyLocal(ctx context.Context, record checkin.CheckinRecord) {
	if _, err := s.roster.Record(context.WithoutCancel(ctx), record); err != nil {
		if errors.Is(err, roster.ErrUnknownTicket) {
			return
		}
		s.logger.Warn("record not applied to roster",
			zap.String("ticket_id", record.TicketID.String()),
			zap.String("record_id", record.ID),
			zap.Error(err))
	}
}

func (s *Session) publishCheckedIn(record checkin.CheckinRecord) {
	if s.bus == nil {
		return
	}
	var attendee *checkin.AttendeeProjection
	if projection, ok := s.roster.Lookup(record.TicketID); ok {
		attendee = &projection
	}
	s.bus.Publish(eventbus.Event{
		Type:       eventbus.EventAttendeeCheckedIn,
		EventID:    record.EventID,
		TicketID:   record.TicketID,
		Record:     &record,
		Attendee:   attendee,
		OccurredAt: s.clock().UTC(),
	})
}

func (s *Session) origin() checkin.Origin {
	if s.Online() {
		return checkin.OriginOnline
	}
	return checkin.OriginOffline
}

func (s *Session) observe(record checkin.CheckinRecord) {
	if s.metrics != nil {
		s.metrics.ObserveScan(string(record.Status), string(record.Origin))
	}
}
