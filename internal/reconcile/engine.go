package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/eventbus"
	"github.com/MarcoPoloResearchLab/turnstile/internal/roster"
	"github.com/MarcoPoloResearchLab/turnstile/internal/syncqueue"
	"go.uber.org/zap"
)

const defaultSubmitTimeout = 10 * time.Second

var (
	errMissingQueue      = errors.New("queue is required")
	errMissingServer     = errors.New("server is required")
	errMissingRoster     = errors.New("roster is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrInterrupted reports a pass stopped by context cancellation; unacknowledged entries stay queued.
	ErrInterrupted = errors.New("reconcile: pass interrupted")
	noOpLogger     = zap.NewNop()
)

// Server is the server of record's admission API.
type Server interface {
	SubmitCheckin(ctx context.Context, submission checkin.Submission) (checkin.Verdict, error)
}

// Outbox is the durable queue the engine drains.
type Outbox interface {
	Drain(ctx context.Context, limit int) ([]syncqueue.Entry, error)
	MarkInFlight(ctx context.Context, entryID string) (syncqueue.Entry, error)
	Release(ctx context.Context, entryID string) (syncqueue.Entry, error)
	Acknowledge(ctx context.Context, entryID string, ack syncqueue.Ack) (syncqueue.Entry, error)
	RecordConflict(ctx context.Context, conflict checkin.ConflictRecord) error
}

// Roster receives corrected records.
type Roster interface {
	Record(ctx context.Context, record checkin.CheckinRecord) (checkin.AttendeeProjection, error)
}

// Publisher receives reconciliation notifications.
type Publisher interface {
	Publish(event eventbus.Event)
}

// Observer receives reconciliation metrics.
type Observer interface {
	ObserveReconcile(outcome string)
	ObserveSubmit(duration time.Duration)
}

// Config describes the dependencies of an Engine.
type Config struct {
	Queue         Outbox
	Server        Server
	Roster        Roster
	Bus           Publisher
	Clock         func() time.Time
	IDProvider    checkin.IDProvider
	Logger        *zap.Logger
	Metrics       Observer
	SubmitTimeout time.Duration
	BatchSize     int
}

// Report summarizes one reconciliation pass.
type Report struct {
	Attempted   int
	Confirmed   int
	Conflicted  int
	Rejected    int
	Retrying    int
	Failed      int
	Interrupted bool
	CompletedAt time.Time
}

// Settlement is the local consequence of one verdict.
type Settlement struct {
	Record   checkin.CheckinRecord
	Conflict *checkin.ConflictRecord
}

// Engine drains a device's queue against the server of record.
type Engine struct {
	queue         Outbox
	server        Server
	roster        Roster
	bus           Publisher
	clock         func() time.Time
	idProvider    checkin.IDProvider
	logger        *zap.Logger
	metrics       Observer
	submitTimeout time.Duration
	batchSize     int
	// pass admits a single reconciliation pass at a time.
	pass chan struct{}
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Server == nil {
		return nil, errMissingServer
	}
	if cfg.Roster == nil {
		return nil, errMissingRoster
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	return &Engine{
		queue:         cfg.Queue,
		server:        cfg.Server,
		roster:        cfg.Roster,
		bus:           cfg.Bus,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		metrics:       cfg.Metrics,
		submitTimeout: timeout,
		batchSize:     cfg.BatchSize,
		pass:          make(chan struct{}, 1),
	}, nil
}

// Sync runs one reconciliation pass. Scans may keep enqueueing while it runs; anything
// enqueued after the drain snapshot waits for the next pass.
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	select {
	case e.pass <- struct{}{}:
	case <-ctx.Done():
		return Report{Interrupted: true}, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
	defer func() { <-e.pass }()

	entries, err := e.queue.Drain(ctx, e.batchSize)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, entry := range entries {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		report.Attempted++
		if err := e.deliver(ctx, entry, &report); err != nil {
			if errors.Is(err, ErrInterrupted) {
				report.Interrupted = true
				break
			}
			return report, err
		}
	}

	report.CompletedAt = e.clock().UTC()
	if report.Interrupted {
		e.logger.Info("reconciliation interrupted",
			zap.Int("attempted", report.Attempted),
			zap.Int("confirmed", report.Confirmed))
		return report, fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
	}
	if report.Retrying == 0 {
		e.publish(eventbus.Event{Type: eventbus.EventSyncCompleted, OccurredAt: report.CompletedAt})
	}
	e.logger.Info("reconciliation pass finished",
		zap.Int("attempted", report.Attempted),
		zap.Int("confirmed", report.Confirmed),
		zap.Int("conflicted", report.Conflicted),
		zap.Int("rejected", report.Rejected),
		zap.Int("retrying", report.Retrying),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (e *Engine) deliver(ctx context.Context, entry syncqueue.Entry, report *Report) error {
	if _, err := e.queue.MarkInFlight(ctx, entry.EntryID); err != nil {
		return err
	}
	err := e.settleEntry(ctx, entry, report)
	if err == nil || errors.Is(err, ErrInterrupted) {
		return err
	}
	// A local failure after the entry left the queue must not strand it in flight.
	if _, releaseErr := e.queue.Release(context.WithoutCancel(ctx), entry.EntryID); releaseErr != nil {
		e.logger.Error("in-flight check-in not returned to the queue",
			zap.String("entry_id", entry.EntryID),
			zap.Error(releaseErr))
		return errors.Join(err, releaseErr)
	}
	e.logger.Warn("check-in returned to the queue after a local failure",
		zap.String("entry_id", entry.EntryID),
		zap.String("ticket_id", entry.TicketID),
		zap.Error(err))
	return err
}

func (e *Engine) settleEntry(ctx context.Context, entry syncqueue.Entry, report *Report) error {
	record := entry.Record()

	verdict, submitErr := e.submit(ctx, checkin.NewSubmission(record))
	// Once submitted, the entry must reach queued or a terminal state even if ctx ends now.
	persistCtx := context.WithoutCancel(ctx)
	if submitErr != nil {
		if ctx.Err() != nil {
			if _, err := e.queue.Release(persistCtx, entry.EntryID); err != nil {
				return err
			}
			return ErrInterrupted
		}
		return e.retry(persistCtx, entry, record, submitErr, report)
	}

	if _, err := e.Settle(persistCtx, record, verdict); err != nil {
		return err
	}
	ack := syncqueue.Ack{ServerTime: verdict.ServerTime, Reason: verdict.Reason}
	switch verdict.Outcome {
	case checkin.OutcomeAccepted:
		ack.Kind = syncqueue.AckConfirmed
	case checkin.OutcomeAlreadyAdmittedByOther:
		ack.Kind = syncqueue.AckConflicted
		ack.Reason = string(checkin.OutcomeAlreadyAdmittedByOther)
	default:
		ack.Kind = syncqueue.AckRejected
	}
	if _, err := e.queue.Acknowledge(persistCtx, entry.EntryID, ack); err != nil {
		return err
	}
	switch ack.Kind {
	case syncqueue.AckConfirmed:
		report.Confirmed++
	case syncqueue.AckConflicted:
		report.Conflicted++
	default:
		report.Rejected++
	}
	return nil
}

func (e *Engine) retry(ctx context.Context, entry syncqueue.Entry, record checkin.CheckinRecord, cause error, report *Report) error {
	updated, err := e.queue.Acknowledge(ctx, entry.EntryID, syncqueue.Ack{Kind: syncqueue.AckRetry, Reason: cause.Error()})
	if err != nil {
		return err
	}
	e.observe("retry")
	if updated.DeliveryState == syncqueue.StateFailed {
		report.Failed++
		e.logger.Error("check-in delivery abandoned",
			zap.String("entry_id", entry.EntryID),
			zap.String("ticket_id", entry.TicketID),
			zap.Int("attempts", updated.RetryCount),
			zap.Error(cause))
		e.publish(eventbus.Event{
			Type:     eventbus.EventSyncFailed,
			EventID:  record.EventID,
			TicketID: record.TicketID,
			Record:   &record,
			Reason:   updated.Adjudication,
		})
		return nil
	}
	report.Retrying++
	e.logger.Warn("check-in delivery deferred",
		zap.String("entry_id", entry.EntryID),
		zap.String("ticket_id", entry.TicketID),
		zap.Int("attempts", updated.RetryCount),
		zap.Error(cause))
	return nil
}

func (e *Engine) submit(ctx context.Context, submission checkin.Submission) (checkin.Verdict, error) {
	submitCtx, cancel := context.WithTimeout(ctx, e.submitTimeout)
	defer cancel()
	started := time.Now()
	verdict, err := e.server.SubmitCheckin(submitCtx, submission)
	if e.metrics != nil {
		e.metrics.ObserveSubmit(time.Since(started))
	}
	return verdict, err
}

// Settle applies a verdict to the local state: it folds the authoritative record into the
// roster, logs any conflict, and publishes the matching notification. It is shared by the
// drain loop and the online scan path and returns the record as it now stands locally.
func (e *Engine) Settle(ctx context.Context, record checkin.CheckinRecord, verdict checkin.Verdict) (Settlement, error) {
	serverTime := verdict.ServerTime.UTC()
	settled := record.Clone()
	settled.ServerTime = &serverTime

	switch verdict.Outcome {
	case checkin.OutcomeAccepted:
		settled.Status = checkin.StatusAdmitted
		settled.Reason = ""
		e.apply(ctx, settled)
		e.observe(string(verdict.Outcome))
		return Settlement{Record: settled}, nil

	case checkin.OutcomeAlreadyAdmittedByOther:
		return e.settleConflict(ctx, settled, verdict)

	case checkin.OutcomeRejected:
		settled.Status = statusForRejection(verdict.Reason)
		settled.Reason = verdict.Reason
		e.apply(ctx, settled)
		e.observe(string(verdict.Outcome))
		e.logger.Warn("check-in rejected by server",
			zap.String("ticket_id", settled.TicketID.String()),
			zap.String("record_id", settled.ID),
			zap.String("reason", verdict.Reason))
		e.publish(eventbus.Event{
			Type:     eventbus.EventSyncFailed,
			EventID:  settled.EventID,
			TicketID: settled.TicketID,
			Record:   &settled,
			Reason:   verdict.Reason,
		})
		return Settlement{Record: settled}, nil

	default:
		return Settlement{}, fmt.Errorf("reconcile: unknown outcome %q", verdict.Outcome)
	}
}

func (e *Engine) settleConflict(ctx context.Context, local checkin.CheckinRecord, verdict checkin.Verdict) (Settlement, error) {
	admittedAt := verdict.AdmittedAt.UTC()
	remote := checkin.CheckinRecord{
		ID:         verdict.AdmittingRecordID,
		TicketID:   local.TicketID,
		EventID:    local.EventID,
		Status:     checkin.StatusAdmitted,
		DeviceID:   verdict.AdmittingDevice,
		Sequence:   verdict.AdmittingSequence,
		ClientTime: admittedAt,
		ServerTime: &admittedAt,
		Origin:     checkin.OriginOnline,
	}
	local.Status = checkin.StatusAdmitted

	// The server of record already holds the other admission, so this device always loses.
	// Timestamp order only labels the resolution; equal acceptance instants stay with the server.
	resolution := ResolutionEarliestServerTime
	if ordered, _, _ := ResolveConflict(remote, local); ordered.ID != remote.ID || !admittedAt.Before(*local.ServerTime) {
		resolution = ResolutionServerOfRecord
	}
	winner, loser := remote, local
	winner.Reason = ""
	loser.Status = checkin.StatusAlreadyAdmitted
	loser.Reason = string(checkin.OutcomeAlreadyAdmittedByOther)
	prior := winner.Clone()
	loser.Prior = &prior

	conflictID, err := e.idProvider.NewID()
	if err != nil {
		return Settlement{}, fmt.Errorf("reconcile: conflict id: %w", err)
	}
	conflict := checkin.ConflictRecord{
		ID:         conflictID,
		TicketID:   local.TicketID,
		EventID:    local.EventID,
		Winner:     winner,
		Loser:      loser,
		Resolution: resolution,
		ResolvedAt: e.clock().UTC(),
	}
	if err := e.queue.RecordConflict(ctx, conflict); err != nil {
		return Settlement{}, err
	}

	local = loser
	// Only this device's record is folded locally; the other side is surfaced through Prior.
	e.apply(ctx, local)
	e.observe("conflict")
	e.logger.Info("duplicate admission resolved",
		zap.String("ticket_id", local.TicketID.String()),
		zap.String("winner_device", winner.DeviceID.String()),
		zap.String("loser_device", loser.DeviceID.String()),
		zap.String("resolution", resolution))
	e.publish(eventbus.Event{
		Type:     eventbus.EventConflictResolved,
		EventID:  local.EventID,
		TicketID: local.TicketID,
		Conflict: &conflict,
	})

	return Settlement{Record: local, Conflict: &conflict}, nil
}

func (e *Engine) apply(ctx context.Context, record checkin.CheckinRecord) {
	if _, err := e.roster.Record(ctx, record); err != nil {
		if errors.Is(err, roster.ErrUnknownTicket) {
			e.logger.Debug("settled record kept for audit only",
				zap.String("ticket_id", record.TicketID.String()),
				zap.String("record_id", record.ID))
			return
		}
		e.logger.Warn("settled record not applied to roster",
			zap.String("ticket_id", record.TicketID.String()),
			zap.String("record_id", record.ID),
			zap.Error(err))
	}
}

func (e *Engine) publish(event eventbus.Event) {
	if e.bus == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.clock().UTC()
	}
	e.bus.Publish(event)
}

func (e *Engine) observe(outcome string) {
	if e.metrics != nil {
		e.metrics.ObserveReconcile(outcome)
	}
}

func statusForRejection(reason string) checkin.Status {
	switch checkin.Status(reason) {
	case checkin.StatusExpired:
		return checkin.StatusExpired
	case checkin.StatusNotFound:
		return checkin.StatusNotFound
	default:
		return checkin.StatusInvalid
	}
}
