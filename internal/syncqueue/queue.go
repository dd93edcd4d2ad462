package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrForeignDevice indicates a record authored by a different device than the queue's owner.
	ErrForeignDevice = errors.New("syncqueue: record belongs to another device")
	// ErrEntryNotFound indicates that no entry matches the identifier.
	ErrEntryNotFound = errors.New("syncqueue: entry not found")
	// ErrInvalidTransition indicates an acknowledgement that does not fit the entry's state.
	ErrInvalidTransition = errors.New("syncqueue: invalid state transition")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opQueueNew       = "syncqueue.new"
	opEnqueue        = "syncqueue.enqueue"
	opReserve        = "syncqueue.reserve_sequence"
	opDrain          = "syncqueue.drain"
	opMarkInFlight   = "syncqueue.mark_in_flight"
	opRelease        = "syncqueue.release"
	opAcknowledge    = "syncqueue.acknowledge"
	opRecover        = "syncqueue.recover"
	opFailures       = "syncqueue.failures"
	opDismiss        = "syncqueue.dismiss"
	opDepth          = "syncqueue.depth"
	opRecordConflict = "syncqueue.record_conflict"
	opConflicts      = "syncqueue.conflicts"
	opPending        = "syncqueue.pending"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// AckKind classifies the server's answer for an in-flight entry.
type AckKind string

const (
	AckConfirmed  AckKind = "confirmed"
	AckConflicted AckKind = "conflicted"
	AckRejected   AckKind = "rejected"
	AckRetry      AckKind = "retry"
)

// Ack reports the outcome of one delivery attempt.
type Ack struct {
	Kind       AckKind
	Reason     string
	ServerTime time.Time
}

// DepthObserver is notified whenever the number of undelivered entries changes.
type DepthObserver interface {
	SetQueueDepth(depth int64)
}

// Config describes the dependencies of a Queue.
type Config struct {
	Database    *gorm.DB
	DeviceID    checkin.DeviceID
	Clock       func() time.Time
	IDProvider  checkin.IDProvider
	Logger      *zap.Logger
	Backoff     Backoff
	MaxAttempts int
	Depth       DepthObserver
}

// Queue is the durable, per-device outbox of offline admissions.
type Queue struct {
	// mu serializes writers; SQLite runs on a single connection but sequence allocation
	// must not interleave with enqueue.
	mu          sync.Mutex
	db          *gorm.DB
	deviceID    checkin.DeviceID
	clock       func() time.Time
	idProvider  checkin.IDProvider
	logger      *zap.Logger
	backoff     Backoff
	maxAttempts int
	depth       DepthObserver
}

// NewQueue constructs a Queue bound to one device.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opQueueNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opQueueNew, "missing_id_provider", errMissingIDProvider)
	}
	if _, err := checkin.NewDeviceID(cfg.DeviceID.String()); err != nil {
		return nil, newServiceError(opQueueNew, "invalid_device_id", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Queue{
		db:          cfg.Database,
		deviceID:    cfg.DeviceID,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		backoff:     cfg.Backoff,
		maxAttempts: maxAttempts,
		depth:       cfg.Depth,
	}, nil
}

// DeviceID returns the owning device.
func (q *Queue) DeviceID() checkin.DeviceID {
	return q.deviceID
}

// ReserveSequence issues the next device sequence number without creating an entry.
// Numbers are never reused, even if the caller discards the reservation.
func (q *Queue) ReserveSequence(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var sequence int64
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next, err := q.nextSequence(tx)
		if err != nil {
			return err
		}
		sequence = next
		return nil
	})
	if err != nil {
		q.logError(opReserve, "cursor_update_failed", err)
		return 0, newServiceError(opReserve, "cursor_update_failed", err)
	}
	return sequence, nil
}

// Enqueue durably persists an admitted record with a freshly issued sequence number. The
// returned entry carries the assigned sequence; the record is only safe to surface as
// admitted once Enqueue has returned without error.
func (q *Queue) Enqueue(ctx context.Context, record checkin.CheckinRecord) (Entry, error) {
	if record.DeviceID != q.deviceID {
		q.logError(opEnqueue, "foreign_device", ErrForeignDevice,
			zap.String("record_device_id", record.DeviceID.String()))
		return Entry{}, newServiceError(opEnqueue, "foreign_device", ErrForeignDevice)
	}
	entryID, err := q.idProvider.NewID()
	if err != nil {
		q.logError(opEnqueue, "id_generation_failed", err)
		return Entry{}, newServiceError(opEnqueue, "id_generation_failed", err)
	}

	q.mu.Lock()
	nowMillis := q.clock().UTC().UnixMilli()
	entry := Entry{
		EntryID:          entryID,
		DeviceID:         record.DeviceID.String(),
		RecordID:         record.ID,
		TicketID:         record.TicketID.String(),
		EventID:          record.EventID.String(),
		Status:           string(record.Status),
		Notes:            record.Notes,
		ClientTimeMillis: record.ClientTime.UTC().UnixMilli(),
		DeliveryState:    StateQueued,
		CreatedAtMillis:  nowMillis,
		UpdatedAtMillis:  nowMillis,
	}
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sequence, err := q.nextSequence(tx)
		if err != nil {
			return err
		}
		entry.Sequence = sequence
		return tx.Create(&entry).Error
	})
	q.mu.Unlock()
	if txErr != nil {
		q.logError(opEnqueue, "insert_failed", txErr,
			zap.String("record_id", record.ID),
			zap.String("ticket_id", record.TicketID.String()))
		return Entry{}, newServiceError(opEnqueue, "insert_failed", txErr)
	}

	q.logger.Debug("check-in queued",
		zap.String("entry_id", entry.EntryID),
		zap.String("ticket_id", entry.TicketID),
		zap.Int64("sequence", entry.Sequence))
	q.reportDepth(ctx)
	return entry, nil
}

// Drain returns queued entries whose retry delay has elapsed, ordered by sequence. It does
// not change their state; callers mark each entry in flight before submitting it.
func (q *Queue) Drain(ctx context.Context, limit int) ([]Entry, error) {
	nowMillis := q.clock().UTC().UnixMilli()
	query := q.db.WithContext(ctx).
		Where("device_id = ? AND delivery_state = ? AND next_attempt_at_ms <= ?", q.deviceID.String(), StateQueued, nowMillis).
		Order("sequence ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		q.logError(opDrain, "query_failed", err)
		return nil, newServiceError(opDrain, "query_failed", err)
	}
	return entries, nil
}

// MarkInFlight moves a queued entry to in_flight.
func (q *Queue) MarkInFlight(ctx context.Context, entryID string) (Entry, error) {
	return q.transition(ctx, opMarkInFlight, entryID, func(entry *Entry, _ int64) error {
		if entry.DeliveryState != StateQueued {
			return ErrInvalidTransition
		}
		entry.DeliveryState = StateInFlight
		return nil
	})
}

// Release returns an in-flight entry to the queue without consuming a retry attempt.
func (q *Queue) Release(ctx context.Context, entryID string) (Entry, error) {
	return q.transition(ctx, opRelease, entryID, func(entry *Entry, _ int64) error {
		if entry.DeliveryState != StateInFlight {
			return ErrInvalidTransition
		}
		entry.DeliveryState = StateQueued
		return nil
	})
}

// Acknowledge settles an in-flight entry. Retry acknowledgements consume one attempt and
// schedule the next with exponential backoff; once the attempt budget is spent the entry
// fails permanently.
func (q *Queue) Acknowledge(ctx context.Context, entryID string, ack Ack) (Entry, error) {
	return q.transition(ctx, opAcknowledge, entryID, func(entry *Entry, nowMillis int64) error {
		if entry.DeliveryState != StateInFlight {
			return ErrInvalidTransition
		}
		if !ack.ServerTime.IsZero() {
			entry.ServerTimeMillis = ack.ServerTime.UTC().UnixMilli()
		}
		switch ack.Kind {
		case AckConfirmed:
			entry.DeliveryState = StateConfirmed
			entry.LastError = ""
		case AckConflicted:
			entry.DeliveryState = StateConflicted
			entry.Adjudication = ack.Reason
			entry.AdjudicatedAtMillis = nowMillis
		case AckRejected:
			entry.DeliveryState = StateFailed
			entry.Adjudication = ack.Reason
			entry.AdjudicatedAtMillis = nowMillis
			entry.LastError = ack.Reason
		case AckRetry:
			entry.RetryCount++
			entry.LastError = ack.Reason
			if entry.RetryCount >= q.maxAttempts {
				entry.DeliveryState = StateFailed
				entry.Adjudication = "retries_exhausted"
				entry.AdjudicatedAtMillis = nowMillis
				return nil
			}
			entry.DeliveryState = StateQueued
			entry.NextAttemptAtMillis = nowMillis + q.backoff.Delay(entry.RetryCount).Milliseconds()
		default:
			return fmt.Errorf("%w: unknown ack %q", ErrInvalidTransition, ack.Kind)
		}
		return nil
	})
}

// Recover requeues entries left in flight by an interrupted process.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	q.mu.Lock()
	result := q.db.WithContext(ctx).Model(&Entry{}).
		Where("device_id = ? AND delivery_state = ?", q.deviceID.String(), StateInFlight).
		Updates(map[string]any{
			"delivery_state": StateQueued,
			"updated_at_ms":  q.clock().UTC().UnixMilli(),
		})
	q.mu.Unlock()
	if result.Error != nil {
		q.logError(opRecover, "update_failed", result.Error)
		return 0, newServiceError(opRecover, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		q.logger.Info("in-flight check-ins requeued", zap.Int64("count", result.RowsAffected))
	}
	q.reportDepth(ctx)
	return result.RowsAffected, nil
}

// Pending lists an event's undelivered entries in sequence order, including entries whose
// retry delay has not elapsed. Devices replay them into the roster after a restart.
func (q *Queue) Pending(ctx context.Context, eventID checkin.EventID) ([]Entry, error) {
	var entries []Entry
	if err := q.db.WithContext(ctx).
		Where("device_id = ? AND event_id = ? AND delivery_state IN ?", q.deviceID.String(), eventID.String(), []DeliveryState{StateQueued, StateInFlight}).
		Order("sequence ASC").
		Find(&entries).Error; err != nil {
		q.logError(opPending, "query_failed", err)
		return nil, newServiceError(opPending, "query_failed", err)
	}
	return entries, nil
}

// Failures lists permanently failed entries awaiting staff review.
func (q *Queue) Failures(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := q.db.WithContext(ctx).
		Where("device_id = ? AND delivery_state = ?", q.deviceID.String(), StateFailed).
		Order("sequence ASC").
		Find(&entries).Error; err != nil {
		q.logError(opFailures, "query_failed", err)
		return nil, newServiceError(opFailures, "query_failed", err)
	}
	return entries, nil
}

// Dismiss removes a failed entry after staff review.
func (q *Queue) Dismiss(ctx context.Context, entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := q.db.WithContext(ctx).
		Where("entry_id = ? AND device_id = ? AND delivery_state = ?", entryID, q.deviceID.String(), StateFailed).
		Delete(&Entry{})
	if result.Error != nil {
		q.logError(opDismiss, "delete_failed", result.Error, zap.String("entry_id", entryID))
		return newServiceError(opDismiss, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDismiss, "not_found", ErrEntryNotFound)
	}
	return nil
}

// Depth counts entries that still await delivery.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&Entry{}).
		Where("device_id = ? AND delivery_state IN ?", q.deviceID.String(), []DeliveryState{StateQueued, StateInFlight}).
		Count(&count).Error; err != nil {
		q.logError(opDepth, "count_failed", err)
		return 0, newServiceError(opDepth, "count_failed", err)
	}
	return count, nil
}

// RecordConflict appends a resolved conflict to the audit log. Recording the same loser
// twice is a no-op.
func (q *Queue) RecordConflict(ctx context.Context, conflict checkin.ConflictRecord) error {
	row := ConflictLog{
		ConflictID:       conflict.ID,
		EventID:          conflict.EventID.String(),
		TicketID:         conflict.TicketID.String(),
		WinnerRecordID:   conflict.Winner.ID,
		WinnerDevice:     conflict.Winner.DeviceID.String(),
		WinnerServerMs:   millisOrZero(conflict.Winner.ServerTime),
		LoserRecordID:    conflict.Loser.ID,
		LoserDevice:      conflict.Loser.DeviceID.String(),
		LoserServerMs:    millisOrZero(conflict.Loser.ServerTime),
		Resolution:       conflict.Resolution,
		ResolvedAtMillis: conflict.ResolvedAt.UTC().UnixMilli(),
	}
	if row.ConflictID == "" {
		conflictID, err := q.idProvider.NewID()
		if err != nil {
			q.logError(opRecordConflict, "id_generation_failed", err)
			return newServiceError(opRecordConflict, "id_generation_failed", err)
		}
		row.ConflictID = conflictID
	}
	q.mu.Lock()
	err := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "loser_record_id"}}, DoNothing: true}).
		Create(&row).Error
	q.mu.Unlock()
	if err != nil {
		q.logError(opRecordConflict, "insert_failed", err, zap.String("ticket_id", row.TicketID))
		return newServiceError(opRecordConflict, "insert_failed", err)
	}
	return nil
}

// Conflicts lists recorded conflicts for an event, oldest first.
func (q *Queue) Conflicts(ctx context.Context, eventID checkin.EventID) ([]ConflictLog, error) {
	var rows []ConflictLog
	if err := q.db.WithContext(ctx).
		Where("event_id = ?", eventID.String()).
		Order("resolved_at_ms ASC, conflict_id ASC").
		Find(&rows).Error; err != nil {
		q.logError(opConflicts, "query_failed", err)
		return nil, newServiceError(opConflicts, "query_failed", err)
	}
	return rows, nil
}

func (q *Queue) transition(ctx context.Context, operation, entryID string, mutate func(entry *Entry, nowMillis int64) error) (Entry, error) {
	q.mu.Lock()
	var updated Entry
	txErr := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entry_id = ? AND device_id = ?", entryID, q.deviceID.String()).
			Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, "not_found", ErrEntryNotFound)
		}
		if err != nil {
			return newServiceError(operation, "select_failed", err)
		}
		nowMillis := q.clock().UTC().UnixMilli()
		if err := mutate(&entry, nowMillis); err != nil {
			return newServiceError(operation, "invalid_transition",
				fmt.Errorf("%w: from %s", err, entry.DeliveryState))
		}
		entry.UpdatedAtMillis = nowMillis
		if err := tx.Save(&entry).Error; err != nil {
			return newServiceError(operation, "save_failed", err)
		}
		updated = entry
		return nil
	})
	q.mu.Unlock()
	if txErr != nil {
		q.logError(operation, "transition_failed", txErr, zap.String("entry_id", entryID))
		return Entry{}, txErr
	}
	if updated.DeliveryState.Terminal() || updated.DeliveryState == StateQueued {
		q.reportDepth(ctx)
	}
	return updated, nil
}

func (q *Queue) nextSequence(tx *gorm.DB) (int64, error) {
	cursor := Cursor{DeviceID: q.deviceID.String()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&cursor).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&Cursor{}).
		Where("device_id = ?", q.deviceID.String()).
		Update("last_sequence", gorm.Expr("last_sequence + 1")).Error; err != nil {
		return 0, err
	}
	if err := tx.Where("device_id = ?", q.deviceID.String()).Take(&cursor).Error; err != nil {
		return 0, err
	}
	return cursor.LastSequence, nil
}

func (q *Queue) reportDepth(ctx context.Context) {
	if q.depth == nil {
		return
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		return
	}
	q.depth.SetQueueDepth(depth)
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("device_id", q.deviceID.String()),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("sync queue error", attrs...)
}

func millisOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.UTC().UnixMilli()
}
