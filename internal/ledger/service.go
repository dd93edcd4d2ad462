package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrTicketNotFound indicates that the ticket is not issued for the event.
	ErrTicketNotFound = errors.New("ledger: ticket not found")
	// ErrInvalidTicketState indicates an unknown ticket state.
	ErrInvalidTicketState = errors.New("ledger: invalid ticket state")
	noOpLogger            = zap.NewNop()
)

// Rejection reasons reported to devices.
const (
	ReasonNotFound = "not_found"
	ReasonExpired  = "expired"
	ReasonRefunded = "refunded"
	ReasonVoid     = "void"
)

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
	opServiceNew     = "ledger.service.new"
	opSubmitCheckin  = "ledger.submit_checkin"
	opImportTickets  = "ledger.import_tickets"
	opSetTicketState = "ledger.set_ticket_state"
	opFetchRoster    = "ledger.fetch_roster"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StaffNames resolves a device to the staff member operating it.
type StaffNames interface {
	StaffName(ctx context.Context, deviceID string) string
}

// VerdictObserver receives one call per fresh verdict.
type VerdictObserver interface {
	ObserveVerdict(outcome string)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider checkin.IDProvider
	Staff      StaffNames
	Metrics    VerdictObserver
	Logger     *zap.Logger
}

// Service is the server of record: it owns issued tickets and decides admissions in
// acceptance order.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider checkin.IDProvider
	staff      StaffNames
	metrics    VerdictObserver
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		staff:      cfg.Staff,
		metrics:    cfg.Metrics,
		logger:     logger,
	}, nil
}

// SubmitCheckin adjudicates one admission. The first submission for a ticket is accepted;
// later ones from other records report the admitting device and its acceptance time.
// Resubmitting the same record from the same device returns the original verdict.
func (s *Service) SubmitCheckin(ctx context.Context, submission checkin.Submission) (checkin.Verdict, error) {
	if err := validateSubmission(submission); err != nil {
		return checkin.Verdict{}, newServiceError(opSubmitCheckin, "invalid_submission", err)
	}

	var verdict checkin.Verdict
	var admitting *AdmissionRow
	replayed := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previous SubmissionRow
		err := tx.Where("device_id = ? AND record_id = ?", submission.DeviceID.String(), submission.RecordID).
			Take(&previous).Error
		if err == nil {
			replayed = true
			verdict, admitting, err = s.replay(tx, previous)
			return err
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opSubmitCheckin, "submission_select_failed", err, submissionFields(submission)...)
			return newServiceError(opSubmitCheckin, "submission_select_failed", err)
		}

		serverTime := s.clock().UTC()
		verdict = checkin.Verdict{ServerTime: serverTime}

		var ticket TicketRow
		err = tx.Where("event_id = ? AND ticket_id = ?", submission.EventID.String(), submission.TicketID.String()).
			Take(&ticket).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			verdict.Outcome = checkin.OutcomeRejected
			verdict.Reason = ReasonNotFound
		case err != nil:
			s.logError(opSubmitCheckin, "ticket_select_failed", err, submissionFields(submission)...)
			return newServiceError(opSubmitCheckin, "ticket_select_failed", err)
		case ticket.State == TicketRefunded:
			verdict.Outcome = checkin.OutcomeRejected
			verdict.Reason = ReasonRefunded
		case ticket.State == TicketVoid:
			verdict.Outcome = checkin.OutcomeRejected
			verdict.Reason = ReasonVoid
		case !ticket.ticket().WithinWindow(submission.ClientTime):
			verdict.Outcome = checkin.OutcomeRejected
			verdict.Reason = ReasonExpired
		default:
			var existing AdmissionRow
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("event_id = ? AND ticket_id = ?", submission.EventID.String(), submission.TicketID.String()).
				Take(&existing).Error
			switch {
			case err == nil:
				verdict.Outcome = checkin.OutcomeAlreadyAdmittedByOther
				admitting = &existing
			case errors.Is(err, gorm.ErrRecordNotFound):
				row := AdmissionRow{
					EventID:          submission.EventID.String(),
					TicketID:         submission.TicketID.String(),
					RecordID:         submission.RecordID,
					DeviceID:         submission.DeviceID.String(),
					Sequence:         submission.Sequence,
					ClientTimeMillis: submission.ClientTime.UTC().UnixMilli(),
					ServerTimeMillis: serverTime.UnixMilli(),
					Notes:            submission.Notes,
				}
				if err := tx.Create(&row).Error; err != nil {
					s.logError(opSubmitCheckin, "admission_insert_failed", err, submissionFields(submission)...)
					return newServiceError(opSubmitCheckin, "admission_insert_failed", err)
				}
				verdict.Outcome = checkin.OutcomeAccepted
			default:
				s.logError(opSubmitCheckin, "admission_select_failed", err, submissionFields(submission)...)
				return newServiceError(opSubmitCheckin, "admission_select_failed", err)
			}
		}

		submissionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opSubmitCheckin, "id_generation_failed", err, submissionFields(submission)...)
			return newServiceError(opSubmitCheckin, "id_generation_failed", err)
		}
		if err := tx.Create(&SubmissionRow{
			SubmissionID:     submissionID,
			DeviceID:         submission.DeviceID.String(),
			RecordID:         submission.RecordID,
			EventID:          submission.EventID.String(),
			TicketID:         submission.TicketID.String(),
			Sequence:         submission.Sequence,
			ClientTimeMillis: submission.ClientTime.UTC().UnixMilli(),
			Outcome:          string(verdict.Outcome),
			Reason:           verdict.Reason,
			ServerTimeMillis: serverTime.UnixMilli(),
		}).Error; err != nil {
			s.logError(opSubmitCheckin, "submission_insert_failed", err, submissionFields(submission)...)
			return newServiceError(opSubmitCheckin, "submission_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return checkin.Verdict{}, txErr
	}

	if admitting != nil {
		verdict.AdmittingDevice = checkin.DeviceID(admitting.DeviceID)
		verdict.AdmittingRecordID = admitting.RecordID
		verdict.AdmittingSequence = admitting.Sequence
		verdict.AdmittedAt = time.UnixMilli(admitting.ServerTimeMillis).UTC()
		if s.staff != nil {
			verdict.AdmittingStaff = s.staff.StaffName(ctx, admitting.DeviceID)
		}
	}
	if !replayed && s.metrics != nil {
		s.metrics.ObserveVerdict(string(verdict.Outcome))
	}
	s.logger.Debug("check-in adjudicated",
		zap.String("event_id", submission.EventID.String()),
		zap.String("ticket_id", submission.TicketID.String()),
		zap.String("device_id", submission.DeviceID.String()),
		zap.String("outcome", string(verdict.Outcome)),
		zap.Bool("replayed", replayed))
	return verdict, nil
}

func (s *Service) replay(tx *gorm.DB, previous SubmissionRow) (checkin.Verdict, *AdmissionRow, error) {
	verdict := checkin.Verdict{
		Outcome:    checkin.Outcome(previous.Outcome),
		ServerTime: time.UnixMilli(previous.ServerTimeMillis).UTC(),
		Reason:     previous.Reason,
	}
	if verdict.Outcome != checkin.OutcomeAlreadyAdmittedByOther {
		return verdict, nil, nil
	}
	var admission AdmissionRow
	if err := tx.Where("event_id = ? AND ticket_id = ?", previous.EventID, previous.TicketID).
		Take(&admission).Error; err != nil {
		s.logError(opSubmitCheckin, "admission_select_failed", err,
			zap.String("ticket_id", previous.TicketID),
			zap.String("record_id", previous.RecordID))
		return checkin.Verdict{}, nil, newServiceError(opSubmitCheckin, "admission_select_failed", err)
	}
	return verdict, &admission, nil
}

// ImportTickets issues or refreshes tickets for an event. Refreshing keeps the ticket state
// and any admission.
func (s *Service) ImportTickets(ctx context.Context, eventID checkin.EventID, tickets []checkin.Ticket) (int, error) {
	if _, err := checkin.NewEventID(eventID.String()); err != nil {
		return 0, newServiceError(opImportTickets, "invalid_event_id", err)
	}
	nowMillis := s.clock().UTC().UnixMilli()
	rows := make([]TicketRow, 0, len(tickets))
	for _, ticket := range tickets {
		ticketID, err := checkin.NewTicketID(ticket.ID.String())
		if err != nil {
			return 0, newServiceError(opImportTickets, "invalid_ticket_id", err)
		}
		ticket.ID = ticketID
		ticket.EventID = eventID
		rows = append(rows, ticketRow(ticket, nowMillis))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "event_id"}, {Name: "ticket_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"ticket_type", "holder_name", "holder_email", "holder_phone", "vip", "seat", "section",
			"notes", "valid_from_ms", "valid_until_ms", "signed", "updated_at_ms",
		}),
	}).Create(&rows).Error
	if err != nil {
		s.logError(opImportTickets, "upsert_failed", err, zap.String("event_id", eventID.String()))
		return 0, newServiceError(opImportTickets, "upsert_failed", err)
	}
	s.logger.Info("tickets imported", zap.String("event_id", eventID.String()), zap.Int("count", len(rows)))
	return len(rows), nil
}

// SetTicketState records a refund or void so later submissions are rejected.
func (s *Service) SetTicketState(ctx context.Context, eventID checkin.EventID, ticketID checkin.TicketID, state TicketState) error {
	if _, ok := ParseTicketState(string(state)); !ok {
		return newServiceError(opSetTicketState, "invalid_state", fmt.Errorf("%w: %q", ErrInvalidTicketState, state))
	}
	result := s.db.WithContext(ctx).Model(&TicketRow{}).
		Where("event_id = ? AND ticket_id = ?", eventID.String(), ticketID.String()).
		Updates(map[string]any{"state": state, "updated_at_ms": s.clock().UTC().UnixMilli()})
	if result.Error != nil {
		s.logError(opSetTicketState, "update_failed", result.Error,
			zap.String("event_id", eventID.String()),
			zap.String("ticket_id", ticketID.String()))
		return newServiceError(opSetTicketState, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetTicketState, "not_found", ErrTicketNotFound)
	}
	return nil
}

// FetchRoster returns active tickets for the event with their authoritative admission.
func (s *Service) FetchRoster(ctx context.Context, eventID checkin.EventID) ([]checkin.AttendeeProjection, error) {
	if _, err := checkin.NewEventID(eventID.String()); err != nil {
		return nil, newServiceError(opFetchRoster, "invalid_event_id", err)
	}
	var tickets []TicketRow
	if err := s.db.WithContext(ctx).
		Where("event_id = ? AND state = ?", eventID.String(), TicketActive).
		Order("ticket_id ASC").
		Find(&tickets).Error; err != nil {
		s.logError(opFetchRoster, "ticket_query_failed", err, zap.String("event_id", eventID.String()))
		return nil, newServiceError(opFetchRoster, "ticket_query_failed", err)
	}
	var admissions []AdmissionRow
	if err := s.db.WithContext(ctx).
		Where("event_id = ?", eventID.String()).
		Find(&admissions).Error; err != nil {
		s.logError(opFetchRoster, "admission_query_failed", err, zap.String("event_id", eventID.String()))
		return nil, newServiceError(opFetchRoster, "admission_query_failed", err)
	}
	admitted := make(map[string]AdmissionRow, len(admissions))
	for _, admission := range admissions {
		admitted[admission.TicketID] = admission
	}

	projections := make([]checkin.AttendeeProjection, 0, len(tickets))
	for _, row := range tickets {
		projection := checkin.AttendeeProjection{Ticket: row.ticket()}
		if admission, ok := admitted[row.TicketID]; ok {
			record := admission.record()
			projection.Latest = &record
		}
		projections = append(projections, projection)
	}
	return projections, nil
}

func validateSubmission(submission checkin.Submission) error {
	if _, err := checkin.NewEventID(submission.EventID.String()); err != nil {
		return err
	}
	if _, err := checkin.NewTicketID(submission.TicketID.String()); err != nil {
		return err
	}
	if _, err := checkin.NewDeviceID(submission.DeviceID.String()); err != nil {
		return err
	}
	if submission.RecordID == "" {
		return errors.New("record id is required")
	}
	if submission.Sequence <= 0 {
		return errors.New("sequence must be positive")
	}
	return nil
}

func submissionFields(submission checkin.Submission) []zap.Field {
	return []zap.Field{
		zap.String("event_id", submission.EventID.String()),
		zap.String("ticket_id", submission.TicketID.String()),
		zap.String("device_id", submission.DeviceID.String()),
		zap.String("record_id", submission.RecordID),
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger service error", attrs...)
}
