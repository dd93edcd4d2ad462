package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/engine"
	"github.com/MarcoPoloResearchLab/turnstile/internal/roster"
	"go.uber.org/zap"
)

// Kind names a bulk operation.
type Kind string

const (
	KindCheckIn  Kind = "check_in"
	KindAnnotate Kind = "annotate"
)

const (
	reasonEventMismatch = "event_mismatch"
	reasonEmptyNote     = "empty_note"
	reasonUnconfirmed   = "unconfirmed"
	reasonCanceled      = "canceled"
)

var (
	// ErrUnknownKind reports an operation kind the processor does not implement.
	ErrUnknownKind      = errors.New("bulk: unknown operation kind")
	errMissingScanner   = errors.New("bulk: scanner required")
	errMissingAnnotator = errors.New("bulk: annotator required")
)

// Scanner runs one code through the single-scan path.
type Scanner interface {
	EventID() checkin.EventID
	Scan(ctx context.Context, request engine.ScanRequest) (engine.ScanResult, error)
}

// Annotator attaches staff notes to projections.
type Annotator interface {
	Annotate(ticketID checkin.TicketID, note string) (checkin.AttendeeProjection, error)
}

// Operation is one batch request.
type Operation struct {
	Kind      Kind
	TicketIDs []string
	Notes     string
}

// Failure describes one item that did not succeed.
type Failure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Result partitions the batch by outcome. Every input id appears exactly once.
type Result struct {
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// Config describes the dependencies of a Processor.
type Config struct {
	Scanner   Scanner
	Annotator Annotator
	Logger    *zap.Logger
}

// Processor applies batch operations item by item; one failing item never affects the rest.
type Processor struct {
	scanner   Scanner
	annotator Annotator
	logger    *zap.Logger
}

// NewProcessor validates the configuration and returns a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if cfg.Scanner == nil {
		return nil, errMissingScanner
	}
	if cfg.Annotator == nil {
		return nil, errMissingAnnotator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{scanner: cfg.Scanner, annotator: cfg.Annotator, logger: logger}, nil
}

// Apply runs operation against every ticket id in order. Duplicate ids are processed
// independently. Items left unprocessed by cancellation are reported as failed.
func (p *Processor) Apply(ctx context.Context, eventID checkin.EventID, operation Operation) (Result, error) {
	var item func(ctx context.Context, id string) error
	switch operation.Kind {
	case KindCheckIn:
		item = func(ctx context.Context, id string) error {
			return p.checkIn(ctx, id, operation.Notes)
		}
	case KindAnnotate:
		note := strings.TrimSpace(operation.Notes)
		item = func(_ context.Context, id string) error {
			if note == "" {
				return errors.New(reasonEmptyNote)
			}
			_, err := p.annotator.Annotate(checkin.TicketID(strings.TrimSpace(id)), note)
			return err
		}
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, operation.Kind)
	}

	result := Result{
		Succeeded: make([]string, 0, len(operation.TicketIDs)),
		Failed:    make([]Failure, 0),
	}
	for _, id := range operation.TicketIDs {
		if ctx.Err() != nil {
			result.Failed = append(result.Failed, Failure{ID: id, Reason: reasonCanceled})
			continue
		}
		if eventID != p.scanner.EventID() {
			result.Failed = append(result.Failed, Failure{ID: id, Reason: reasonEventMismatch})
			continue
		}
		if err := item(ctx, id); err != nil {
			result.Failed = append(result.Failed, Failure{ID: id, Reason: failureReason(err)})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}

	p.logger.Info("bulk operation applied",
		zap.String("event_id", eventID.String()),
		zap.String("kind", string(operation.Kind)),
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

type statusError struct {
	status checkin.Status
}

func (e statusError) Error() string {
	return string(e.status)
}

func (p *Processor) checkIn(ctx context.Context, id, notes string) error {
	scan, err := p.scanner.Scan(ctx, engine.ScanRequest{Code: id, Notes: notes})
	if err != nil {
		return err
	}
	if scan.Record.Status != checkin.StatusAdmitted {
		return statusError{status: scan.Record.Status}
	}
	return nil
}

func failureReason(err error) string {
	var status statusError
	switch {
	case errors.As(err, &status):
		return string(status.status)
	case errors.Is(err, roster.ErrUnknownTicket):
		return string(checkin.StatusNotFound)
	case errors.Is(err, engine.ErrUnconfirmed):
		return reasonUnconfirmed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return reasonCanceled
	default:
		return err.Error()
	}
}
