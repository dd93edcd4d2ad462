package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxErrorBodyBytes     = 1024
	jsonContentType       = "application/json"
)

var (
	errMissingBaseURL = errors.New("remote: base url required")
	errMissingToken   = errors.New("remote: staff token required")
	// ErrUnexpectedStatus reports a non-success HTTP status from the server of record.
	ErrUnexpectedStatus = errors.New("remote: unexpected status")
	// ErrMalformedResponse reports a response body that could not be decoded.
	ErrMalformedResponse = errors.New("remote: malformed response")
)

// StatusError carries the HTTP status behind ErrUnexpectedStatus.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %d", ErrUnexpectedStatus, e.StatusCode)
	}
	return fmt.Sprintf("%s: %d (%s)", ErrUnexpectedStatus, e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// Config describes how to reach the server of record.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the server of record over HTTP with a staff bearer token.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

type checkinRequest struct {
	RecordID     string `json:"record_id"`
	TicketID     string `json:"ticket_id"`
	DeviceID     string `json:"device_id"`
	Sequence     int64  `json:"sequence"`
	ClientTimeMs int64  `json:"client_time_ms"`
	Notes        string `json:"notes,omitempty"`
}

type checkinResponse struct {
	Outcome           string `json:"outcome"`
	ServerTimeMs      int64  `json:"server_time_ms"`
	AdmittingDevice   string `json:"admitting_device"`
	AdmittingStaff    string `json:"admitting_staff"`
	AdmittingRecordID string `json:"admitting_record_id"`
	AdmittingSequence int64  `json:"admitting_sequence"`
	AdmittedAtMs      int64  `json:"admitted_at_ms"`
	Reason            string `json:"reason"`
}

type rosterResponse struct {
	EventID   string                       `json:"event_id"`
	Attendees []checkin.AttendeeProjection `json:"attendees"`
}

type importRequest struct {
	Tickets []checkin.Ticket `json:"tickets"`
}

type importResponse struct {
	Imported int `json:"imported"`
}

type ticketStateRequest struct {
	State string `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(trimmed, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errMissingToken
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    parsed,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// SubmitCheckin posts one admission and decodes the authoritative verdict.
func (c *Client) SubmitCheckin(ctx context.Context, submission checkin.Submission) (checkin.Verdict, error) {
	payload := checkinRequest{
		RecordID:     submission.RecordID,
		TicketID:     submission.TicketID.String(),
		DeviceID:     submission.DeviceID.String(),
		Sequence:     submission.Sequence,
		ClientTimeMs: submission.ClientTime.UTC().UnixMilli(),
		Notes:        submission.Notes,
	}
	var response checkinResponse
	if err := c.do(ctx, http.MethodPost, c.eventPath(submission.EventID, "checkins"), payload, &response); err != nil {
		return checkin.Verdict{}, err
	}

	verdict := checkin.Verdict{
		Outcome:           checkin.Outcome(response.Outcome),
		ServerTime:        fromMillis(response.ServerTimeMs),
		AdmittingDevice:   checkin.DeviceID(response.AdmittingDevice),
		AdmittingStaff:    response.AdmittingStaff,
		AdmittingRecordID: response.AdmittingRecordID,
		AdmittingSequence: response.AdmittingSequence,
		AdmittedAt:        fromMillis(response.AdmittedAtMs),
		Reason:            response.Reason,
	}
	switch verdict.Outcome {
	case checkin.OutcomeAccepted, checkin.OutcomeAlreadyAdmittedByOther, checkin.OutcomeRejected:
		return verdict, nil
	default:
		return checkin.Verdict{}, fmt.Errorf("%w: outcome %q", ErrMalformedResponse, response.Outcome)
	}
}

// FetchRoster downloads the event's attendee projections.
func (c *Client) FetchRoster(ctx context.Context, eventID checkin.EventID) ([]checkin.AttendeeProjection, error) {
	var response rosterResponse
	if err := c.do(ctx, http.MethodGet, c.eventPath(eventID, "roster"), nil, &response); err != nil {
		return nil, err
	}
	if response.Attendees == nil {
		return []checkin.AttendeeProjection{}, nil
	}
	return response.Attendees, nil
}

// ImportTickets seeds tickets on the server of record. The token must carry the admin role.
func (c *Client) ImportTickets(ctx context.Context, eventID checkin.EventID, tickets []checkin.Ticket) (int, error) {
	var response importResponse
	if err := c.do(ctx, http.MethodPost, c.eventPath(eventID, "tickets"), importRequest{Tickets: tickets}, &response); err != nil {
		return 0, err
	}
	return response.Imported, nil
}

// SetTicketState marks a ticket active, refunded or void. The token must carry the admin role.
func (c *Client) SetTicketState(ctx context.Context, eventID checkin.EventID, ticketID checkin.TicketID, state string) error {
	path := c.eventPath(eventID, "tickets/"+url.PathEscape(ticketID.String())+"/state")
	return c.do(ctx, http.MethodPost, path, ticketStateRequest{State: state}, nil)
}

// Ping reports whether the server of record answers its health check.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) eventPath(eventID checkin.EventID, resource string) string {
	return "/events/" + url.PathEscape(eventID.String()) + "/" + resource
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	endpoint := c.baseURL.JoinPath(path)
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.token)
	request.Header.Set("Accept", jsonContentType)
	if body != nil {
		request.Header.Set("Content-Type", jsonContentType)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: response.StatusCode}
		limited, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		var decoded errorResponse
		if json.Unmarshal(limited, &decoded) == nil {
			statusErr.Message = decoded.Error
		}
		c.logger.Warn("server of record returned error status",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode),
			zap.String("error", statusErr.Message))
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func fromMillis(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
