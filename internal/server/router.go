package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/auth"
	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/ledger"
	"github.com/MarcoPoloResearchLab/turnstile/internal/staff"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const staffClaimsContextKey = "turnstile_staff_claims"

var (
	errMissingValidator     = errors.New("staff token validator dependency required")
	errMissingLedger        = errors.New("ledger dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (auth.StaffClaims, error)
}

type Ledger interface {
	SubmitCheckin(ctx context.Context, submission checkin.Submission) (checkin.Verdict, error)
	FetchRoster(ctx context.Context, eventID checkin.EventID) ([]checkin.AttendeeProjection, error)
	ImportTickets(ctx context.Context, eventID checkin.EventID, tickets []checkin.Ticket) (int, error)
	SetTicketState(ctx context.Context, eventID checkin.EventID, ticketID checkin.TicketID, state ledger.TicketState) error
}

type StaffDirectory interface {
	Touch(ctx context.Context, claims auth.StaffClaims) (staff.Device, error)
}

type Dependencies struct {
	Validator TokenValidator
	Ledger    Ledger
	Staff     StaffDirectory
	Metrics   http.Handler
	Logger    *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Ledger == nil {
		return nil, errMissingLedger
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		validator: deps.Validator,
		ledger:    deps.Ledger,
		staff:     deps.Staff,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	events := router.Group("/events/:event_id")
	events.Use(handler.authorizeRequest)
	events.POST("/checkins", handler.handleSubmitCheckin)
	events.GET("/roster", handler.handleFetchRoster)
	events.POST("/tickets", handler.requireRole(auth.RoleAdmin), handler.handleImportTickets)
	events.POST("/tickets/:ticket_id/state", handler.requireRole(auth.RoleAdmin), handler.handleSetTicketState)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	validator TokenValidator
	ledger    Ledger
	staff     StaffDirectory
	logger    *zap.Logger
}

type checkinRequestPayload struct {
	RecordID     string `json:"record_id"`
	TicketID     string `json:"ticket_id"`
	DeviceID     string `json:"device_id"`
	Sequence     int64  `json:"sequence"`
	ClientTimeMs int64  `json:"client_time_ms"`
	Notes        string `json:"notes"`
}

type checkinResponsePayload struct {
	Outcome           string `json:"outcome"`
	ServerTimeMs      int64  `json:"server_time_ms"`
	AdmittingDevice   string `json:"admitting_device,omitempty"`
	AdmittingStaff    string `json:"admitting_staff,omitempty"`
	AdmittingRecordID string `json:"admitting_record_id,omitempty"`
	AdmittingSequence int64  `json:"admitting_sequence,omitempty"`
	AdmittedAtMs      int64  `json:"admitted_at_ms,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

func (h *httpHandler) handleSubmitCheckin(c *gin.Context) {
	claims := staffClaims(c)
	eventID, ok := h.eventID(c)
	if !ok {
		return
	}

	var request checkinRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ticketID, err := checkin.NewTicketID(request.TicketID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_ticket_id"})
		return
	}
	deviceID, err := checkin.NewDeviceID(request.DeviceID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}
	if deviceID.String() != claims.DeviceID {
		h.logger.Warn("device mismatch on submission",
			zap.String("token_device_id", claims.DeviceID),
			zap.String("payload_device_id", deviceID.String()))
		c.JSON(http.StatusForbidden, gin.H{"error": "device_mismatch"})
		return
	}
	if strings.TrimSpace(request.RecordID) == "" || request.Sequence <= 0 || request.ClientTimeMs <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	verdict, err := h.ledger.SubmitCheckin(c.Request.Context(), checkin.Submission{
		RecordID:   strings.TrimSpace(request.RecordID),
		TicketID:   ticketID,
		EventID:    eventID,
		DeviceID:   deviceID,
		Sequence:   request.Sequence,
		ClientTime: time.UnixMilli(request.ClientTimeMs).UTC(),
		Notes:      request.Notes,
	})
	if err != nil {
		h.logger.Error("failed to adjudicate check-in", zap.Error(err))
		respondInternalError(c, "submit_failed", err)
		return
	}

	response := checkinResponsePayload{
		Outcome:           string(verdict.Outcome),
		ServerTimeMs:      verdict.ServerTime.UnixMilli(),
		AdmittingDevice:   verdict.AdmittingDevice.String(),
		AdmittingStaff:    verdict.AdmittingStaff,
		AdmittingRecordID: verdict.AdmittingRecordID,
		AdmittingSequence: verdict.AdmittingSequence,
		Reason:            verdict.Reason,
	}
	if !verdict.AdmittedAt.IsZero() {
		response.AdmittedAtMs = verdict.AdmittedAt.UnixMilli()
	}
	c.JSON(http.StatusOK, response)
}

type rosterResponsePayload struct {
	EventID   string                       `json:"event_id"`
	Attendees []checkin.AttendeeProjection `json:"attendees"`
}

func (h *httpHandler) handleFetchRoster(c *gin.Context) {
	eventID, ok := h.eventID(c)
	if !ok {
		return
	}
	projections, err := h.ledger.FetchRoster(c.Request.Context(), eventID)
	if err != nil {
		h.logger.Error("failed to fetch roster", zap.String("event_id", eventID.String()), zap.Error(err))
		respondInternalError(c, "roster_failed", err)
		return
	}
	c.JSON(http.StatusOK, rosterResponsePayload{EventID: eventID.String(), Attendees: projections})
}

type importRequestPayload struct {
	Tickets []checkin.Ticket `json:"tickets"`
}

func (h *httpHandler) handleImportTickets(c *gin.Context) {
	eventID, ok := h.eventID(c)
	if !ok {
		return
	}
	var request importRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Tickets) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	imported, err := h.ledger.ImportTickets(c.Request.Context(), eventID, request.Tickets)
	if err != nil {
		var serviceErr *ledger.ServiceError
		if errors.As(err, &serviceErr) && strings.HasSuffix(serviceErr.Code(), "invalid_ticket_id") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_ticket_id"})
			return
		}
		h.logger.Error("failed to import tickets", zap.String("event_id", eventID.String()), zap.Error(err))
		respondInternalError(c, "import_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": imported})
}

type ticketStateRequestPayload struct {
	State string `json:"state"`
}

func (h *httpHandler) handleSetTicketState(c *gin.Context) {
	eventID, ok := h.eventID(c)
	if !ok {
		return
	}
	ticketID, err := checkin.NewTicketID(c.Param("ticket_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_ticket_id"})
		return
	}
	var request ticketStateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	state, valid := ledger.ParseTicketState(strings.ToLower(strings.TrimSpace(request.State)))
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}
	if err := h.ledger.SetTicketState(c.Request.Context(), eventID, ticketID, state); err != nil {
		if errors.Is(err, ledger.ErrTicketNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket_not_found"})
			return
		}
		h.logger.Error("failed to change ticket state", zap.String("ticket_id", ticketID.String()), zap.Error(err))
		respondInternalError(c, "state_change_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket_id": ticketID.String(), "state": string(state)})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredStaffToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if h.staff != nil {
		if _, err := h.staff.Touch(c.Request.Context(), claims); err != nil {
			h.logger.Warn("staff device registration failed", zap.String("device_id", claims.DeviceID), zap.Error(err))
		}
	}
	c.Set(staffClaimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !staffClaims(c).HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func (h *httpHandler) eventID(c *gin.Context) (checkin.EventID, bool) {
	eventID, err := checkin.NewEventID(c.Param("event_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event_id"})
		return "", false
	}
	return eventID, true
}

type codedError interface {
	Code() string
}

// respondInternalError reports a 500 and, when the cause carries one, its service error code.
func respondInternalError(c *gin.Context, message string, err error) {
	body := gin.H{"error": message}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	c.JSON(http.StatusInternalServerError, body)
}

func staffClaims(c *gin.Context) auth.StaffClaims {
	value, ok := c.Get(staffClaimsContextKey)
	if !ok {
		return auth.StaffClaims{}
	}
	claims, _ := value.(auth.StaffClaims)
	return claims
}
