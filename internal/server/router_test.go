package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/auth"
	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/ledger"
	"github.com/MarcoPoloResearchLab/turnstile/internal/metrics"
	"github.com/MarcoPoloResearchLab/turnstile/internal/staff"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

const testSigningSecret = "router-secret"

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%04d", g.next), nil
}

type testAPI struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:turnstile_router_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ledger.TicketRow{}, &ledger.AdmissionRow{}, &ledger.SubmissionRow{}, &staff.Device{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	directory, err := staff.NewDirectory(staff.DirectoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct staff directory: %v", err)
	}
	registry := prometheus.NewRegistry()
	service, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		IDProvider: &sequentialIDs{},
		Staff:      directory,
		Metrics:    metrics.New(registry),
	})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	validator, err := auth.NewStaffValidator(auth.StaffValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Validator: validator,
		Ledger:    service,
		Staff:     directory,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testAPI{handler: handler, issuer: issuer}
}

func (api *testAPI) token(t *testing.T, deviceID, staffName string, roles ...string) string {
	t.Helper()
	token, _, err := api.issuer.IssueStaffToken(context.Background(), auth.StaffIdentity{
		DeviceID:  deviceID,
		StaffName: staffName,
		Roles:     roles,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (api *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &payload)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	api.handler.ServeHTTP(recorder, request)
	return recorder
}

func seedTickets(t *testing.T, api *testAPI) {
	t.Helper()
	admin := api.token(t, "office-01", "Box Office", auth.RoleAdmin, auth.RoleScanner)
	recorder := api.do(t, http.MethodPost, "/events/E1/tickets", admin, importRequestPayload{Tickets: []checkin.Ticket{
		{ID: "TCK-001", HolderName: "Ada Lovelace"},
		{ID: "TCK-002", HolderName: "Grace Hopper", VIP: true},
	}})
	if recorder.Code != http.StatusOK {
		t.Fatalf("ticket import failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func checkinBody(recordID, deviceID, ticketID string) checkinRequestPayload {
	return checkinRequestPayload{
		RecordID:     recordID,
		TicketID:     ticketID,
		DeviceID:     deviceID,
		Sequence:     1,
		ClientTimeMs: time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func decodeVerdict(t *testing.T, recorder *httptest.ResponseRecorder) checkinResponsePayload {
	t.Helper()
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response checkinResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode verdict: %v", err)
	}
	return response
}

func TestSubmitCheckinEndpointReportsAdmittingStaff(t *testing.T) {
	api := newTestAPI(t)
	seedTickets(t, api)
	gateA := api.token(t, "gate-a", "Rita Door")
	gateB := api.token(t, "gate-b", "Sam Turnstile")

	first := decodeVerdict(t, api.do(t, http.MethodPost, "/events/E1/checkins", gateA, checkinBody("record-a", "gate-a", "TCK-001")))
	if first.Outcome != string(checkin.OutcomeAccepted) || first.ServerTimeMs == 0 {
		t.Fatalf("expected accepted verdict, got %#v", first)
	}

	second := decodeVerdict(t, api.do(t, http.MethodPost, "/events/E1/checkins", gateB, checkinBody("record-b", "gate-b", "TCK-001")))
	if second.Outcome != string(checkin.OutcomeAlreadyAdmittedByOther) {
		t.Fatalf("expected conflict verdict, got %#v", second)
	}
	if second.AdmittingDevice != "gate-a" || second.AdmittingStaff != "Rita Door" || second.AdmittedAtMs != first.ServerTimeMs {
		t.Fatalf("unexpected admitting details: %#v", second)
	}

	rejected := decodeVerdict(t, api.do(t, http.MethodPost, "/events/E1/checkins", gateB, checkinBody("record-c", "gate-b", "XYZ")))
	if rejected.Outcome != string(checkin.OutcomeRejected) || rejected.Reason != ledger.ReasonNotFound {
		t.Fatalf("expected not_found rejection, got %#v", rejected)
	}
}

func TestSubmitCheckinEndpointRequiresMatchingDevice(t *testing.T) {
	api := newTestAPI(t)
	seedTickets(t, api)
	gateA := api.token(t, "gate-a", "Rita Door")

	recorder := api.do(t, http.MethodPost, "/events/E1/checkins", gateA, checkinBody("record-a", "gate-b", "TCK-001"))
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", recorder.Code)
	}
	recorder = api.do(t, http.MethodPost, "/events/E1/checkins", "", checkinBody("record-a", "gate-a", "TCK-001"))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without token, got %d", recorder.Code)
	}
	invalid := checkinBody("record-a", "gate-a", "TCK-001")
	invalid.Sequence = 0
	recorder = api.do(t, http.MethodPost, "/events/E1/checkins", gateA, invalid)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for missing sequence, got %d", recorder.Code)
	}
}

func TestTicketAdministrationRequiresAdminRole(t *testing.T) {
	api := newTestAPI(t)
	scanner := api.token(t, "gate-a", "Rita Door")
	recorder := api.do(t, http.MethodPost, "/events/E1/tickets", scanner, importRequestPayload{Tickets: []checkin.Ticket{{ID: "TCK-009"}}})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden for scanner role, got %d", recorder.Code)
	}

	seedTickets(t, api)
	admin := api.token(t, "office-01", "Box Office", auth.RoleAdmin)
	recorder = api.do(t, http.MethodPost, "/events/E1/tickets/TCK-002/state", admin, ticketStateRequestPayload{State: "refunded"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected state change, got %d %s", recorder.Code, recorder.Body.String())
	}
	recorder = api.do(t, http.MethodPost, "/events/E1/tickets/TCK-404/state", admin, ticketStateRequestPayload{State: "void"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", recorder.Code)
	}
	recorder = api.do(t, http.MethodPost, "/events/E1/tickets/TCK-001/state", admin, ticketStateRequestPayload{State: "lost"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for unknown state, got %d", recorder.Code)
	}
}

func TestRosterEndpointAndMetrics(t *testing.T) {
	api := newTestAPI(t)
	seedTickets(t, api)
	gateA := api.token(t, "gate-a", "Rita Door")
	decodeVerdict(t, api.do(t, http.MethodPost, "/events/E1/checkins", gateA, checkinBody("record-a", "gate-a", "TCK-002")))

	recorder := api.do(t, http.MethodGet, "/events/E1/roster", gateA, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var roster rosterResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &roster); err != nil {
		t.Fatalf("failed to decode roster: %v", err)
	}
	if roster.EventID != "E1" || len(roster.Attendees) != 2 {
		t.Fatalf("unexpected roster: %#v", roster)
	}
	if roster.Attendees[1].Ticket.ID != "TCK-002" || !roster.Attendees[1].CheckedIn() {
		t.Fatalf("expected TCK-002 admitted, got %#v", roster.Attendees[1])
	}

	metricsRecorder := api.do(t, http.MethodGet, "/metrics", "", nil)
	if metricsRecorder.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", metricsRecorder.Code)
	}
	if !strings.Contains(metricsRecorder.Body.String(), `turnstile_ledger_verdicts_total{outcome="accepted"} 1`) {
		t.Fatalf("expected verdict counter in metrics output")
	}

	health := api.do(t, http.MethodGet, "/healthz", "", nil)
	if health.Code != http.StatusOK {
		t.Fatalf("unexpected health status %d", health.Code)
	}
}
