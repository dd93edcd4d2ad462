package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/eventbus"
	"github.com/MarcoPoloResearchLab/turnstile/internal/ledger"
	"github.com/MarcoPoloResearchLab/turnstile/internal/reconcile"
	"github.com/MarcoPoloResearchLab/turnstile/internal/roster"
	"github.com/MarcoPoloResearchLab/turnstile/internal/syncqueue"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testEvent checkin.EventID = "E1"

type prefixedIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *prefixedIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%04d", g.prefix, g.next), nil
}

// switchableServer fronts the ledger and can simulate an unreachable network.
type switchableServer struct {
	inner *ledger.Service
	down  atomic.Bool
	calls atomic.Int64
}

func (s *switchableServer) SubmitCheckin(ctx context.Context, submission checkin.Submission) (checkin.Verdict, error) {
	s.calls.Add(1)
	if s.down.Load() {
		return checkin.Verdict{}, errors.New("dial tcp: network is unreachable")
	}
	return s.inner.SubmitCheckin(ctx, submission)
}

func (s *switchableServer) FetchRoster(ctx context.Context, eventID checkin.EventID) ([]checkin.AttendeeProjection, error) {
	if s.down.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return s.inner.FetchRoster(ctx, eventID)
}

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(event eventbus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) count(eventType eventbus.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, event := range b.events {
		if event.Type == eventType {
			total++
		}
	}
	return total
}

// brokenOutbox simulates a full or corrupted device database.
type brokenOutbox struct{}

func (brokenOutbox) ReserveSequence(context.Context) (int64, error) {
	return 0, errors.New("disk I/O error")
}

func (brokenOutbox) Enqueue(context.Context, checkin.CheckinRecord) (syncqueue.Entry, error) {
	return syncqueue.Entry{}, errors.New("disk I/O error")
}

func (brokenOutbox) Recover(context.Context) (int64, error) {
	return 0, nil
}

func openMemory(t *testing.T, name string, models ...any) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:turnstile_engine_%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models...))
	return db
}

func newLedger(t *testing.T) *ledger.Service {
	t.Helper()
	db := openMemory(t, "ledger", &ledger.TicketRow{}, &ledger.AdmissionRow{}, &ledger.SubmissionRow{})
	service, err := ledger.NewService(ledger.ServiceConfig{Database: db, IDProvider: &prefixedIDs{prefix: "submission"}})
	require.NoError(t, err)
	tickets := make([]checkin.Ticket, 0, 5)
	for index := 1; index <= 5; index++ {
		tickets = append(tickets, checkin.Ticket{ID: checkin.TicketID(fmt.Sprintf("TCK-%03d", index)), HolderName: fmt.Sprintf("Guest %d", index)})
	}
	_, err = service.ImportTickets(context.Background(), testEvent, tickets)
	require.NoError(t, err)
	return service
}

type device struct {
	session *Session
	queue   *syncqueue.Queue
	roster  *roster.Cache
	server  *switchableServer
	bus     *recordingBus
}

func newDevice(t *testing.T, deviceID checkin.DeviceID, service *ledger.Service, online bool, outbox Outbox) *device {
	t.Helper()
	ctx := context.Background()
	ids := &prefixedIDs{prefix: deviceID.String()}
	server := &switchableServer{inner: service}
	bus := &recordingBus{}

	cache, err := roster.NewCache(roster.Config{Source: server, Bus: bus})
	require.NoError(t, err)
	_, err = cache.Load(ctx, testEvent.String())
	require.NoError(t, err)

	db := openMemory(t, deviceID.String(), &syncqueue.Entry{}, &syncqueue.Cursor{}, &syncqueue.ConflictLog{})
	queue, err := syncqueue.NewQueue(syncqueue.Config{
		Database:    db,
		DeviceID:    deviceID,
		IDProvider:  ids,
		Backoff:     syncqueue.Backoff{Base: time.Millisecond, Max: time.Millisecond},
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	reconciler, err := reconcile.NewEngine(reconcile.Config{
		Queue:      queue,
		Server:     server,
		Roster:     cache,
		Bus:        bus,
		IDProvider: ids,
	})
	require.NoError(t, err)

	verifier, err := checkin.NewVerifier(checkin.VerifierConfig{DeviceID: deviceID, IDProvider: ids})
	require.NoError(t, err)

	if outbox == nil {
		outbox = queue
	}
	session, err := Open(ctx, Config{
		EventID:      testEvent,
		Verifier:     verifier,
		Roster:       cache,
		Queue:        outbox,
		Reconciler:   reconciler,
		Server:       server,
		Bus:          bus,
		Online:       online,
		SyncInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return &device{session: session, queue: queue, roster: cache, server: server, bus: bus}
}

func TestScanUnknownCodeIsAuditedButNeverQueued(t *testing.T) {
	service := newLedger(t)
	gate := newDevice(t, "gate-a", service, false, nil)
	ctx := context.Background()

	result, err := gate.session.Scan(ctx, ScanRequest{Code: "XYZ"})
	require.NoError(t, err)
	assert.Equal(t, checkin.StatusNotFound, result.Record.Status)
	assert.False(t, result.Queued)
	assert.False(t, result.Confirmed)

	depth, err := gate.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
	assert.Zero(t, gate.bus.count(eventbus.EventAttendeeCheckedIn))

	history := gate.roster.Export(roster.Filters{}).History
	require.Len(t, history, 1)
	assert.Equal(t, checkin.TicketID("XYZ"), history[0].TicketID)
}

func TestScanOfflineQueuesAndAppliesOptimistically(t *testing.T) {
	service := newLedger(t)
	gate := newDevice(t, "gate-a", service, false, nil)
	ctx := context.Background()

	result, err := gate.session.Scan(ctx, ScanRequest{Code: "TCK-002", Notes: "wristband"})
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Equal(t, checkin.StatusAdmitted, result.Record.Status)
	assert.Equal(t, checkin.OriginOffline, result.Record.Origin)
	assert.Equal(t, int64(1), result.Record.Sequence)
	assert.Zero(t, gate.server.calls.Load())

	projection, ok := gate.roster.GetByID("TCK-002")
	require.True(t, ok)
	assert.True(t, projection.CheckedIn())
	assert.Equal(t, 1, gate.bus.count(eventbus.EventAttendeeCheckedIn))

	rescan, err := gate.session.Scan(ctx, ScanRequest{Code: "TCK-002"})
	require.NoError(t, err)
	assert.Equal(t, checkin.StatusAlreadyAdmitted, rescan.Record.Status)
	require.NotNil(t, rescan.Record.Prior)
	assert.Equal(t, result.Record.ID, rescan.Record.Prior.ID)

	depth, err := gate.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestScanStorageFailureIsUnconfirmed(t *testing.T) {
	service := newLedger(t)
	gate := newDevice(t, "gate-a", service, false, brokenOutbox{})

	_, err := gate.session.Scan(context.Background(), ScanRequest{Code: "TCK-001"})
	require.ErrorIs(t, err, ErrUnconfirmed)

	projection, ok := gate.roster.GetByID("TCK-001")
	require.True(t, ok)
	assert.False(t, projection.CheckedIn())
	assert.Zero(t, gate.bus.count(eventbus.EventAttendeeCheckedIn))

	gate.session.SetOnline(true)
	_, err = gate.session.Scan(context.Background(), ScanRequest{Code: "TCK-001"})
	require.ErrorIs(t, err, ErrUnconfirmed)
	assert.Zero(t, gate.server.calls.Load())
}

func TestScanOnlineSubmitsDirectly(t *testing.T) {
	service := newLedger(t)
	gateA := newDevice(t, "gate-a", service, true, nil)
	gateB := newDevice(t, "gate-b", service, true, nil)
	ctx := context.Background()

	first, err := gateA.session.Scan(ctx, ScanRequest{Code: "TCK-003"})
	require.NoError(t, err)
	assert.True(t, first.Confirmed)
	assert.False(t, first.Queued)
	assert.Equal(t, checkin.StatusAdmitted, first.Record.Status)
	assert.True(t, first.Record.Confirmed())
	depth, err := gateA.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	second, err := gateB.session.Scan(ctx, ScanRequest{Code: "TCK-003"})
	require.NoError(t, err)
	assert.True(t, second.Confirmed)
	assert.Equal(t, checkin.StatusAlreadyAdmitted, second.Record.Status)
	require.NotNil(t, second.Record.Prior)
	assert.Equal(t, checkin.DeviceID("gate-a"), second.Record.Prior.DeviceID)
	require.NotNil(t, second.Conflict)
	assert.Equal(t, 1, gateB.bus.count(eventbus.EventConflictResolved))
	assert.Zero(t, gateB.bus.count(eventbus.EventAttendeeCheckedIn))

	projection, ok := gateB.roster.GetByID("TCK-003")
	require.True(t, ok)
	require.NotNil(t, projection.Latest)
	assert.Equal(t, checkin.StatusAlreadyAdmitted, projection.Latest.Status)
	require.NotNil(t, projection.Latest.Prior)
	assert.Equal(t, first.Record.ID, projection.Latest.Prior.ID)
}

func TestScanOnlineFallsBackToQueueOnTransientFailure(t *testing.T) {
	service := newLedger(t)
	gate := newDevice(t, "gate-a", service, true, nil)
	ctx := context.Background()
	gate.server.down.Store(true)

	result, err := gate.session.Scan(ctx, ScanRequest{Code: "TCK-004"})
	require.NoError(t, err)
	assert.True(t, result.Queued)
	assert.Equal(t, checkin.OriginOffline, result.Record.Origin)
	assert.Equal(t, int64(1), gate.server.calls.Load())

	gate.server.down.Store(false)
	report, err := gate.session.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)

	projections, err := service.FetchRoster(ctx, testEvent)
	require.NoError(t, err)
	assert.True(t, projections[3].CheckedIn())
	assert.Equal(t, result.Record.ID, projections[3].Latest.ID)
}

func TestTwoOfflineDevicesReconcileToSingleAdmission(t *testing.T) {
	service := newLedger(t)
	gateA := newDevice(t, "gate-a", service, false, nil)
	gateB := newDevice(t, "gate-b", service, false, nil)
	ctx := context.Background()

	scanA, err := gateA.session.Scan(ctx, ScanRequest{Code: "TCK-001"})
	require.NoError(t, err)
	scanB, err := gateB.session.Scan(ctx, ScanRequest{Code: "TCK-001"})
	require.NoError(t, err)
	assert.Equal(t, checkin.StatusAdmitted, scanA.Record.Status)
	assert.Equal(t, checkin.StatusAdmitted, scanB.Record.Status)

	gateA.session.SetOnline(true)
	reportA, err := gateA.session.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reportA.Confirmed)

	gateB.session.SetOnline(true)
	reportB, err := gateB.session.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reportB.Conflicted)
	assert.Equal(t, 1, gateB.bus.count(eventbus.EventConflictResolved))

	projectionA, ok := gateA.roster.GetByID("TCK-001")
	require.True(t, ok)
	assert.True(t, projectionA.CheckedIn())
	assert.Equal(t, scanA.Record.ID, projectionA.Latest.ID)

	projectionB, ok := gateB.roster.GetByID("TCK-001")
	require.True(t, ok)
	require.NotNil(t, projectionB.Latest)
	assert.Equal(t, checkin.DeviceID("gate-a"), projectionB.Latest.DeviceID)

	history := gateB.roster.Export(roster.Filters{}).History
	var loser *checkin.CheckinRecord
	for index := range history {
		if history[index].ID == scanB.Record.ID {
			loser = &history[index]
		}
	}
	require.NotNil(t, loser)
	assert.Equal(t, checkin.StatusAlreadyAdmitted, loser.Status)
	require.NotNil(t, loser.Prior)
	assert.Equal(t, scanA.Record.ID, loser.Prior.ID)

	conflicts, err := gateB.queue.Conflicts(ctx, testEvent)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	authoritative, err := service.FetchRoster(ctx, testEvent)
	require.NoError(t, err)
	admitted := 0
	for _, projection := range authoritative {
		if projection.Ticket.ID == "TCK-001" && projection.CheckedIn() {
			admitted++
			assert.Equal(t, checkin.DeviceID("gate-a"), projection.Latest.DeviceID)
		}
	}
	assert.Equal(t, 1, admitted)
}

func TestRunDrainsWhenConnectivityReturns(t *testing.T) {
	service := newLedger(t)
	gate := newDevice(t, "gate-a", service, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := gate.session.Scan(ctx, ScanRequest{Code: "TCK-005"})
	require.NoError(t, err)

	connectivity := make(chan bool)
	done := make(chan error, 1)
	go func() {
		done <- gate.session.Run(ctx, connectivity)
	}()
	connectivity <- true

	require.Eventually(t, func() bool {
		depth, depthErr := gate.queue.Depth(context.Background())
		return depthErr == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, gate.session.Online())

	connectivity <- false
	cancel()
	require.NoError(t, <-done)
	assert.False(t, gate.session.Online())
}

func TestNewSessionValidatesConfig(t *testing.T) {
	_, err := NewSession(Config{})
	assert.ErrorIs(t, err, errMissingEventID)
	_, err = NewSession(Config{EventID: testEvent})
	assert.ErrorIs(t, err, errMissingVerifier)
}
