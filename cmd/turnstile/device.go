package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/config"
	"github.com/MarcoPoloResearchLab/turnstile/internal/database"
	"github.com/MarcoPoloResearchLab/turnstile/internal/engine"
	"github.com/MarcoPoloResearchLab/turnstile/internal/eventbus"
	"github.com/MarcoPoloResearchLab/turnstile/internal/logging"
	"github.com/MarcoPoloResearchLab/turnstile/internal/metrics"
	"github.com/MarcoPoloResearchLab/turnstile/internal/notify"
	"github.com/MarcoPoloResearchLab/turnstile/internal/reconcile"
	"github.com/MarcoPoloResearchLab/turnstile/internal/remote"
	"github.com/MarcoPoloResearchLab/turnstile/internal/roster"
	"github.com/MarcoPoloResearchLab/turnstile/internal/syncqueue"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// deviceRuntime is everything a scanning device needs for one event.
type deviceRuntime struct {
	config   config.AppConfig
	logger   *zap.Logger
	sqlDB    *sql.DB
	registry *prometheus.Registry
	bus      *eventbus.Bus
	client   *remote.Client
	roster   *roster.Cache
	queue    *syncqueue.Queue
	session  *engine.Session

	amqp      *notify.Connection
	forwarder *notify.Forwarder
}

type deviceOptions struct {
	component string
	online    bool
}

func openDevice(ctx context.Context, options deviceOptions) (runtime *deviceRuntime, err error) {
	appConfig, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := appConfig.ValidateDevice(); err != nil {
		return nil, err
	}
	deviceID, err := checkin.NewDeviceID(appConfig.Device.ID)
	if err != nil {
		return nil, err
	}
	eventID, err := checkin.NewEventID(appConfig.Event.ID)
	if err != nil {
		return nil, err
	}

	logger, err := logging.Build(logging.Options{
		Level:     appConfig.LogLevel,
		Console:   true,
		Component: options.component,
		DeviceID:  deviceID.String(),
	})
	if err != nil {
		return nil, err
	}

	runtime = &deviceRuntime{config: appConfig, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			runtime.Close()
			runtime = nil
		}
	}()

	db, err := database.OpenSQLite(appConfig.Device.QueuePath, logger)
	if err != nil {
		return runtime, err
	}
	if runtime.sqlDB, err = db.DB(); err != nil {
		return runtime, err
	}

	deviceMetrics := metrics.New(runtime.registry)
	runtime.bus = eventbus.NewBus(eventbus.BusConfig{Logger: logger, Drops: deviceMetrics})

	runtime.client, err = remote.NewClient(remote.Config{
		BaseURL: appConfig.Server.BaseURL,
		Token:   appConfig.Server.Token,
		Logger:  logger,
	})
	if err != nil {
		return runtime, err
	}

	ids := checkin.NewUUIDProvider()
	runtime.queue, err = syncqueue.NewQueue(syncqueue.Config{
		Database:    db,
		DeviceID:    deviceID,
		Clock:       time.Now,
		IDProvider:  ids,
		Logger:      logger,
		Backoff:     syncqueue.Backoff{Base: appConfig.Sync.RetryBase, Max: appConfig.Sync.RetryMax},
		MaxAttempts: appConfig.Sync.MaxAttempts,
		Depth:       deviceMetrics,
	})
	if err != nil {
		return runtime, err
	}

	source, err := roster.NewPersistentSource(runtime.client, appConfig.Device.RosterPath, logger)
	if err != nil {
		return runtime, err
	}
	runtime.roster, err = roster.NewCache(roster.Config{
		Source:  source,
		Journal: runtime.queue,
		Bus:     runtime.bus,
		Logger:  logger,
	})
	if err != nil {
		return runtime, err
	}

	reconciler, err := reconcile.NewEngine(reconcile.Config{
		Queue:         runtime.queue,
		Server:        runtime.client,
		Roster:        runtime.roster,
		Bus:           runtime.bus,
		Clock:         time.Now,
		IDProvider:    ids,
		Logger:        logger,
		Metrics:       deviceMetrics,
		SubmitTimeout: appConfig.Sync.SubmitTimeout,
	})
	if err != nil {
		return runtime, err
	}

	verifier, err := checkin.NewVerifier(checkin.VerifierConfig{
		DeviceID:    deviceID,
		EventEndsAt: appConfig.Event.EndsAt,
		TicketKey:   ticketKey(appConfig.Event.TicketKey),
		Clock:       time.Now,
		IDProvider:  ids,
	})
	if err != nil {
		return runtime, err
	}

	runtime.session, err = engine.Open(ctx, engine.Config{
		EventID:       eventID,
		Verifier:      verifier,
		Roster:        runtime.roster,
		Queue:         runtime.queue,
		Reconciler:    reconciler,
		Server:        runtime.client,
		Bus:           runtime.bus,
		Clock:         time.Now,
		Logger:        logger,
		Metrics:       deviceMetrics,
		SubmitTimeout: appConfig.Sync.SubmitTimeout,
		SyncInterval:  appConfig.Sync.Interval,
		Online:        options.online,
	})
	if err != nil {
		return runtime, err
	}

	if err := runtime.session.Refresh(ctx); err != nil {
		return runtime, fmt.Errorf("roster unavailable: %w", err)
	}
	if err := runtime.restoreHistory(ctx, eventID); err != nil {
		return runtime, err
	}

	if appConfig.AMQP.URL != "" {
		if err := runtime.startForwarder(deviceID); err != nil {
			return runtime, err
		}
	}
	return runtime, nil
}

// restoreHistory folds the journaled records and the admissions still waiting in the queue
// into the freshly loaded roster, so a restart does not forget what this device already saw.
func (r *deviceRuntime) restoreHistory(ctx context.Context, eventID checkin.EventID) error {
	if _, err := r.roster.Restore(ctx); err != nil {
		return fmt.Errorf("restore check-in history: %w", err)
	}
	pending, err := r.queue.Pending(ctx, eventID)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		if _, err := r.roster.ApplyCheckin(entry.Record()); err != nil && !errors.Is(err, roster.ErrUnknownTicket) {
			r.logger.Warn("queued admission not replayed", zap.String("record_id", entry.RecordID), zap.Error(err))
		}
	}
	if len(pending) > 0 {
		r.logger.Info("queued admissions replayed", zap.Int("count", len(pending)))
	}
	return nil
}

func (r *deviceRuntime) startForwarder(deviceID checkin.DeviceID) error {
	connection, err := notify.Dial(r.config.AMQP.URL)
	if err != nil {
		return err
	}
	r.amqp = connection
	forwarder, err := notify.NewForwarder(notify.Config{
		Channel:  connection.Channel(),
		Bus:      r.bus,
		Exchange: r.config.AMQP.Exchange,
		DeviceID: deviceID,
		Logger:   r.logger,
	})
	if err != nil {
		return err
	}
	if err := forwarder.Start(); err != nil {
		return err
	}
	r.forwarder = forwarder
	return nil
}

// Close releases the runtime. The bus drains its handlers before the AMQP connection goes
// away so buffered notifications are still published.
func (r *deviceRuntime) Close() {
	if r.bus != nil {
		r.bus.Close()
	}
	if r.forwarder != nil {
		r.forwarder.Stop()
	}
	if r.amqp != nil {
		if err := r.amqp.Close(); err != nil {
			r.logger.Warn("failed to close amqp connection", zap.Error(err))
		}
	}
	if r.sqlDB != nil {
		if err := r.sqlDB.Close(); err != nil {
			r.logger.Warn("failed to close device database", zap.Error(err))
		}
	}
	_ = r.logger.Sync()
}

func ticketKey(raw string) []byte {
	if raw == "" {
		return nil
	}
	return []byte(raw)
}
