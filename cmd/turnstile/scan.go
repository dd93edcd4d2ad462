package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/engine"
	"github.com/MarcoPoloResearchLab/turnstile/internal/eventbus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const pingTimeout = 3 * time.Second

type scanOutput struct {
	Code      string                  `json:"code"`
	Status    checkin.Status          `json:"status"`
	TicketID  checkin.TicketID        `json:"ticket_id,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	Confirmed bool                    `json:"confirmed"`
	Queued    bool                    `json:"queued"`
	Record    checkin.CheckinRecord   `json:"record"`
	Conflict  *checkin.ConflictRecord `json:"conflict,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

func newScanCommand() *cobra.Command {
	var (
		offline        bool
		notes          string
		metricsAddress string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Check in codes read line by line from stdin",
		Long: "Reads one presented code per line. Each line may carry staff notes after a tab. " +
			"Results are written to stdout as one JSON object per line.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runtime, err := openDevice(ctx, deviceOptions{component: "scan", online: !offline})
			if err != nil {
				return err
			}
			defer runtime.Close()

			conflicts, err := runtime.bus.Subscribe(eventbus.EventConflictResolved, func(event eventbus.Event) {
				if event.Conflict == nil {
					return
				}
				runtime.logger.Warn("admission conflict resolved",
					zap.String("ticket_id", event.TicketID.String()),
					zap.String("winner_device", event.Conflict.Winner.DeviceID.String()),
					zap.String("loser_device", event.Conflict.Loser.DeviceID.String()),
					zap.String("resolution", event.Conflict.Resolution))
			})
			if err != nil {
				return err
			}
			defer runtime.bus.Unsubscribe(conflicts)

			if metricsAddress != "" {
				metricsServer := &http.Server{
					Addr:              metricsAddress,
					Handler:           promhttp.HandlerFor(runtime.registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						runtime.logger.Warn("metrics listener stopped", zap.Error(err))
					}
				}()
				defer metricsServer.Close()
			}

			background, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				var connectivity <-chan bool
				if !offline {
					connectivity = watchConnectivity(background, runtime)
				}
				if err := runtime.session.Run(background, connectivity); err != nil {
					runtime.logger.Warn("sync loop stopped", zap.Error(err))
				}
			}()
			defer func() {
				cancel()
				<-done
			}()

			return scanLines(ctx, cmd, runtime.session, notes)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Never contact the server of record; queue every admission")
	cmd.Flags().StringVar(&notes, "notes", "", "Staff notes attached to every scan without its own")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "Serve device metrics on this address")
	return cmd
}

func scanLines(ctx context.Context, cmd *cobra.Command, session *engine.Session, defaultNotes string) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		code, lineNotes, _ := strings.Cut(line, "\t")
		if lineNotes == "" {
			lineNotes = defaultNotes
		}

		result, err := session.Scan(ctx, engine.ScanRequest{Code: code, Notes: strings.TrimSpace(lineNotes)})
		output := scanOutput{Code: code}
		if err != nil {
			output.Error = err.Error()
		} else {
			output.Status = result.Record.Status
			output.TicketID = result.Record.TicketID
			output.Reason = result.Record.Reason
			output.Confirmed = result.Confirmed
			output.Queued = result.Queued
			output.Record = result.Record
			output.Conflict = result.Conflict
		}
		if err := encoder.Encode(output); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// watchConnectivity pings the server of record on every sync interval and reports each
// answer to the session.
func watchConnectivity(ctx context.Context, runtime *deviceRuntime) <-chan bool {
	states := make(chan bool, 1)
	go func() {
		defer close(states)
		ticker := time.NewTicker(runtime.config.Sync.Interval)
		defer ticker.Stop()
		for {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := runtime.client.Ping(pingCtx)
			cancel()
			select {
			case states <- err == nil:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return states
}
