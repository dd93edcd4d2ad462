package main

import (
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/bulk"
	"github.com/MarcoPoloResearchLab/turnstile/internal/reconcile"
	"github.com/MarcoPoloResearchLab/turnstile/internal/roster"
	"github.com/MarcoPoloResearchLab/turnstile/internal/syncqueue"
	"github.com/spf13/cobra"
)

type syncOutput struct {
	Attempted   int                     `json:"attempted"`
	Confirmed   int                     `json:"confirmed"`
	Conflicted  int                     `json:"conflicted"`
	Rejected    int                     `json:"rejected"`
	Retrying    int                     `json:"retrying"`
	Failed      int                     `json:"failed"`
	Interrupted bool                    `json:"interrupted"`
	CompletedAt time.Time               `json:"completed_at"`
	Conflicts   []syncqueue.ConflictLog `json:"conflicts,omitempty"`
}

type failureOutput struct {
	EntryID    string    `json:"entry_id"`
	RecordID   string    `json:"record_id"`
	TicketID   string    `json:"ticket_id"`
	Sequence   int64     `json:"sequence"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

func newSyncCommand() *cobra.Command {
	var listConflicts bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass against the server of record",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openDevice(cmd.Context(), deviceOptions{component: "sync", online: true})
			if err != nil {
				return err
			}
			defer runtime.Close()

			report, err := runtime.session.Sync(cmd.Context())
			if err != nil {
				return err
			}
			output := syncReport(report)
			if listConflicts {
				conflicts, err := runtime.queue.Conflicts(cmd.Context(), runtime.session.EventID())
				if err != nil {
					return err
				}
				output.Conflicts = conflicts
			}
			return writeJSON(cmd, output)
		},
	}
	cmd.Flags().BoolVar(&listConflicts, "conflicts", false, "Include the conflicts recorded for the event")
	return cmd
}

func syncReport(report reconcile.Report) syncOutput {
	return syncOutput{
		Attempted:   report.Attempted,
		Confirmed:   report.Confirmed,
		Conflicted:  report.Conflicted,
		Rejected:    report.Rejected,
		Retrying:    report.Retrying,
		Failed:      report.Failed,
		Interrupted: report.Interrupted,
		CompletedAt: report.CompletedAt,
	}
}

func newExportCommand() *cobra.Command {
	var (
		checkedIn  bool
		vip        bool
		ticketType string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the attendee roster and check-in history as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openDevice(cmd.Context(), deviceOptions{component: "export"})
			if err != nil {
				return err
			}
			defer runtime.Close()

			filters := roster.Filters{TicketType: ticketType}
			if cmd.Flags().Changed("checked-in") {
				filters.CheckedIn = &checkedIn
			}
			if cmd.Flags().Changed("vip") {
				filters.VIP = &vip
			}
			return writeJSON(cmd, runtime.roster.Export(filters))
		},
	}
	cmd.Flags().BoolVar(&checkedIn, "checked-in", false, "Only attendees with (true) or without (false) an admission")
	cmd.Flags().BoolVar(&vip, "vip", false, "Only VIP (true) or non-VIP (false) attendees")
	cmd.Flags().StringVar(&ticketType, "type", "", "Only attendees holding this ticket type")
	return cmd
}

func newFailuresCommand() *cobra.Command {
	var dismiss string
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List queued admissions that could not be delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openDevice(cmd.Context(), deviceOptions{component: "failures"})
			if err != nil {
				return err
			}
			defer runtime.Close()

			if dismiss != "" {
				if err := runtime.queue.Dismiss(cmd.Context(), dismiss); err != nil {
					return err
				}
			}
			entries, err := runtime.queue.Failures(cmd.Context())
			if err != nil {
				return err
			}
			output := make([]failureOutput, 0, len(entries))
			for _, entry := range entries {
				output = append(output, failureOutput{
					EntryID:    entry.EntryID,
					RecordID:   entry.RecordID,
					TicketID:   entry.TicketID,
					Sequence:   entry.Sequence,
					RetryCount: entry.RetryCount,
					LastError:  entry.LastError,
					Reason:     entry.Adjudication,
					CreatedAt:  time.UnixMilli(entry.CreatedAtMillis).UTC(),
				})
			}
			return writeJSON(cmd, output)
		},
	}
	cmd.Flags().StringVar(&dismiss, "dismiss", "", "Remove the failed entry with this id after review")
	return cmd
}

func newBulkCommand() *cobra.Command {
	var (
		kind    string
		notes   string
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "bulk <ticket-id>...",
		Short: "Check in or annotate many tickets at once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := openDevice(cmd.Context(), deviceOptions{component: "bulk", online: !offline})
			if err != nil {
				return err
			}
			defer runtime.Close()

			processor, err := bulk.NewProcessor(bulk.Config{
				Scanner:   runtime.session,
				Annotator: runtime.roster,
				Logger:    runtime.logger,
			})
			if err != nil {
				return err
			}
			result, err := processor.Apply(cmd.Context(), runtime.session.EventID(), bulk.Operation{
				Kind:      bulk.Kind(kind),
				TicketIDs: args,
				Notes:     notes,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(bulk.KindCheckIn), "Operation to apply (check_in, annotate)")
	cmd.Flags().StringVar(&notes, "notes", "", "Staff notes attached to every ticket")
	cmd.Flags().BoolVar(&offline, "offline", false, "Queue admissions without contacting the server of record")
	return cmd
}
