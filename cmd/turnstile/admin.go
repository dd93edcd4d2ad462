package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/turnstile/internal/auth"
	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/config"
	"github.com/MarcoPoloResearchLab/turnstile/internal/logging"
	"github.com/MarcoPoloResearchLab/turnstile/internal/remote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type tokenOutput struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func newTokenCommand() *cobra.Command {
	var identity auth.StaffIdentity
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a staff token bound to one device",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := loadConfig()
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.Auth.SigningSecret),
				Issuer:        auth.DefaultIssuer,
				TokenTTL:      appConfig.Auth.TokenTTL,
			})
			if err != nil {
				return err
			}
			identity.Roles = roles
			token, expiresIn, err := issuer.IssueStaffToken(cmd.Context(), identity)
			if err != nil {
				return err
			}
			return writeJSON(cmd, tokenOutput{Token: token, ExpiresIn: expiresIn})
		},
	}
	cmd.Flags().StringVar(&identity.DeviceID, "device", "", "Device the token is bound to")
	cmd.Flags().StringVar(&identity.StaffName, "name", "", "Staff member operating the device")
	cmd.Flags().StringVar(&identity.StaffEmail, "email", "", "Staff member email")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleScanner}, "Roles granted (scanner, admin)")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <tickets.json>",
		Short: "Import issued tickets into the server of record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, client, logger, err := openAdminClient()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var tickets []checkin.Ticket
			if err := json.Unmarshal(payload, &tickets); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			imported, err := client.ImportTickets(cmd.Context(), checkin.EventID(appConfig.Event.ID), tickets)
			if err != nil {
				return err
			}
			logger.Info("tickets imported", zap.Int("count", imported))
			return writeJSON(cmd, map[string]int{"imported": imported})
		},
	}
}

func newTicketStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ticket-state <ticket-id> <active|refunded|void>",
		Short: "Change the commercial state of an issued ticket",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, client, logger, err := openAdminClient()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ticketID, err := checkin.NewTicketID(args[0])
			if err != nil {
				return err
			}
			state := strings.ToLower(strings.TrimSpace(args[1]))
			if err := client.SetTicketState(cmd.Context(), checkin.EventID(appConfig.Event.ID), ticketID, state); err != nil {
				return err
			}
			return writeJSON(cmd, map[string]string{"ticket_id": ticketID.String(), "state": state})
		},
	}
}

// openAdminClient builds a client for commands that talk to the server of record without a
// local queue.
func openAdminClient() (config.AppConfig, *remote.Client, *zap.Logger, error) {
	appConfig, err := loadConfig()
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	if _, err := checkin.NewEventID(appConfig.Event.ID); err != nil {
		return config.AppConfig{}, nil, nil, fmt.Errorf("event.id is required")
	}
	logger, err := logging.Build(logging.Options{Level: appConfig.LogLevel, Console: true, Component: "admin"})
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	client, err := remote.NewClient(remote.Config{
		BaseURL: appConfig.Server.BaseURL,
		Token:   appConfig.Server.Token,
		Logger:  logger,
	})
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	return appConfig, client, logger, nil
}

func writeJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
