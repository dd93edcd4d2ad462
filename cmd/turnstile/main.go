package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/MarcoPoloResearchLab/turnstile/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "turnstile",
		Short:         "Offline-first ticket check-in and sync",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
		newImportCommand(),
		newTicketStateCommand(),
		newScanCommand(),
		newSyncCommand(),
		newExportCommand(),
		newFailuresCommand(),
		newBulkCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", "", "Path to a dotenv file loaded before configuration")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address of the server of record")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path of the server of record")
	flags.String("signing-secret", "", "Staff token signing secret (overrides env)")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Staff token TTL in minutes")
	flags.String("device-id", "", "Identifier of this scanning device")
	flags.String("queue-path", defaults.GetString("device.queue_path"), "SQLite path of the device queue")
	flags.String("roster-path", defaults.GetString("device.roster_path"), "Path of the stored roster snapshot")
	flags.String("event-id", "", "Event checked in to")
	flags.String("server-url", "", "Base URL of the server of record")
	flags.String("server-token", "", "Staff token presented to the server of record")
	flags.String("amqp-url", "", "RabbitMQ URL for forwarding reconciliation notifications")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "device.queue_path", "queue-path")
	bindFlag(cmd, "device.roster_path", "roster-path")
	bindFlag(cmd, "event.id", "event-id")
	bindFlag(cmd, "server.base_url", "server-url")
	bindFlag(cmd, "server.token", "server-token")
	bindFlag(cmd, "amqp.url", "amqp-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return err
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("turnstile")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadConfig() (config.AppConfig, error) {
	return config.Load(viper.GetViper())
}
