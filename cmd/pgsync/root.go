package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jcovali/pgsync/internal/appconfig"
)

var (
	cfg        appconfig.Config
	logger     zerolog.Logger
	logOutput  io.Writer
	configPath string

	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pgsync",
	Short: "Scheduled PostgreSQL-to-PostgreSQL synchronization service",
	Long: `pgsync replicates schemas and transfers data between PostgreSQL
databases on cron schedules. It keeps per-table incremental watermarks,
streams live progress over SSE and WebSocket, and stores connection
credentials encrypted at rest.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := appconfig.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = flagLogLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format = flagLogFormat
		}

		switch cfg.Logging.Format {
		case "json":
			logOutput = os.Stdout
		default:
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(cfg.Logging.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		if cfg.Server.Debug {
			level = zerolog.DebugLevel
		}
		logger = logger.Level(level)

		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "Path to config file (TOML)")
	f.StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&flagLogFormat, "log-format", "console", "Log format (console, json)")
}
