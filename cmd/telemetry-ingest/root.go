package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ingest "github.com/TimKotowski/pg-telemetry-ingest"
	"github.com/TimKotowski/pg-telemetry-ingest/telematics"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	dsn      string
	apiURL   string
	apiKey   string
	logFile  string
	logLevel string
	debugSQL bool

	pipeline *ingest.Pipeline
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:   "telemetry-ingest",
	Short: "Ingest fleet telemetry events into Postgres",
	Long: `telemetry-ingest pulls driving events from the telematics API into Postgres.

It keeps a continuous cursor over the live event stream, loads historical ranges
on request, and refreshes driver, vehicle and event type reference data.

Configuration is read from TELEMETRY_* environment variables, flags win.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		logger, cleanup := ingest.SetupLogger(logFile, ingest.ParseLogLevel(logLevel))
		slog.SetDefault(logger)
		closeLog = cleanup

		// Only run and sync talk to the API, the other commands work on the database alone.
		var client telematics.Client
		if apiURL != "" || cmd.Name() == "run" || cmd.Name() == "sync" {
			httpClient, err := telematics.NewHTTPClient(telematics.HTTPClientOptions{
				BaseURL:   apiURL,
				APIKey:    apiKey,
				UserAgent: "telemetry-ingest/" + Version,
			})
			if err != nil {
				return fmt.Errorf("create telematics client: %w", err)
			}
			client = httpClient
		}

		conf := ingest.NewConfig(
			ingest.WithDSN(dsn),
			ingest.WithDebugSQL(debugSQL),
			ingest.WithLogger(logger),
		)

		var err error
		pipeline, err = ingest.NewFromConfig(cmd.Context(), conf, client)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if pipeline != nil {
			if err := pipeline.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close pipeline: %v\n", err)
			}
		}
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Apply migrations and process queues until interrupted",
	Long: `Apply pending migrations, start the queue workers and the cron scheduler,
and run until SIGINT or SIGTERM. Running backfills are checkpointed on shutdown
and resume on the next start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := pipeline.Init(); err != nil {
			return fmt.Errorf("start pipeline: %w", err)
		}
		slog.Info("telemetry-ingest running", "version", Version)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		slog.Info("shutting down...")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return pipeline.Migrate(cmd.Context())
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Refresh driver, vehicle and event type reference data now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := pipeline.SyncMasterData(cmd.Context())
		if err != nil {
			return fmt.Errorf("sync master data: %w", err)
		}
		fmt.Printf("Synced %d drivers, %d vehicles, %d event types\n", stats.Drivers, stats.Vehicles, stats.EventTypes)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ingestion cursor and queued jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		status, err := pipeline.IngestionStatus(ctx)
		if err != nil {
			return fmt.Errorf("ingestion status: %w", err)
		}

		fmt.Printf("Process:   %s\n", status.ProcessName)
		fmt.Printf("Token:     %s\n", status.Token)
		if status.LastRunAt != nil {
			fmt.Printf("Last run:  %s\n", status.LastRunAt.Format(time.RFC3339))
		} else {
			fmt.Println("Last run:  never")
		}

		jobs, err := pipeline.ListQueueJobs(ctx, "", "", 20)
		if err != nil {
			return fmt.Errorf("list queue jobs: %w", err)
		}
		if len(jobs) == 0 {
			fmt.Println("\nNo queued jobs.")
			return nil
		}

		fmt.Println("\nQueue jobs:")
		for _, job := range jobs {
			fmt.Printf("  %-22s %-26s %-10s attempts %d/%d\n", job.Queue, job.ID, job.Status, job.Attempts, job.MaxAttempts)
		}
		return nil
	},
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", envOr("TELEMETRY_DSN", ""), "postgres connection string")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("TELEMETRY_API_URL", ""), "telematics API base url")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", envOr("TELEMETRY_API_KEY", ""), "telematics API key")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", envOr("TELEMETRY_LOG_FILE", ""), "also write JSON logs to this file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("TELEMETRY_LOG_LEVEL", "info"), "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&debugSQL, "debug-sql", envBool("TELEMETRY_DEBUG_SQL"), "log every SQL query")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
