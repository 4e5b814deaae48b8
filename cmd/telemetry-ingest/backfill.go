package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	ingest "github.com/TimKotowski/pg-telemetry-ingest"
	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
)

var (
	backfillListLimit int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Load and inspect historical ranges",
}

var backfillStartCmd = &cobra.Command{
	Use:   "start <start> <end>",
	Short: "Queue a historical load for a time range",
	Long: `Queue a historical load for a time range.

Dates are RFC3339 timestamps or plain YYYY-MM-DD dates (UTC midnight). The range may
span at most 90 days and only one load can be pending or running at a time. A
running 'telemetry-ingest run' process picks the job up.

Examples:
  telemetry-ingest backfill start 2025-01-01 2025-01-08
  telemetry-ingest backfill start 2025-01-01T06:00:00Z 2025-01-01T18:00:00Z`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseDate(args[0])
		if err != nil {
			return err
		}
		end, err := parseDate(args[1])
		if err != nil {
			return err
		}

		job, err := pipeline.StartBackfill(cmd.Context(), start, end)
		if errors.Is(err, ingest.ErrBackfillActive) {
			return fmt.Errorf("another backfill is still pending or running, check 'telemetry-ingest backfill list'")
		}
		if err != nil {
			return fmt.Errorf("start backfill: %w", err)
		}

		fmt.Printf("Queued backfill %s (%d hours)\n", job.JobID, job.TotalHours)
		return nil
	},
}

var backfillStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the progress of a historical load",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := pipeline.BackfillStatus(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("backfill status: %w", err)
		}
		printBackfill(job)
		return nil
	},
}

var backfillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent historical loads, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := pipeline.ListBackfills(cmd.Context(), backfillListLimit)
		if err != nil {
			return fmt.Errorf("list backfills: %w", err)
		}
		if len(jobs) == 0 {
			fmt.Println("No backfills found.")
			return nil
		}

		for i := range jobs {
			j := &jobs[i]
			fmt.Printf("%-26s %-9s %s -> %s  %d/%d hours  %d events\n",
				j.JobID, j.Status,
				j.StartDate.Format(time.RFC3339), j.EndDate.Format(time.RFC3339),
				j.HoursProcessed, j.TotalHours, j.EventsProcessed,
			)
		}
		return nil
	},
}

var backfillCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or running historical load",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := pipeline.CancelBackfill(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("cancel backfill: %w", err)
		}
		fmt.Printf("Cancelled backfill %s\n", args[0])
		return nil
	},
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func printBackfill(job *telemetrydb.HistoricalLoadJob) {
	fmt.Printf("Job:        %s\n", job.JobID)
	fmt.Printf("Status:     %s\n", job.Status)
	fmt.Printf("Range:      %s -> %s\n", job.StartDate.Format(time.RFC3339), job.EndDate.Format(time.RFC3339))
	fmt.Printf("Progress:   %d/%d hours\n", job.HoursProcessed, job.TotalHours)
	fmt.Printf("Events:     %d\n", job.EventsProcessed)
	if job.CurrentCheckpoint != nil {
		fmt.Printf("Checkpoint: %s\n", job.CurrentCheckpoint.Format(time.RFC3339))
	}
	if job.ErrorMessage != nil {
		fmt.Printf("Error:      %s\n", *job.ErrorMessage)
	}
}

func init() {
	backfillListCmd.Flags().IntVarP(&backfillListLimit, "limit", "n", 10, "max backfills to list (at most 100)")

	backfillCmd.AddCommand(backfillStartCmd)
	backfillCmd.AddCommand(backfillStatusCmd)
	backfillCmd.AddCommand(backfillListCmd)
	backfillCmd.AddCommand(backfillCancelCmd)
}
