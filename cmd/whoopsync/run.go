package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xaenox/whoop-insight-bot/internal/sync"
	"go.uber.org/zap"
)

var (
	runStart string
	runEnd   string
	runOnly  []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one synchronization and exit",
	Long: `Run every sync job once over the configured date range.

Dates use the YYYY-MM-DD layout. Without --start the range covers the last
sync.lookback_days days up to tomorrow. A job that fails is reported and the
remaining jobs still run; the command exits non-zero if any job failed.

JOBS:

  profile, body_measurement, cycles, recovery, sleep, workouts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := sync.ParseJobs(runOnly)
		if err != nil {
			return err
		}

		syncCfg := cfg.Sync
		if runStart != "" {
			syncCfg.StartDate = runStart
		}
		if runEnd != "" {
			syncCfg.EndDate = runEnd
		}
		rng, err := sync.DateRange(syncCfg, time.Now())
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := runner.Run(ctx, rng, jobs...)
		if err != nil {
			return err
		}

		for _, s := range report.Jobs {
			status := "ok"
			if s.Err != nil {
				status = "FAILED: " + s.Error
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-18s fetched=%-5d stored=%-5d %s\n", s.Job, s.Fetched, s.Stored, status)
		}

		if failed := report.Failed(); len(failed) > 0 {
			logger.Warn("Sync finished with failed jobs", zap.Any("jobs", failed))
			return fmt.Errorf("%d job(s) failed, rerun with --only to retry them: %w", len(failed), report.Err())
		}
		fmt.Fprintln(cmd.OutOrStdout(), "WHOOP data fetch and store process completed successfully!")
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runStart, "start", "", "first day to fetch (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runEnd, "end", "", "day after the last day to fetch (YYYY-MM-DD)")
	runCmd.Flags().StringSliceVar(&runOnly, "only", nil, "run only these jobs")
}

