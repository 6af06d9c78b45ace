package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/xaenox/whoop-insight-bot/internal/logging"
	"github.com/xaenox/whoop-insight-bot/internal/storage"
	"github.com/xaenox/whoop-insight-bot/internal/sync"
	"github.com/xaenox/whoop-insight-bot/internal/whoop"
	"github.com/xaenox/whoop-insight-bot/pkg/config"
	"go.uber.org/zap"
)

var (
	configPath string

	cfg    *config.Config
	logger *zap.Logger
	store  *storage.SQLStore
	runner *sync.Runner
)

var rootCmd = &cobra.Command{
	Use:   "whoopsync",
	Short: "Copy WHOOP health data into the health database",
	Long: `whoopsync fetches profile, body measurement, cycle, recovery, sleep and
workout records from the WHOOP API and stores them in the health database
the insight bot queries. Records already stored are left untouched, so
running it again over the same range is safe.

EXAMPLES:

  whoopsync run                                  # Last 7 days
  whoopsync run --start 2024-12-01 --end 2024-12-12
  whoopsync run --only recovery,sleep            # Rerun failed jobs
  whoopsync serve                                # HTTP trigger on :8080`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.ValidateSync(); err != nil {
			return err
		}

		logger, err = logging.New(cfg.Log)
		if err != nil {
			return err
		}

		store, err = storage.Open(storage.ConfigFrom(cfg.Database, 0), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}

		base := &http.Client{Timeout: cfg.Whoop.Timeout}
		runner = sync.NewRunner(func(ctx context.Context) (sync.Source, error) {
			return whoop.Authenticate(ctx, cfg.Whoop, base, logger)
		}, store, logger)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			defer logger.Sync()
		}
		if store != nil {
			return store.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the config file")
	rootCmd.AddCommand(runCmd, serveCmd)
}
