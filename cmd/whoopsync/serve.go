package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xaenox/whoop-insight-bot/internal/api"
	"github.com/xaenox/whoop-insight-bot/internal/sync"
	"github.com/xaenox/whoop-insight-bot/internal/whoop"
	"go.uber.org/zap"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP sync trigger",
	Long: `Start an HTTP server that runs a synchronization on each GET /.

ENDPOINTS:

  GET /        run all jobs over the configured range
  GET /status  report of the last run as JSON
  GET /health  liveness check

When sync.auth_secret is set, / and /status require an HS256 bearer token
signed with it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.Sync.ListenAddr
		if listenAddr != "" {
			addr = listenAddr
		}

		handler := api.NewHandler(runner, func(now time.Time) (whoop.DateRange, error) {
			return sync.DateRange(cfg.Sync, now)
		}, logger)

		srv := &http.Server{
			Addr:         addr,
			Handler:      api.NewRouter(handler, cfg.Sync.AuthSecret, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("Starting sync server", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("Shutting down sync server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "listen address (default sync.listen_addr)")
}
