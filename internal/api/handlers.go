package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/xaenox/whoop-insight-bot/internal/sync"
	"github.com/xaenox/whoop-insight-bot/internal/whoop"
	"go.uber.org/zap"
)

const syncSuccessMessage = "WHOOP data fetch and store process completed successfully!"

// SyncRunner is the part of sync.Runner the trigger needs.
type SyncRunner interface {
	Run(ctx context.Context, rng whoop.DateRange, only ...sync.JobName) (*sync.Report, error)
	Last() *sync.Report
}

type Handler struct {
	runner    SyncRunner
	dateRange func(now time.Time) (whoop.DateRange, error)
	running   gosync.Mutex
	logger    *zap.Logger
}

// NewHandler serves the sync trigger. dateRange resolves the window for
// each run.
func NewHandler(runner SyncRunner, dateRange func(now time.Time) (whoop.DateRange, error), logger *zap.Logger) *Handler {
	return &Handler{runner: runner, dateRange: dateRange, logger: logger}
}

// Sync runs a full synchronization. Failed jobs are logged and reported by
// /status; only a failure of the run itself is a 500.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if !h.running.TryLock() {
		writeText(w, http.StatusConflict, "Error: a synchronization is already running")
		return
	}
	defer h.running.Unlock()

	rng, err := h.dateRange(time.Now())
	if err != nil {
		writeText(w, http.StatusInternalServerError, "Error: "+err.Error())
		return
	}

	// A client disconnect does not abort a run in progress.
	report, err := h.runner.Run(context.WithoutCancel(r.Context()), rng)
	if err != nil {
		h.logger.Error("Sync failed", zap.Error(err))
		writeText(w, http.StatusInternalServerError, "Error: "+err.Error())
		return
	}
	if failed := report.Failed(); len(failed) > 0 {
		h.logger.Warn("Sync finished with failed jobs", zap.Any("jobs", failed))
	}

	writeText(w, http.StatusOK, syncSuccessMessage)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	report := h.runner.Last()
	if report == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no synchronization has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
