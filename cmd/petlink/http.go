package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ============================================================================
// Diagnostics HTTP server
// ============================================================================
// GET /status   full state + reporting connection state
// GET /reports  recent journal entries (?limit=N, default 20)
// GET /metrics  Prometheus
// GET /ws       state feed (websocket)
// ============================================================================

// reportLister reads the report journal.
type reportLister interface {
	RecentReports(ctx context.Context, limit int) ([]JournalEntry, error)
}

type statusResponse struct {
	State      FullStateReport `json:"state"`
	Connection string          `json:"connection"`
	Expression string          `json:"expression,omitempty"`
	Feeding    FeedingPhase    `json:"feeding,omitempty"`
}

// diagnostics holds what the handlers read. Any field but store may be nil.
type diagnostics struct {
	store      *StateStore
	reporter   *Reporter
	journal    reportLister
	metrics    *Metrics
	feed       *StateFeed
	expression func() string
	feeding    func() FeedingPhase
	logger     *slog.Logger
}

func newDiagnosticsMux(d diagnostics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", d.handleStatus)
	mux.HandleFunc("GET /reports", d.handleReports)
	mux.Handle("GET /metrics", d.metrics.Handler())
	if d.feed != nil {
		mux.Handle("GET /ws", d.feed)
	}
	return mux
}

func (d diagnostics) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:      d.store.FullSnapshot(),
		Connection: ConnDisconnected.String(),
	}
	if d.reporter != nil {
		resp.Connection = d.reporter.State().String()
	}
	if d.expression != nil {
		resp.Expression = d.expression()
	}
	if d.feeding != nil {
		resp.Feeding = d.feeding()
	}
	writeJSON(w, http.StatusOK, resp, d.logger)
}

func (d diagnostics) handleReports(w http.ResponseWriter, r *http.Request) {
	if d.journal == nil {
		http.Error(w, "report journal disabled", http.StatusNotFound)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be an integer in [1,1000]", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := d.journal.RecentReports(r.Context(), limit)
	if err != nil {
		d.logger.Warn("reading report journal failed", "error", err)
		http.Error(w, "journal read failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries, d.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("writing JSON response failed", "error", err)
	}
}

// runHTTPServer serves handler on port and shuts it down gracefully when ctx
// is canceled.
func runHTTPServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	listenAddr := fmt.Sprintf(":%d", port)
	logger.Info("diagnostics server listening", "port", port)

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		// ErrServerClosed is the clean exit after Shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
