// Package server exposes the operational HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"dof-notifier/poll"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poller interface for triggering cycles.
type Poller interface {
	RunCycle(ctx context.Context) (*poll.Summary, error)
}

// Server handles HTTP requests.
type Server struct {
	poller   Poller
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// New creates a new HTTP server handler.
func New(poller Poller, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	return &Server{
		poller:   poller,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Minute, // a triggered cycle runs inside the request
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

type pollResponse struct {
	Status  string        `json:"status"`
	CycleID string        `json:"cycle_id,omitempty"`
	Day     string        `json:"day,omitempty"`
	Rows    int           `json:"rows"`
	Changed int           `json:"changed"`
	Alerts  int           `json:"alerts"`
	Threads int           `json:"threads"`
	Sent    int           `json:"sent"`
	Pruned  int           `json:"pruned"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	// A cycle runs to completion even if the caller goes away.
	sum, err := s.poller.RunCycle(context.WithoutCancel(r.Context()))
	if errors.Is(err, poll.ErrBusy) {
		s.writeJSON(w, http.StatusConflict, pollResponse{Status: "busy"})
		return
	}
	if err != nil {
		s.logger.Error("Poll cycle failed", "error", err)
		http.Error(w, "Cycle failed", http.StatusInternalServerError)
		return
	}

	resp := pollResponse{
		Status:  "completed",
		CycleID: sum.CycleID,
		Day:     sum.Day,
		Rows:    sum.Rows,
		Changed: sum.Changed,
		Alerts:  sum.Alerts,
		Threads: sum.Threads,
		Elapsed: sum.Duration,
	}
	if sum.FetchFailed {
		resp.Status = "fetch_failed"
	}
	if sum.Dispatch != nil {
		resp.Sent = sum.Dispatch.Sent
		resp.Pruned = sum.Dispatch.Pruned
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
