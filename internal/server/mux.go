// Package server provides the HTTP surface of a running davbridge: the
// Prometheus endpoint, a liveness check and a JSON status document.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/davbridge/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// Status is the snapshot served at /status.
type Status struct {
	RunID     string `json:"run_id"`
	Version   string `json:"version"`
	RemoteURL string `json:"remote_url"`
	WatchDir  string `json:"watch_dir"`

	// InFlight counts files queued, uploading or waiting on a retry or a
	// conflict decision.
	InFlight       int   `json:"in_flight"`
	LockedWaiting  int   `json:"locked_waiting"`
	CacheEntries   int   `json:"checksum_cache_entries"`
	CacheHits      int64 `json:"checksum_cache_hits"`
	CacheMisses    int64 `json:"checksum_cache_misses"`
	TransfersTotal int   `json:"transfer_records"`
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Status func() Status
	Logger *slog.Logger
}

// NewMux builds the HTTP mux with /metrics, /healthz and /status.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /status", handleStatus(cfg))

	return mux
}

func handleStatus(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var st Status
		if cfg.Status != nil {
			st = cfg.Status()
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(st); err != nil && cfg.Logger != nil {
			cfg.Logger.Warn("writing status response", slog.String("error", err.Error()))
		}
	}
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting status server", slog.String("listen", addr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down status server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server error: %w", err)
	}

	return ctx.Err()
}
