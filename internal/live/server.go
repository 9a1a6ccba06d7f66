package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server hosts the websocket endpoint, health check, and metrics.
type Server struct {
	hub    *Hub
	srv    *http.Server
	logger *slog.Logger
}

// NewServer wires the hub onto /ws with /healthz and /metrics beside it.
func NewServer(hub *Hub, port int, logger *slog.Logger) *Server {
	log := logger.With("component", "live-server")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(hub, log, w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","tick":%d}`, hub.store.World().CurrentTick)
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		hub: hub,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log,
	}
}

// Run starts the hub loop and the HTTP listener, stopping both when ctx ends.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		if err := s.hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("hub: %w", err)
		}
	}()
	go func() {
		s.logger.Info("live server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
