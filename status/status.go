// Package status serves the liveness endpoints of the produce and consume
// commands.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wjingmei2011/Kafka-Flink-Slack-Pipeline/stats"
)

const shutdownTimeout = 5 * time.Second

// SummaryFunc reports the current pipeline counters.
type SummaryFunc func() stats.Summary

type Server struct {
	name    string
	summary SummaryFunc
	started time.Time
	srv     *http.Server
	logger  *slog.Logger
}

// New creates a status server for the named component listening on addr.
func New(name, addr string, summary SummaryFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{name: name, summary: summary, started: time.Now(), logger: logger}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "%s is running!\n", s.name)
	})
	r.Get("/healthz", s.health)
	return r
}

type health struct {
	Status         string `json:"status"`
	Component      string `json:"component"`
	Uptime         string `json:"uptime"`
	Fetched        int    `json:"fetched"`
	Published      int    `json:"published"`
	Delivered      int    `json:"delivered"`
	DryRun         int    `json:"dryRun"`
	Duplicates     int    `json:"duplicates"`
	DecodeFailures int    `json:"decodeFailures"`
	Dropped        int    `json:"dropped"`
	Errors         int    `json:"errors"`
	LastError      string `json:"lastError,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := health{
		Status:    "ok",
		Component: s.name,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	}
	if s.summary != nil {
		sum := s.summary()
		resp.Fetched = sum.Fetched
		resp.Published = sum.Published
		resp.Delivered = sum.Delivered
		resp.DryRun = sum.DryRun
		resp.Duplicates = sum.Duplicates
		resp.DecodeFailures = sum.DecodeFailures
		resp.Dropped = sum.Dropped
		resp.Errors = sum.Errors
		if sum.LastError != nil {
			resp.LastError = sum.LastError.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("write health response", "err", err)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status server shutdown", "err", err)
		}
	}()

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
