// SPDX-License-Identifier: MIT

// Package ops serves the operator HTTP surface: health and readiness
// probes, Prometheus metrics, and read-only room and receipt endpoints.
// It never exposes the media or control planes; everything here is
// observation plus config reload.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/proofcast/proofcast/internal/config"
	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/health"
	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/receipt"
	"github.com/proofcast/proofcast/internal/receipt/store"
)

// Controller is the coordinator surface the observer endpoints read.
type Controller interface {
	ListRooms() []model.RoomInfo
	RoomInfo(roomID string) (model.RoomInfo, error)
	TrackMetadata(roomID string) (map[string]string, error)
}

// Reloader triggers a configuration reload. Optional; when nil the
// reload endpoint answers 404.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Server is the operator HTTP server.
type Server struct {
	cfg      config.OpsConfig
	ctrl     Controller
	receipts store.ReceiptLog
	verifier receipt.Verifier
	health   *health.Manager
	reloader Reloader
	logger   zerolog.Logger
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithReloader enables POST /internal/config/reload.
func WithReloader(r Reloader) Option {
	return func(s *Server) { s.reloader = r }
}

// New builds the operator server. verifier may be nil to skip signature
// checks on the verify endpoint (chain structure is still checked).
func New(cfg config.OpsConfig, ctrl Controller, receipts store.ReceiptLog, verifier receipt.Verifier, healthMgr *health.Manager, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		receipts: receipts,
		verifier: verifier,
		health:   healthMgr,
		logger:   log.WithComponent("ops"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.cfg.RateLimit > 0 {
		window := s.cfg.RateWindow.Std()
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.Limit(
			s.cfg.RateLimit,
			window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded","detail":"Too many requests. Please try again later."}`))
			}),
		))
	}

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/rooms", s.handleListRooms)
		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Get("/", s.handleRoomInfo)
			r.Get("/tracks", s.handleRoomTracks)
			r.Get("/receipts", s.handleReceipts)
			r.Get("/receipts/verify", s.handleVerifyChain)
		})
	})

	r.Post("/internal/config/reload", s.handleConfigReload)

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully within
// the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("operator server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("operator server shutdown forced")
		return err
	}
	s.logger.Info().Msg("operator server stopped")
	return <-errCh
}
