// Package server runs the public and admin HTTP servers.
//
// The public server answers liveness and readiness probes. The admin server
// binds to loopback only, speaks JSON only, and exposes the crime repository
// and its metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maloquacious/crimestore/internal/logger"
	"github.com/maloquacious/crimestore/internal/repository"
)

// Config configures a Server.
type Config struct {
	Port            int
	AdminPort       int
	ShutdownTimeout time.Duration

	// Version is reported by /admin/status.
	Version string

	Logger logger.Logger
}

// Server serves a repository over HTTP. It starts before the repository is
// open and reports not ready until SetRepository is called.
type Server struct {
	cfg     Config
	log     logger.Logger
	started time.Time

	repo atomic.Pointer[repository.Repository]

	shutdownOnce sync.Once
	shutdown     chan struct{}

	// streams is cancelled when the admin server starts shutting down so
	// that watch streams end instead of holding their connections open.
	streams     context.Context
	stopStreams context.CancelFunc
}

// New creates a Server.
func New(cfg Config) *Server {
	streams, stopStreams := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		log:         logger.OrDefault(cfg.Logger),
		started:     time.Now().UTC(),
		shutdown:    make(chan struct{}),
		streams:     streams,
		stopStreams: stopStreams,
	}
}

// SetRepository makes r available to handlers and marks the server ready.
func (s *Server) SetRepository(r *repository.Repository) {
	s.repo.Store(r)
}

// Shutdown asks Run to stop. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

// Run starts both servers and blocks until ctx is done, Shutdown is called
// or a server fails, then shuts both down gracefully.
func (s *Server) Run(ctx context.Context) error {
	publicListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("public listener bind failed: %w", err)
	}
	// Bind admin to 127.0.0.1 only (loopback enforcement)
	adminListener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.AdminPort))
	if err != nil {
		publicListener.Close()
		return fmt.Errorf("admin listener bind failed (loopback only): %w", err)
	}

	publicSrv := &http.Server{
		Handler:           s.PublicHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv := &http.Server{
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminSrv.RegisterOnShutdown(s.stopStreams)

	errCh := make(chan error, 2)

	go func() {
		s.log.Info("public server listening on %s", publicListener.Addr())
		if err := publicSrv.Serve(publicListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public server error: %w", err)
		}
	}()

	go func() {
		s.log.Info("admin server listening on %s (JSON-only)", adminListener.Addr())
		if err := adminSrv.Serve(adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case <-s.shutdown:
		s.log.Info("shutdown requested")
	case runErr = <-errCh:
		s.log.Error("server error: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err = errors.Join(publicSrv.Shutdown(shutdownCtx), adminSrv.Shutdown(shutdownCtx))
	if err != nil {
		s.log.Warn("graceful shutdown incomplete: %v", err)
	}
	s.log.Info("http servers stopped")
	return runErr
}
