// Package server hosts the engine's HTTP status endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server runs the status API. It owns the underlying http.Server; callers
// interact only through Run and Shutdown.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// New configures a status server on addr.
func New(addr string, handler http.Handler, requestTimeout time.Duration, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  requestTimeout,
			WriteTimeout: requestTimeout * 2,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

// Run listens until Shutdown is called. A normal shutdown returns nil; any
// other listen failure is returned for the caller to treat as fatal.
func (s *Server) Run() error {
	s.logger.Info("Status API listening",
		zap.String("address", s.srv.Addr),
		zap.Duration("read_timeout", s.srv.ReadTimeout),
	)
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status API listen on %s: %w", s.srv.Addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires, then forces the
// listener closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping status API", zap.String("address", s.srv.Addr))
	if err := s.srv.Shutdown(ctx); err != nil {
		_ = s.srv.Close()
		return fmt.Errorf("status API shutdown: %w", err)
	}
	return nil
}
