// Package server owns the HTTP listener and the middleware chain.
package server

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Service is a thin wrapper around the HTTP server with graceful shutdown.
type Service struct {
	srv *http.Server
}

// New wraps the handler with gzip and CORS and binds it to addr.
func New(addr string, origins []string, handler http.Handler) *Service {
	wrapped := withCORS(origins, withGzip(handler))
	return &Service{
		srv: &http.Server{
			Addr:              addr,
			Handler:           wrapped,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[HTTP] listening on %s", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
