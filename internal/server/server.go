package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pricesentry/pricesentry/internal/logger"
)

// Server wraps http.Server with sane timeouts and graceful shutdown.
type Server struct {
	http *http.Server
}

func New(addr string, handler http.Handler) *Server {
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// ReadTimeout stays generous on purpose: the slow-connection
			// heuristic needs to observe slow clients before they are
			// cut off at the socket level.
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  2 * time.Minute,
		},
	}
}

// Start blocks serving requests until Shutdown is called. A normal
// shutdown is not reported as an error.
func (s *Server) Start() error {
	logger.WithComponent("server").WithField("addr", s.http.Addr).Info("Listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.WithComponent("server").Info("Shutting down")
	return s.http.Shutdown(ctx)
}
