// Package httpserver runs an http.Server in the background with graceful shutdown.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultAddr              = ":8000"
	defaultShutdownTimeout   = 3 * time.Second
)

// Server wraps http.Server.
type Server struct {
	server          *http.Server
	errCh           chan error
	shutdownTimeout time.Duration
}

// Options configures New.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// New starts serving handler in a goroutine.
// There is no write timeout: progress streams stay open for the lifetime of a job.
func New(handler http.Handler, opt Options) *Server {
	if opt.Addr == "" {
		opt.Addr = defaultAddr
	}

	if opt.ShutdownTimeout <= 0 {
		opt.ShutdownTimeout = defaultShutdownTimeout
	}

	srv := &Server{
		server: &http.Server{
			Handler:           handler,
			Addr:              opt.Addr,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
			IdleTimeout:       defaultIdleTimeout,
		},
		errCh:           make(chan error, 1),
		shutdownTimeout: opt.ShutdownTimeout,
	}

	go srv.start()

	return srv
}

func (s *Server) start() {
	err := s.server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.errCh <- err
	}

	close(s.errCh)
}

// Notify reports a listener failure. The channel is closed once the server stops.
func (s *Server) Notify() <-chan error {
	return s.errCh
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	return s.server.Shutdown(ctx)
}
