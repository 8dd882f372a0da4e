// Package api is the HTTP boundary of aria. Reads and commands reach the
// test store through the runner; notifications are streamed as
// server-sent events.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/aria/pkg/config"
	"github.com/ethpandaops/aria/pkg/events"
	"github.com/ethpandaops/aria/pkg/runner"
)

const (
	shutdownTimeout   = 10 * time.Second
	heartbeatInterval = 15 * time.Second
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr returns the bound listen address once started.
	Addr() string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	runner     runner.Runner
	bus        *events.Bus
	httpServer *http.Server
	addr       string
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	r runner.Runner,
	bus *events.Bus,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		runner: r,
		bus:    bus,
		done:   make(chan struct{}),
	}
}

// Start binds the listener and serves the API in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.addr = ln.Addr().String()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.addr).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. Open event streams are
// closed first so the shutdown does not wait on them.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

func (s *server) Addr() string {
	return s.addr
}
