// Package api exposes the run ledger and result store over HTTP: the
// entire contract toward the presentation layer.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socialpulse/pulsed/pkg/archive"
	"github.com/socialpulse/pulsed/pkg/config"
	"github.com/socialpulse/pulsed/pkg/ledger"
	"github.com/socialpulse/pulsed/pkg/reconcile"
	"github.com/socialpulse/pulsed/pkg/results"
	"github.com/socialpulse/pulsed/pkg/trigger"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log logrus.FieldLogger
	cfg *config.Config

	store    ledger.Store
	results  results.Client
	poller   reconcile.Poller
	listener reconcile.Listener
	trigger  *trigger.Trigger
	archiver archive.Archiver

	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(log logrus.FieldLogger, cfg *config.Config) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start wires the ledger, result store, reconciliation services, and
// HTTP server. The reconcilers start only after the listener socket is
// bound so the server is reachable while the first sweep runs.
func (s *server) Start(ctx context.Context) error {
	store, err := ledger.NewStore(s.log, &s.cfg.Ledger)
	if err != nil {
		return fmt.Errorf("creating ledger: %w", err)
	}

	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting ledger: %w", err)
	}

	s.store = store

	s.results = results.NewClient(s.log, &s.cfg.Results)
	if err := s.results.Start(ctx); err != nil {
		return fmt.Errorf("starting result store client: %w", err)
	}

	interval := s.cfg.Workflow.PollIntervalDuration()
	timeout := s.cfg.Workflow.RunTimeoutDuration()

	s.poller = reconcile.NewPoller(
		s.log, s.store, s.results,
		interval, timeout, s.cfg.Workflow.Concurrency,
	)

	s.listener = reconcile.NewListener(
		s.log, s.store, s.results, s.results, timeout, s.poller,
	)

	s.trigger = trigger.New(
		s.log, s.store, s.cfg.Workflow.WebhookURL, s.poller,
	)

	if s.cfg.Archive != nil && s.cfg.Archive.Enabled {
		s.archiver = archive.NewArchiver(
			s.log, s.cfg.Archive, s.store, s.results,
		)
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	if err := s.poller.Start(ctx); err != nil {
		return fmt.Errorf("starting poller: %w", err)
	}

	if err := s.listener.Start(ctx); err != nil {
		return fmt.Errorf("starting change listener: %w", err)
	}

	if s.archiver != nil {
		if err := s.archiver.Start(ctx); err != nil {
			return fmt.Errorf("starting archiver: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the HTTP server and the reconciliation
// services, then closes the stores.
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

	if s.listener != nil {
		if err := s.listener.Stop(); err != nil {
			s.log.WithError(err).Warn("Change listener stop error")
		}
	}

	if s.poller != nil {
		if err := s.poller.Stop(); err != nil {
			s.log.WithError(err).Warn("Poller stop error")
		}
	}

	if s.archiver != nil {
		if err := s.archiver.Stop(); err != nil {
			s.log.WithError(err).Warn("Archiver stop error")
		}
	}

	if s.results != nil {
		if err := s.results.Stop(); err != nil {
			s.log.WithError(err).Warn("Result store client stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping ledger: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
