// Package api serves the HTTP interface used by runners to claim and
// report work, and by the platform to upload submissions and read results.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/gradeoor/pkg/attachments"
	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/controller"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/ethpandaops/gradeoor/pkg/submission"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log       logrus.FieldLogger
	cfg       *config.ServerConfig
	store     store.Store
	ctrl      controller.Controller
	guard     submission.Guard
	blobs     attachments.Store
	maxUpload int64

	// tokens caches sha256 digests of tokens that passed bcrypt.
	tokens *xsync.MapOf[string, struct{}]

	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	st store.Store,
	ctrl controller.Controller,
	guard submission.Guard,
	blobs attachments.Store,
) (Server, error) {
	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		return nil, err
	}

	return &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		store:     st,
		ctrl:      ctrl,
		guard:     guard,
		blobs:     blobs,
		maxUpload: maxUpload,
		tokens:    xsync.NewMapOf[string, struct{}](),
		done:      make(chan struct{}),
	}, nil
}

// Start binds the listener and serves requests in the background.
func (s *server) Start(_ context.Context) error {
	if s.cfg.RunnerTokenHash == "" {
		s.log.Warn("No runner token configured, runner endpoints are unauthenticated")
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
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
