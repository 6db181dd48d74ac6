// Package api serves the genomewiz HTTP API.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/genomewiz/pkg/auth"
	"github.com/ethpandaops/genomewiz/pkg/config"
	"github.com/ethpandaops/genomewiz/pkg/credential"
	"github.com/ethpandaops/genomewiz/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Option configures a server.
type Option func(*server)

// WithStore uses st instead of opening the configured database.
// The server still starts and stops it.
func WithStore(st store.Store) Option {
	return func(s *server) {
		s.store = st
	}
}

// WithProvider replaces the configured OAuth provider.
func WithProvider(p auth.Provider) Option {
	return func(s *server) {
		s.provider = p
	}
}

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	provider   auth.Provider
	codec      *credential.Codec
	sessions   *auth.Sessions
	resolver   *auth.Resolver
	exchange   *auth.Exchange
	registry   *prometheus.Registry
	metrics    *metrics
	httpServer *http.Server
	group      errgroup.Group
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	opts ...Option,
) Server {
	return newServer(log, cfg, opts...)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	opts ...Option,
) *server {
	s := &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.metrics = newMetrics(s.registry)
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return s
}

// init opens the store and wires the auth components.
func (s *server) init(ctx context.Context) error {
	if s.store == nil {
		s.store = store.NewStore(s.log, &s.cfg.Database)
	}

	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	authCfg := &s.cfg.Auth

	s.codec = credential.NewCodec(authCfg.JWTSecret.Bytes())
	s.sessions = auth.NewSessions(
		s.log,
		s.store,
		authCfg.SessionSecret.Bytes(),
		authCfg.SessionCookie,
		authCfg.SessionTTLDuration(),
	)
	s.resolver = auth.NewResolver(s.log, s.store, s.codec, s.sessions, auth.ResolverConfig{
		ReconcileCredentialRoles: authCfg.ReconcileCredentialRoles,
	})

	if s.provider == nil && authCfg.Google.Enabled {
		s.provider = auth.NewGoogleProvider(s.log, &authCfg.Google)
	}

	if s.provider != nil {
		s.exchange = auth.NewExchange(
			s.log, s.store, s.provider, s.codec, s.sessions,
			auth.ExchangeConfig{
				AllowedDomain:   authCfg.AllowedDomain,
				ProviderTimeout: authCfg.Google.ProviderTimeoutDuration(),
			},
		)

		s.log.Info("OAuth login enabled")
	}

	return nil
}

// Start initializes the store and auth components and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		return err
	}

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start session cleanup goroutine.
	s.group.Go(func() error {
		ticker := time.NewTicker(auth.SessionCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.sessions.Sweep(ctx); err != nil {
					s.log.WithError(err).
						Warn("Failed to clean expired sessions")
				}
			case <-s.done:
				return nil
			}
		}
	})

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.group.Go(func() error {
		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			return fmt.Errorf("serving http: %w", err)
		}

		return nil
	})

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	if err := s.group.Wait(); err != nil {
		s.log.WithError(err).Error("HTTP server error")
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
