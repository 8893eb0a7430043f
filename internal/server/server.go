// Package server provides HTTP server wiring and lifecycle management.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/anycard/anycard-go/internal/api"
	"github.com/anycard/anycard-go/internal/cache"
	"github.com/anycard/anycard-go/internal/config"
	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/logutil"
)

// ErrMissingHandler is returned by New without an API handler.
var ErrMissingHandler = errors.New("server: api handler is required")

// Deps are the collaborators the server routes to.
type Deps struct {
	Handler *api.Handler
	// Resolver reads the principal from the proxy's identity headers.
	Resolver *identity.HeaderResolver
	// Counter backs rate limiting. Nil disables it.
	Counter cache.Counter
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg            *config.Config
	deps           Deps
	trustedProxies *TrustedProxies
	httpServer     *http.Server
	logger         *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if deps.Handler == nil {
		return nil, ErrMissingHandler
	}
	if deps.Resolver == nil {
		deps.Resolver = &identity.HeaderResolver{
			EmailHeader:   cfg.Auth.EmailHeader,
			NameHeader:    cfg.Auth.NameHeader,
			PictureHeader: cfg.Auth.PictureHeader,
			Owners:        identity.NewOwnerIDs(cfg.Auth.OwnerSalt),
		}
	}

	s := &Server{
		cfg:            cfg,
		deps:           deps,
		trustedProxies: NewTrustedProxies(cfg.Server.TrustedProxies),
		logger:         logutil.NoopIfNil(logger),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"addr", s.cfg.ListenAddr,
		"public_origin", s.cfg.PublicOrigin,
		"mode", s.cfg.Mode,
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}
