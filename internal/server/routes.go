package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/anycard/anycard-go/internal/api"
	"github.com/anycard/anycard-go/internal/ratelimit"
)

// setupRoutes builds the middleware chain and mounts the API.
//
// Order: RequestID, request logger, access log, Recoverer, CORS, principal
// resolution, real IP. The principal must be resolved while RemoteAddr is
// still the direct peer.
func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLoggerMiddleware(s.logger, s.trustedProxies))
	r.Use(AccessLogMiddleware(s.logger, s.trustedProxies))
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORS.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(PrincipalMiddleware(s.deps.Resolver, s.trustedProxies, s.cfg.IsDev()))
	r.Use(RealIPMiddleware(s.trustedProxies))

	s.deps.Handler.Mount(r, s.limiters())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusMethodNotAllowed, api.ReasonBadRequest, "method not allowed")
	})
	return r
}

func (s *Server) limiters() api.Limiters {
	rl := s.cfg.RateLimit
	if !rl.Enabled || s.deps.Counter == nil {
		return api.Limiters{}
	}
	s.logger.Debug("rate limiting enabled",
		"uploads_per_minute", rl.UploadsPerMinute,
		"telegram_per_minute", rl.TelegramPerMinute,
	)
	return api.Limiters{
		Upload:   ratelimit.New(s.deps.Counter, ratelimit.PerMinute(rl.UploadsPerMinute, "upload")).Middleware,
		Telegram: ratelimit.New(s.deps.Counter, ratelimit.PerMinute(rl.TelegramPerMinute, "telegram")).Middleware,
	}
}
