package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/anycard/anycard-go/internal/api"
	"github.com/anycard/anycard-go/internal/appctx"
	"github.com/anycard/anycard-go/internal/identity"
)

// RequestLoggerMiddleware attaches a request-scoped logger to the request
// context. It must run after chi's RequestID.
func RequestLoggerMiddleware(base *slog.Logger, tp *TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqLogger := base.With(
				"request_id", chimw.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path, // path only, no query string
				"client_ip", clientIP(tp, r),
			)
			next.ServeHTTP(w, r.WithContext(appctx.WithLogger(r.Context(), reqLogger)))
		})
	}
}

// AccessLogMiddleware logs one line per request with the response status,
// size and duration. Base fields come from the context logger; log and tp
// are only used when RequestLoggerMiddleware did not run.
func AccessLogMiddleware(log *slog.Logger, tp *TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger, ok := appctx.LoggerFromContext(r.Context())
				if !ok {
					logger = log.With(
						"request_id", chimw.GetReqID(r.Context()),
						"method", r.Method,
						"path", r.URL.Path,
						"client_ip", clientIP(tp, r),
					)
				}
				// Do not re-add base fields here: the context logger has them.
				logger.Info("request",
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func clientIP(tp *TrustedProxies, r *http.Request) string {
	if tp == nil {
		return "unknown"
	}
	return tp.ClientIP(r)
}

// PrincipalMiddleware resolves the caller from the identity headers set by
// the authenticating proxy. Headers from untrusted peers are ignored unless
// trustAll is set (dev mode). Requests without identity pass through
// anonymously; routes that need a principal reject them.
func PrincipalMiddleware(resolver *identity.HeaderResolver, tp *TrustedProxies, trustAll bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !trustAll && !tp.IsTrustedPeer(r) {
				next.ServeHTTP(w, r)
				return
			}
			p, err := resolver.Resolve(r)
			switch {
			case errors.Is(err, identity.ErrNoIdentity):
				next.ServeHTTP(w, r)
				return
			case err != nil:
				appctx.GetLogger(r.Context()).Warn("rejected identity header", "error", err)
				api.WriteUnauthorized(w, api.ReasonUnauthenticated, "invalid identity")
				return
			}

			ctx := appctx.WithPrincipal(r.Context(), p)
			// Handlers logging through the context carry the owner id.
			if l, ok := appctx.LoggerFromContext(ctx); ok {
				ctx = appctx.WithLogger(ctx, l.With("owner", p.OwnerID))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RealIPMiddleware rewrites RemoteAddr to the forwarded client address when
// the peer is a trusted proxy. It must run after PrincipalMiddleware, which
// needs the direct peer.
func RealIPMiddleware(tp *TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tp.IsTrustedPeer(r) {
				_, port, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					port = "0"
				}
				r.RemoteAddr = net.JoinHostPort(tp.ClientIP(r), port)
			}
			next.ServeHTTP(w, r)
		})
	}
}
