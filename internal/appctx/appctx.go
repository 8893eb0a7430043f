// Package appctx carries request-scoped values: the logger and the
// authenticated principal.
package appctx

import (
	"context"
	"log/slog"

	"github.com/anycard/anycard-go/internal/identity"
)

type loggerKey struct{}

type principalKey struct{}

// WithLogger attaches a logger to the context.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// LoggerFromContext returns the logger from the context (if present).
func LoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	l, ok := ctx.Value(loggerKey{}).(*slog.Logger)
	return l, ok && l != nil
}

// GetLogger returns the logger from the context, or slog.Default() if missing.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := LoggerFromContext(ctx); ok {
		return l
	}
	return slog.Default()
}

// WithPrincipal attaches the authenticated caller to the context.
func WithPrincipal(ctx context.Context, p *identity.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller, if one was resolved.
func PrincipalFromContext(ctx context.Context) (*identity.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*identity.Principal)
	return p, ok && p != nil
}
