package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anycard/anycard-go/internal/appctx"
	"github.com/anycard/anycard-go/internal/cards"
	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/links"
	"github.com/anycard/anycard-go/internal/logutil"
	"github.com/anycard/anycard-go/internal/sharing"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 1 << 20

// Limits caps per-owner resource usage.
type Limits struct {
	MaxUploadBytes int64
	MaxCards       int
	MaxGroups      int
}

// Deps are the collaborators of Handler.
type Deps struct {
	Cards   *cards.Service
	Sharing *sharing.Service
	Links   *links.Service
	Admin   *identity.AdminAuth
	// Reset wipes all stored state. Nil disables the admin reset endpoint.
	Reset func(context.Context) error
	// TelegramSecret is the expected X-Telegram-Key. Empty disables the
	// telegram endpoints.
	TelegramSecret string
	// RequireLink rejects principals without an active telegram link.
	RequireLink bool
	// FilesPrefix is the URL prefix card files are served under.
	FilesPrefix string
	Limits      Limits
}

// Handler serves the JSON API and authenticated file downloads.
type Handler struct {
	cards          *cards.Service
	sharing        *sharing.Service
	links          *links.Service
	admin          *identity.AdminAuth
	reset          func(context.Context) error
	telegramSecret string
	requireLink    bool
	filesPrefix    string
	limits         Limits
	log            *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, log *slog.Logger) *Handler {
	return &Handler{
		cards:          deps.Cards,
		sharing:        deps.Sharing,
		links:          deps.Links,
		admin:          deps.Admin,
		reset:          deps.Reset,
		telegramSecret: deps.TelegramSecret,
		requireLink:    deps.RequireLink,
		filesPrefix:    strings.TrimRight(cmp.Or(deps.FilesPrefix, cards.DefaultFilesPrefix), "/"),
		limits:         deps.Limits,
		log:            logutil.NoopIfNil(log),
	}
}

// logger prefers the request-scoped logger.
func (h *Handler) logger(r *http.Request) *slog.Logger {
	if l, ok := appctx.LoggerFromContext(r.Context()); ok {
		return l
	}
	return h.log
}

// RequirePrincipal rejects requests without a resolved principal and records
// the caller's user info so owner emails can be resolved for recipients.
func (h *Handler) RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := appctx.PrincipalFromContext(r.Context())
		if !ok {
			WriteUnauthorized(w, ReasonUnauthenticated, "authentication required")
			return
		}
		if err := h.cards.RecordUser(r.Context(), p); err != nil {
			h.logger(r).Error("failed to record user", "owner", p.OwnerID, "error", err)
			WriteInternalError(w, "failed to load user")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireActiveLink rejects principals without an active telegram link when
// the gate is enabled. It must run after RequirePrincipal.
func (h *Handler) RequireActiveLink(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.requireLink {
			next.ServeHTTP(w, r)
			return
		}
		p, _ := appctx.PrincipalFromContext(r.Context())
		active, err := h.links.IsActive(r.Context(), p.Email)
		if err != nil {
			h.logger(r).Error("failed to check telegram link", "owner", p.OwnerID, "error", err)
			WriteInternalError(w, "failed to check telegram link")
			return
		}
		if !active {
			WriteForbidden(w, ReasonLinkRequired, "an active telegram link is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// principal returns the caller. Routes are mounted behind RequirePrincipal.
func principal(r *http.Request) *identity.Principal {
	p, _ := appctx.PrincipalFromContext(r.Context())
	return p
}

// decodeJSON reads a bounded JSON body into v. It writes the error response
// and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			WriteError(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			WriteBadRequest(w, ReasonMissingField, "request body is required")
		default:
			WriteBadRequest(w, ReasonBadRequest, "invalid JSON body")
		}
		return false
	}
	return true
}
