package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Limiters are optional per-route rate limiting middlewares.
type Limiters struct {
	Upload   func(http.Handler) http.Handler
	Telegram func(http.Handler) http.Handler
}

func passthrough(next http.Handler) http.Handler { return next }

func orPassthrough(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return passthrough
	}
	return mw
}

// Mount registers every route on r. Principal resolution must already have
// run; authenticated routes read the principal from the request context.
func (h *Handler) Mount(r chi.Router, limiters Limiters) {
	uploadLimit := orPassthrough(limiters.Upload)
	telegramLimit := orPassthrough(limiters.Telegram)

	r.Get("/api/healthz", HealthHandler)
	r.Post("/api/admin/reset", h.HandleAdminReset)

	r.Route("/telegram", func(r chi.Router) {
		r.Use(telegramLimit, h.RequireTelegramKey)
		r.Post("/", h.HandleTelegramLink)
		r.Post("/status", h.HandleTelegramStatus)
		r.Get("/{id}", h.HandleTelegramLookup)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.RequirePrincipal)

		// Reachable without a link so the caller can see their link state.
		r.Get("/api/me", h.HandleMe)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireActiveLink)

			r.Route("/api/cards", func(r chi.Router) {
				r.Get("/", h.HandleListCards)
				r.With(uploadLimit).Post("/", h.HandleUploadCard)
				r.Delete("/{filename}", h.HandleDeleteCard)
				r.Patch("/{filename}", h.HandleUpdateCard)
			})

			r.Route("/api/groups", func(r chi.Router) {
				r.Get("/", h.HandleListGroups)
				r.Post("/", h.HandleCreateGroup)
				r.Get("/usage", h.HandleGroupUsage)
				r.Patch("/{id}", h.HandleUpdateGroup)
				r.Delete("/{id}", h.HandleDeleteGroup)
			})

			r.Route("/api/shared", func(r chi.Router) {
				r.Get("/", h.HandleListShared)
				r.Get("/{owner}/{group}/cards", h.HandleSharedCards)
				r.Post("/{owner}/{group}/hide", h.HandleHideShared)
				r.Post("/{owner}/{group}/show", h.HandleShowShared)
			})

			r.Get(h.filesPrefix+"/{owner}/previews/{file}", h.HandlePreview)
			r.Get(h.filesPrefix+"/{owner}/{file}", h.HandleFile)
		})
	})
}
