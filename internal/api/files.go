package api

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/anycard/anycard-go/internal/imaging"
	"github.com/anycard/anycard-go/internal/store"
)

// HandleFile handles GET /files/{owner}/{file}.
func (h *Handler) HandleFile(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, false)
}

// HandlePreview handles GET /files/{owner}/previews/{file}.
func (h *Handler) HandlePreview(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, true)
}

// serveFile answers 404 for missing files and for files the caller may not view.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, preview bool) {
	p := principal(r)
	owner, filename := chi.URLParam(r, "owner"), chi.URLParam(r, "file")
	if store.ValidName(owner) != nil || store.ValidName(filename) != nil {
		WriteNotFound(w, "file not found")
		return
	}

	ok, err := h.sharing.CanView(r.Context(), p, owner, filename)
	if err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to check access")
		return
	}
	if !ok {
		WriteNotFound(w, "file not found")
		return
	}
	data, err := h.cards.LoadFile(r.Context(), owner, filename, preview)
	if err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to load file")
		return
	}
	if data == nil {
		WriteNotFound(w, "file not found")
		return
	}

	w.Header().Set("Content-Type", imaging.Detect(data))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, filename, time.Time{}, bytes.NewReader(data))
}
