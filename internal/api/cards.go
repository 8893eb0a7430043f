package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/anycard/anycard-go/internal/cards"
	"github.com/anycard/anycard-go/internal/imaging"
	"github.com/anycard/anycard-go/internal/store"
)

const (
	// multipartOverhead is allowed on top of MaxUploadBytes for form fields
	// and part headers.
	multipartOverhead = 64 << 10
	// multipartMemory is held in memory before parts spill to temp files.
	multipartMemory = 8 << 20
)

// UpdateCardRequest is the body of PATCH /api/cards/{filename}.
type UpdateCardRequest struct {
	Comment     *string `json:"comment"`
	ToggleGroup *string `json:"toggleGroup"`
}

// HandleListCards handles GET /api/cards.
func (h *Handler) HandleListCards(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	list, err := h.cards.ListCards(r.Context(), p.OwnerID)
	if err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to list cards")
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

// HandleUploadCard handles POST /api/cards (multipart: file, comment, groups).
func (h *Handler) HandleUploadCard(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	ctx := r.Context()
	log := h.logger(r)

	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge, "upload too large")
			return
		}
		WriteBadRequest(w, ReasonBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteBadRequest(w, ReasonMissingField, "file is required")
		return
	}
	defer file.Close()
	if header.Size > h.limits.MaxUploadBytes {
		WriteError(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge,
			fmt.Sprintf("file exceeds %d bytes", h.limits.MaxUploadBytes))
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.limits.MaxUploadBytes+1))
	if err != nil {
		WriteBadRequest(w, ReasonBadRequest, "failed to read upload")
		return
	}
	if int64(len(data)) > h.limits.MaxUploadBytes {
		WriteError(w, http.StatusRequestEntityTooLarge, ReasonPayloadTooLarge,
			fmt.Sprintf("file exceeds %d bytes", h.limits.MaxUploadBytes))
		return
	}
	if !imaging.IsImage(data) {
		WriteError(w, http.StatusUnsupportedMediaType, ReasonUnsupportedMedia,
			"file is not a supported image: "+imaging.Detect(data))
		return
	}

	existing, err := h.cards.ListCards(ctx, p.OwnerID)
	if err != nil {
		WriteServiceError(w, log, err, "failed to list cards")
		return
	}
	if h.limits.MaxCards > 0 && len(existing) >= h.limits.MaxCards {
		WriteForbidden(w, ReasonLimitExceeded, fmt.Sprintf("card limit of %d reached", h.limits.MaxCards))
		return
	}

	groups := formGroups(r.MultipartForm.Value["groups"])
	if len(groups) > 0 {
		known, err := h.cards.LoadGroups(ctx, p.OwnerID)
		if err != nil {
			WriteServiceError(w, log, err, "failed to load groups")
			return
		}
		for _, g := range groups {
			if !slices.ContainsFunc(known, func(k store.Group) bool { return k.ID == g }) {
				WriteBadRequest(w, ReasonInvalidField, "unknown group: "+g)
				return
			}
		}
	}

	up := cards.Upload{Name: header.Filename, Data: data}
	added, err := h.cards.AddCard(ctx, p.OwnerID, up, r.FormValue("comment"), groups, p.Email)
	if err != nil {
		WriteServiceError(w, log, err, "failed to store card")
		return
	}
	log.Info("card uploaded", "owner", p.OwnerID, "filename", added.Filename, "size", len(data))
	WriteJSON(w, http.StatusCreated, added)
}

// formGroups flattens repeated and comma-separated group ids, dropping
// blanks and duplicates.
func formGroups(values []string) []string {
	var out []string
	for _, v := range values {
		for _, g := range strings.Split(v, ",") {
			g = strings.TrimSpace(g)
			if g != "" && !slices.Contains(out, g) {
				out = append(out, g)
			}
		}
	}
	return out
}

// HandleDeleteCard handles DELETE /api/cards/{filename}.
func (h *Handler) HandleDeleteCard(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	filename := chi.URLParam(r, "filename")
	if err := h.cards.DeleteCard(r.Context(), p.OwnerID, filename); err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to delete card")
		return
	}
	h.logger(r).Info("card deleted", "owner", p.OwnerID, "filename", filename)
	w.WriteHeader(http.StatusNoContent)
}

// HandleUpdateCard handles PATCH /api/cards/{filename}. The comment is
// applied before the group toggle.
func (h *Handler) HandleUpdateCard(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	filename := chi.URLParam(r, "filename")

	var req UpdateCardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Comment == nil && req.ToggleGroup == nil {
		WriteBadRequest(w, ReasonMissingField, "comment or toggleGroup is required")
		return
	}

	var meta *store.Meta
	var err error
	if req.Comment != nil {
		if meta, err = h.cards.SetComment(r.Context(), p.OwnerID, filename, *req.Comment); err != nil {
			WriteServiceError(w, h.logger(r), err, "failed to update card")
			return
		}
	}
	if req.ToggleGroup != nil {
		if meta, err = h.cards.ToggleCardGroup(r.Context(), p.OwnerID, filename, *req.ToggleGroup); err != nil {
			WriteServiceError(w, h.logger(r), err, "failed to update card")
			return
		}
	}
	WriteJSON(w, http.StatusOK, meta)
}
