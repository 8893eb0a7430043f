package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HideRequest is the body of POST /api/shared/{owner}/{group}/hide.
type HideRequest struct {
	Hidden *bool `json:"hidden"`
}

// ShowRequest is the body of POST /api/shared/{owner}/{group}/show.
type ShowRequest struct {
	Show *bool `json:"show"`
}

// HandleListShared handles GET /api/shared.
func (h *Handler) HandleListShared(w http.ResponseWriter, r *http.Request) {
	groups, err := h.sharing.SharedGroups(r.Context(), principal(r))
	if err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to list shared groups")
		return
	}
	WriteJSON(w, http.StatusOK, groups)
}

// HandleSharedCards handles GET /api/shared/{owner}/{group}/cards.
func (h *Handler) HandleSharedCards(w http.ResponseWriter, r *http.Request) {
	list, err := h.sharing.SharedCards(r.Context(), principal(r), chi.URLParam(r, "owner"), chi.URLParam(r, "group"))
	if err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to list shared cards")
		return
	}
	WriteJSON(w, http.StatusOK, list)
}

// HandleHideShared handles POST /api/shared/{owner}/{group}/hide.
func (h *Handler) HandleHideShared(w http.ResponseWriter, r *http.Request) {
	var req HideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Hidden == nil {
		WriteBadRequest(w, ReasonMissingField, "hidden is required")
		return
	}
	p := principal(r)
	owner, group := chi.URLParam(r, "owner"), chi.URLParam(r, "group")
	if err := h.sharing.Hide(r.Context(), p, owner, group, *req.Hidden); err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to update shared group")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"hidden": *req.Hidden})
}

// HandleShowShared handles POST /api/shared/{owner}/{group}/show.
func (h *Handler) HandleShowShared(w http.ResponseWriter, r *http.Request) {
	var req ShowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Show == nil {
		WriteBadRequest(w, ReasonMissingField, "show is required")
		return
	}
	p := principal(r)
	owner, group := chi.URLParam(r, "owner"), chi.URLParam(r, "group")
	if err := h.sharing.ShowInMy(r.Context(), p, owner, group, *req.Show); err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to update shared group")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"show": *req.Show})
}
