package api

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/anycard/anycard-go/internal/sharing"
	"github.com/anycard/anycard-go/internal/store"
)

// GroupView is an owner's group with its card count and the invitees who
// hid it.
type GroupView struct {
	store.Group
	Count    int      `json:"count"`
	Rejected []string `json:"rejected"`
}

// CreateGroupRequest is the body of POST /api/groups.
type CreateGroupRequest struct {
	Name string `json:"name"`
}

// UpdateGroupRequest is the body of PATCH /api/groups/{id}.
type UpdateGroupRequest struct {
	Name   *string   `json:"name"`
	Emails *[]string `json:"emails"`
}

// HandleListGroups handles GET /api/groups.
func (h *Handler) HandleListGroups(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	ctx := r.Context()
	log := h.logger(r)

	groups, err := h.cards.LoadGroups(ctx, p.OwnerID)
	if err != nil {
		WriteServiceError(w, log, err, "failed to load groups")
		return
	}
	rejections, err := h.cards.LoadRejections(ctx, p.OwnerID)
	if err != nil {
		WriteServiceError(w, log, err, "failed to load rejections")
		return
	}
	all, err := h.cards.ListCards(ctx, p.OwnerID)
	if err != nil {
		WriteServiceError(w, log, err, "failed to list cards")
		return
	}

	views := make([]GroupView, 0, len(groups))
	for _, g := range groups {
		v := GroupView{Group: g, Rejected: rejections[g.ID]}
		if v.Rejected == nil {
			v.Rejected = []string{}
		}
		for _, c := range all {
			if slices.Contains(c.Groups, g.ID) {
				v.Count++
			}
		}
		views = append(views, v)
	}
	WriteJSON(w, http.StatusOK, views)
}

// HandleCreateGroup handles POST /api/groups.
func (h *Handler) HandleCreateGroup(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req CreateGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	groups, err := h.cards.LoadGroups(r.Context(), p.OwnerID)
	if err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to load groups")
		return
	}
	if h.limits.MaxGroups > 0 && len(groups) >= h.limits.MaxGroups {
		WriteForbidden(w, ReasonLimitExceeded, fmt.Sprintf("group limit of %d reached", h.limits.MaxGroups))
		return
	}

	g, err := h.cards.CreateGroup(r.Context(), p.OwnerID, req.Name)
	if err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to create group")
		return
	}
	WriteJSON(w, http.StatusCreated, g)
}

// HandleUpdateGroup handles PATCH /api/groups/{id}: rename and/or replace
// the invite list.
func (h *Handler) HandleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	groupID := chi.URLParam(r, "id")
	log := h.logger(r)

	var req UpdateGroupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil && req.Emails == nil {
		WriteBadRequest(w, ReasonMissingField, "name or emails is required")
		return
	}

	var resp *sharing.GroupInvites
	if req.Name != nil {
		g, err := h.cards.RenameGroup(r.Context(), p.OwnerID, groupID, *req.Name)
		if err != nil {
			WriteServiceError(w, log, err, "failed to rename group")
			return
		}
		resp = &sharing.GroupInvites{Group: *g, PreviouslyRejected: []string{}}
	}
	if req.Emails != nil {
		invites, err := h.sharing.SetGroupEmails(r.Context(), p.OwnerID, groupID, *req.Emails)
		if err != nil {
			WriteServiceError(w, log, err, "failed to update invites")
			return
		}
		resp = invites
		log.Info("group invites updated", "owner", p.OwnerID, "group", groupID, "invites", len(invites.Group.Emails))
	}
	WriteJSON(w, http.StatusOK, resp)
}

// HandleDeleteGroup handles DELETE /api/groups/{id}.
func (h *Handler) HandleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	groupID := chi.URLParam(r, "id")
	if err := h.sharing.DeleteGroup(r.Context(), p.OwnerID, groupID); err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to delete group")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGroupUsage handles GET /api/groups/usage: per group, the emails
// that display it among their own groups.
func (h *Handler) HandleGroupUsage(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	usage, err := h.sharing.Usage(r.Context(), p.OwnerID)
	if err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to resolve usage")
		return
	}
	WriteJSON(w, http.StatusOK, usage)
}
