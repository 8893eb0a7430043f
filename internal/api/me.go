package api

import (
	"net/http"
)

// MeResponse describes the caller.
type MeResponse struct {
	OwnerID  string            `json:"ownerId"`
	Email    string            `json:"email"`
	Name     string            `json:"name,omitempty"`
	Picture  string            `json:"picture,omitempty"`
	Telegram *TelegramLinkView `json:"telegram"`
	// LinkRequired reports whether API access needs an active telegram link.
	LinkRequired bool `json:"linkRequired"`
}

// TelegramLinkView is the caller's own link.
type TelegramLinkView struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Active   bool   `json:"active"`
}

// HandleMe handles GET /api/me.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	resp := MeResponse{
		OwnerID:      p.OwnerID,
		Email:        p.Email,
		Name:         p.Name,
		Picture:      p.Picture,
		LinkRequired: h.requireLink,
	}
	link, err := h.links.FindByEmail(r.Context(), p.Email)
	if err != nil {
		h.logger(r).Error("failed to load telegram link", "owner", p.OwnerID, "error", err)
		WriteInternalError(w, "failed to load telegram link")
		return
	}
	if link != nil {
		resp.Telegram = &TelegramLinkView{ID: link.ExternalID, Username: link.Username, Active: link.Active}
	}
	WriteJSON(w, http.StatusOK, resp)
}
