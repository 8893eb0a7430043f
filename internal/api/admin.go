package api

import (
	"net/http"
	"strings"
)

// HandleAdminReset handles POST /api/admin/reset. It destroys all stored
// state and requires the admin bearer token.
func (h *Handler) HandleAdminReset(w http.ResponseWriter, r *http.Request) {
	if h.reset == nil || !h.admin.Enabled() {
		WriteNotFound(w, "admin endpoint is disabled")
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		WriteUnauthorized(w, ReasonUnauthenticated, "bearer token required")
		return
	}
	if err := h.admin.Verify(token); err != nil {
		WriteUnauthorized(w, ReasonUnauthorized, "invalid admin token")
		return
	}

	if err := h.reset(r.Context()); err != nil {
		h.logger(r).Error("reset failed", "error", err)
		WriteInternalError(w, "reset failed")
		return
	}
	h.logger(r).Warn("all stored state was reset via admin endpoint")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(auth, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
