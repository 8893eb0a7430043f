package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/links"
	"github.com/anycard/anycard-go/internal/store"
)

// TelegramKeyHeader carries the shared secret of the chat bot.
const TelegramKeyHeader = "X-Telegram-Key"

// ChatID is a chat identity id. The bot sends it as a JSON number; strings
// are accepted too.
type ChatID string

// UnmarshalJSON accepts a JSON number or string.
func (c *ChatID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChatID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("telegramId must be a number or string")
	}
	*c = ChatID(n.String())
	return nil
}

// TelegramLinkRequest is the body of POST /telegram.
type TelegramLinkRequest struct {
	Email      string `json:"email"`
	TelegramID ChatID `json:"telegramId"`
	Username   string `json:"username"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
}

// TelegramStatusRequest is the body of POST /telegram/status.
type TelegramStatusRequest struct {
	TelegramID ChatID `json:"telegramId"`
	Active     *bool  `json:"active"`
}

// RequireTelegramKey admits requests carrying the configured shared secret.
// With no secret configured the telegram endpoints do not exist.
func (h *Handler) RequireTelegramKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.telegramSecret == "" {
			WriteNotFound(w, "telegram integration is disabled")
			return
		}
		key := r.Header.Get(TelegramKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.telegramSecret)) != 1 {
			WriteUnauthorized(w, ReasonUnauthorized, "invalid telegram key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleTelegramLink handles POST /telegram.
func (h *Handler) HandleTelegramLink(w http.ResponseWriter, r *http.Request) {
	var req TelegramLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.TelegramID == "" {
		WriteBadRequest(w, ReasonMissingField, "email and telegramId are required")
		return
	}

	ok, err := h.links.Link(r.Context(), req.Email, string(req.TelegramID), links.Profile{
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		if errors.Is(err, identity.ErrInvalidEmail) || errors.Is(err, store.ErrInvalidName) {
			WriteBadRequest(w, ReasonInvalidField, "invalid email or telegramId")
			return
		}
		WriteServiceError(w, h.logger(r), err, "failed to link telegram account")
		return
	}
	if !ok {
		WriteConflict(w, "telegram account is already linked")
		return
	}
	h.logger(r).Info("telegram account linked", "telegram_id", string(req.TelegramID))

	link, err := h.links.FindByExternalID(r.Context(), string(req.TelegramID))
	if err != nil || link == nil {
		WriteServiceError(w, h.logger(r), err, "failed to load telegram link")
		return
	}
	WriteJSON(w, http.StatusCreated, link)
}

// HandleTelegramLookup handles GET /telegram/{id}.
func (h *Handler) HandleTelegramLookup(w http.ResponseWriter, r *http.Request) {
	link, err := h.links.FindByExternalID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to load telegram link")
		return
	}
	if link == nil {
		WriteNotFound(w, "telegram account is not linked")
		return
	}
	WriteJSON(w, http.StatusOK, link)
}

// HandleTelegramStatus handles POST /telegram/status, sent when the linked
// account joins or leaves the chat.
func (h *Handler) HandleTelegramStatus(w http.ResponseWriter, r *http.Request) {
	var req TelegramStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TelegramID == "" || req.Active == nil {
		WriteBadRequest(w, ReasonMissingField, "telegramId and active are required")
		return
	}
	ok, err := h.links.SetActive(r.Context(), string(req.TelegramID), *req.Active)
	if err != nil {
		WriteServiceError(w, h.logger(r), err, "failed to update telegram link")
		return
	}
	if !ok {
		WriteNotFound(w, "telegram account is not linked")
		return
	}
	h.logger(r).Info("telegram link status changed", "telegram_id", string(req.TelegramID), "active", *req.Active)
	WriteJSON(w, http.StatusOK, map[string]bool{"active": *req.Active})
}
