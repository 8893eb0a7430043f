// Package api implements the JSON HTTP handlers and the error envelope.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/anycard/anycard-go/internal/cards"
	"github.com/anycard/anycard-go/internal/identity"
	"github.com/anycard/anycard-go/internal/imaging"
	"github.com/anycard/anycard-go/internal/sharing"
	"github.com/anycard/anycard-go/internal/store"
)

// Reason codes are stable across versions; clients switch on them.
const (
	// Authentication and authorization
	ReasonUnauthenticated = "unauthenticated"
	ReasonUnauthorized    = "unauthorized"
	ReasonLinkRequired    = "link_required"
	ReasonNotShared       = "not_shared"

	// Rate limiting
	ReasonRateLimited = "rate_limited"

	// Request validation
	ReasonBadRequest       = "bad_request"
	ReasonMissingField     = "missing_field"
	ReasonInvalidField     = "invalid_field"
	ReasonNotFound         = "not_found"
	ReasonConflict         = "conflict"
	ReasonDefaultGroup     = "default_group"
	ReasonLimitExceeded    = "limit_exceeded"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonUnsupportedMedia = "unsupported_media_type"

	// Server errors
	ReasonInternalError  = "internal_error"
	ReasonNotImplemented = "not_implemented"
)

// ErrorEnvelope is the error response body.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error information.
type ErrorDetail struct {
	Code       string `json:"code"`        // HTTP status text
	ReasonCode string `json:"reason_code"` // stable reason code
	Message    string `json:"message"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a standardized JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, reasonCode, message string) {
	WriteJSON(w, statusCode, ErrorEnvelope{
		Error: ErrorDetail{
			Code:       http.StatusText(statusCode),
			ReasonCode: reasonCode,
			Message:    message,
		},
	})
}

// WriteUnauthorized writes a 401 Unauthorized error.
func WriteUnauthorized(w http.ResponseWriter, reasonCode, message string) {
	WriteError(w, http.StatusUnauthorized, reasonCode, message)
}

// WriteForbidden writes a 403 Forbidden error.
func WriteForbidden(w http.ResponseWriter, reasonCode, message string) {
	WriteError(w, http.StatusForbidden, reasonCode, message)
}

// WriteNotFound writes a 404 Not Found error.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ReasonNotFound, message)
}

// WriteBadRequest writes a 400 Bad Request error.
func WriteBadRequest(w http.ResponseWriter, reasonCode, message string) {
	WriteError(w, http.StatusBadRequest, reasonCode, message)
}

// WriteConflict writes a 409 Conflict error.
func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, ReasonConflict, message)
}

// WriteTooManyRequests writes a 429 Too Many Requests error.
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, ReasonRateLimited, message)
}

// WriteInternalError writes a 500 Internal Server Error.
// Never put error details from storage in message.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ReasonInternalError, message)
}

// WriteNotImplemented writes a 501 Not Implemented error.
func WriteNotImplemented(w http.ResponseWriter, feature string) {
	WriteError(w, http.StatusNotImplemented, ReasonNotImplemented, feature+" not implemented yet")
}

// WriteServiceError maps service sentinel errors to responses. Anything else
// is logged and reported as a 500 carrying fallback.
func WriteServiceError(w http.ResponseWriter, log *slog.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, cards.ErrCardNotFound):
		WriteNotFound(w, "card not found")
	case errors.Is(err, cards.ErrGroupNotFound):
		WriteNotFound(w, "group not found")
	case errors.Is(err, cards.ErrDefaultGroup):
		WriteBadRequest(w, ReasonDefaultGroup, "the default group cannot be deleted")
	case errors.Is(err, cards.ErrInvalidGroupName):
		WriteBadRequest(w, ReasonInvalidField, "group name must not be empty")
	case errors.Is(err, sharing.ErrNotShared):
		WriteForbidden(w, ReasonNotShared, "group is not shared with you")
	case errors.Is(err, store.ErrInvalidName):
		WriteBadRequest(w, ReasonInvalidField, "invalid name")
	case errors.Is(err, identity.ErrInvalidEmail):
		WriteBadRequest(w, ReasonInvalidField, "invalid email")
	case errors.Is(err, imaging.ErrUnsupported):
		WriteError(w, http.StatusUnsupportedMediaType, ReasonUnsupportedMedia, "file is not a supported image")
	default:
		log.Error(fallback, "error", err)
		WriteInternalError(w, fallback)
	}
}
