package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"proximichat/internal/chat"
	"proximichat/internal/location"
	"proximichat/internal/media"
	"proximichat/internal/proximity"
	"proximichat/internal/store"

	"github.com/rs/zerolog/log"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// decodeJSON reads the request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var stageErr *chat.StageError
	switch {
	case errors.Is(err, chat.ErrAuthRequired):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrRequestClosed):
		return http.StatusConflict
	case errors.Is(err, chat.ErrValidation),
		errors.Is(err, location.ErrInvalidLocation),
		errors.Is(err, proximity.ErrInvalidLocation),
		errors.Is(err, media.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.As(err, &stageErr), errors.Is(err, chat.ErrStoreFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondDomainError logs err and writes the mapped status
func respondDomainError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := statusFor(err)
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Str("operation", operation).Int("status", status).Msg("Request failed")

	resp := ErrorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		resp.Error = "Internal server error"
	}
	var stageErr *chat.StageError
	if errors.As(err, &stageErr) {
		resp.Stage = string(stageErr.Stage)
	}
	respondJSON(w, status, resp)
}
