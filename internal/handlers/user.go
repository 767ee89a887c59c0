package handlers

import (
	"net/http"

	"proximichat/internal/middleware"
	"proximichat/internal/models"
	"proximichat/internal/services"

	"github.com/rs/zerolog/log"
)

// UserHandler handles user-related HTTP requests
type UserHandler struct {
	userService *services.UserService
	hub         *services.SessionHub
}

// NewUserHandler creates a new user handler
func NewUserHandler(userService *services.UserService, hub *services.SessionHub) *UserHandler {
	return &UserHandler{
		userService: userService,
		hub:         hub,
	}
}

// DisplayNameRequest is the body of sign-up and rename calls
type DisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

// PushTokenRequest is the body of PUT /me/push-token
type PushTokenRequest struct {
	PushToken string `json:"push_token"`
}

// CreateUser handles POST /api/v1/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req DisplayNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.userService.CreateUser(r.Context(), req.DisplayName)
	if err != nil {
		respondDomainError(w, r, "create_user", err)
		return
	}

	log.Info().
		Str("user_id", user.ID).
		Str("display_name", user.DisplayName).
		Msg("User created")

	respondJSON(w, http.StatusCreated, user)
}

// UpdateDisplayName handles PUT /api/v1/me/display-name
func (h *UserHandler) UpdateDisplayName(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req DisplayNameRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	name, err := h.userService.UpdateDisplayName(ctx, userID, req.DisplayName)
	if err != nil {
		respondDomainError(w, r, "update_display_name", err)
		return
	}

	respondJSON(w, http.StatusOK, DisplayNameRequest{DisplayName: name})
}

// UpdatePushToken handles PUT /api/v1/me/push-token
func (h *UserHandler) UpdatePushToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req PushTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.userService.UpdatePushToken(ctx, userID, req.PushToken); err != nil {
		respondDomainError(w, r, "update_push_token", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateLocation handles POST /api/v1/me/location
func (h *UserHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var loc models.Location
	if !decodeJSON(w, r, &loc) {
		return
	}

	if err := h.hub.UpdateLocation(ctx, userID, loc); err != nil {
		respondDomainError(w, r, "update_location", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SignOut handles POST /api/v1/session/sign-out
func (h *UserHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.hub.SignOut(ctx, middleware.GetUserID(ctx))
	w.WriteHeader(http.StatusNoContent)
}
