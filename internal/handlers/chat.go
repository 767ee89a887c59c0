package handlers

import (
	"net/http"
	"strconv"

	"proximichat/internal/chat"
	"proximichat/internal/middleware"
	"proximichat/internal/models"
	"proximichat/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ChatHandler exposes the chat engine of the calling user
type ChatHandler struct {
	hub         *services.SessionHub
	userService *services.UserService
}

// NewChatHandler creates a new chat handler
func NewChatHandler(hub *services.SessionHub, userService *services.UserService) *ChatHandler {
	return &ChatHandler{
		hub:         hub,
		userService: userService,
	}
}

// CreateRequestBody is the body of POST /requests
type CreateRequestBody struct {
	RecipientID   string           `json:"recipient_id"`
	RecipientName string           `json:"recipient_name"`
	Location      *models.Location `json:"location,omitempty"`
}

// SendMessageBody is the body of POST /conversations/{id}/messages
type SendMessageBody struct {
	Content  string  `json:"content"`
	ImageURL *string `json:"image_url,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

type acceptResponse struct {
	ConversationID string `json:"conversation_id"`
}

// engine resolves the caller's engine or writes the error
func (h *ChatHandler) engine(w http.ResponseWriter, r *http.Request) (*chat.Engine, bool) {
	e, err := h.hub.Engine(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		respondDomainError(w, r, "start_session", err)
		return nil, false
	}
	return e, true
}

// Nearby handles GET /api/v1/nearby
func (h *ChatHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var radius float64
	if raw := r.URL.Query().Get("radius"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondError(w, "radius must be a number", http.StatusBadRequest)
			return
		}
		radius = v
	}

	users, err := h.hub.Nearby(ctx, userID, radius)
	if err != nil {
		respondDomainError(w, r, "nearby", err)
		return
	}
	respondJSON(w, http.StatusOK, users)
}

// ListRequests handles GET /api/v1/requests
func (h *ChatHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.ReloadRequests(r.Context()); err != nil {
		respondDomainError(w, r, "list_requests", err)
		return
	}
	respondJSON(w, http.StatusOK, e.Snapshot().Requests)
}

// CreateRequest handles POST /api/v1/requests
func (h *ChatHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, ok := h.engine(w, r)
	if !ok {
		return
	}

	var body CreateRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	id, created, err := e.SubmitRequest(ctx, body.RecipientID, body.RecipientName, body.Location)
	if err != nil {
		respondDomainError(w, r, "create_request", err)
		return
	}
	if !created {
		// The recipient was already alerted for this request.
		respondJSON(w, http.StatusCreated, idResponse{ID: id})
		return
	}

	if sender, err := h.userService.GetUser(ctx, middleware.GetUserID(ctx)); err == nil {
		h.hub.NotifyRequest(ctx, body.RecipientID, sender.DisplayName)
	} else {
		log.Warn().Err(err).Msg("Failed to load sender for push notification")
	}

	respondJSON(w, http.StatusCreated, idResponse{ID: id})
}

// AcceptRequest handles POST /api/v1/requests/{request_id}/accept
func (h *ChatHandler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	convID, err := e.AcceptRequest(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		respondDomainError(w, r, "accept_request", err)
		return
	}
	respondJSON(w, http.StatusOK, acceptResponse{ConversationID: convID})
}

// DeclineRequest handles POST /api/v1/requests/{request_id}/decline
func (h *ChatHandler) DeclineRequest(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.DeclineRequest(r.Context(), chi.URLParam(r, "request_id")); err != nil {
		respondDomainError(w, r, "decline_request", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListConversations handles GET /api/v1/conversations
func (h *ChatHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.ReloadAll(r.Context()); err != nil {
		respondDomainError(w, r, "list_conversations", err)
		return
	}
	respondJSON(w, http.StatusOK, e.Snapshot())
}

// SetActive handles POST /api/v1/conversations/{conversation_id}/active
func (h *ChatHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.SetActive(chi.URLParam(r, "conversation_id")); err != nil {
		respondDomainError(w, r, "set_active", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendMessage handles POST /api/v1/conversations/{conversation_id}/messages
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}

	var body SendMessageBody
	if !decodeJSON(w, r, &body) {
		return
	}

	msg, err := e.Send(r.Context(), chi.URLParam(r, "conversation_id"), body.Content, body.ImageURL)
	if err != nil {
		respondDomainError(w, r, "send_message", err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

// EndConversation handles POST /api/v1/conversations/{conversation_id}/end
func (h *ChatHandler) EndConversation(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.EndConversation(r.Context(), chi.URLParam(r, "conversation_id")); err != nil {
		respondDomainError(w, r, "end_conversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteConversation handles DELETE /api/v1/conversations/{conversation_id}
func (h *ChatHandler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	if err := e.DeleteConversation(r.Context(), chi.URLParam(r, "conversation_id")); err != nil {
		respondDomainError(w, r, "delete_conversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
