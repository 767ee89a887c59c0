package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"proximichat/internal/location"
	"proximichat/internal/middleware"
	"proximichat/internal/services"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const maxFrameBytes = 64 << 10

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	hub         *services.SessionHub
	userService *services.UserService
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(hub *services.SessionHub, userService *services.UserService) *WebSocketHandler {
	return &WebSocketHandler{
		hub:         hub,
		userService: userService,
	}
}

// HandleWebSocket handles GET /api/v1/ws?token=
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.Authenticate(r, h.userService, middleware.FromHeader|middleware.FromQuery)
	if err != nil {
		middleware.Unauthorized(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx := r.Context()
	release, err := h.hub.Register(ctx, userID, conn)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to register WebSocket connection")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer release()

	log.Info().Str("user_id", userID).Msg("WebSocket connection established")

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("user_id", userID).Msg("WebSocket error")
			}
			return
		}

		var msg services.WSMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to parse WebSocket message")
			h.sendError(userID, "Invalid message format")
			continue
		}

		h.handleMessage(ctx, userID, msg)
	}
}

// handleMessage processes incoming WebSocket messages
func (h *WebSocketHandler) handleMessage(ctx context.Context, userID string, msg services.WSMessage) {
	switch msg.Type {
	case services.FrameLocation:
		if msg.Location == nil {
			h.sendError(userID, "location is required")
			return
		}
		if err := h.hub.UpdateLocation(ctx, userID, *msg.Location); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to update location")
			h.sendError(userID, err.Error())
		}
	case services.FrameLocationError:
		h.hub.LocationError(userID, location.ErrorCode(msg.Code))
	default:
		h.sendError(userID, "Unknown message type")
	}
}

// sendError sends an error frame to every connection of a user
func (h *WebSocketHandler) sendError(userID, message string) {
	if err := h.hub.SendToUser(userID, services.WSMessage{Type: services.FrameError, Message: message}); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("Failed to send error frame")
	}
}
