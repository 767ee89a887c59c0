package handlers

import (
	"net/http"

	"proximichat/internal/middleware"
	"proximichat/internal/services"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// RouterConfig holds what the HTTP API serves
type RouterConfig struct {
	Users    *services.UserService
	Hub      *services.SessionHub
	Uploader ImageUploader
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// NewRouter builds the HTTP API
func NewRouter(cfg RouterConfig) http.Handler {
	userHandler := NewUserHandler(cfg.Users, cfg.Hub)
	chatHandler := NewChatHandler(cfg.Hub, cfg.Users)
	mediaHandler := NewMediaHandler(cfg.Uploader)
	wsHandler := NewWebSocketHandler(cfg.Hub, cfg.Users)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Post("/users", userHandler.CreateUser)
		r.Get("/ws", wsHandler.HandleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(cfg.Users))

			r.Put("/me/display-name", userHandler.UpdateDisplayName)
			r.Put("/me/push-token", userHandler.UpdatePushToken)
			r.Post("/me/location", userHandler.UpdateLocation)
			r.Post("/session/sign-out", userHandler.SignOut)

			r.Get("/nearby", chatHandler.Nearby)

			r.Get("/requests", chatHandler.ListRequests)
			r.Post("/requests", chatHandler.CreateRequest)
			r.Post("/requests/{request_id}/accept", chatHandler.AcceptRequest)
			r.Post("/requests/{request_id}/decline", chatHandler.DeclineRequest)

			r.Get("/conversations", chatHandler.ListConversations)
			r.Post("/conversations/{conversation_id}/active", chatHandler.SetActive)
			r.Post("/conversations/{conversation_id}/messages", chatHandler.SendMessage)
			r.Post("/conversations/{conversation_id}/end", chatHandler.EndConversation)
			r.Delete("/conversations/{conversation_id}", chatHandler.DeleteConversation)

			r.Post("/media", mediaHandler.Upload)
		})
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	return r
}

// corsMiddleware handles CORS
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
