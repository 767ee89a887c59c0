package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type contextKey string

const userIDKey contextKey = "user_id"

var (
	ErrMissingToken    = errors.New("authorization required")
	ErrMalformedHeader = errors.New("invalid authorization header format")
	ErrInvalidToken    = errors.New("invalid token")
)

// TokenSource selects where Authenticate looks for a token
type TokenSource uint8

const (
	// FromHeader reads "Authorization: Bearer <token>"
	FromHeader TokenSource = 1 << iota
	// FromQuery reads ?token=, used by WebSocket handshakes
	FromQuery
)

// TokenValidator resolves a bearer token to a user id
type TokenValidator interface {
	ValidateJWT(token string) (string, error)
}

// Authenticate returns the user id behind the token r carries in one of
// sources. A present but malformed header is rejected even when the query
// would also be accepted.
func Authenticate(r *http.Request, validator TokenValidator, sources TokenSource) (string, error) {
	var token string
	if sources&FromHeader != 0 {
		t, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil && !errors.Is(err, ErrMissingToken) {
			return "", err
		}
		token = t
	}
	if token == "" && sources&FromQuery != 0 {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return "", ErrMissingToken
	}

	userID, err := validator.ValidateJWT(token)
	if err != nil {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected token")
		return "", ErrInvalidToken
	}
	return userID, nil
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrMalformedHeader
	}
	return token, nil
}

// AuthMiddleware rejects requests without a valid bearer token and stores
// the caller's id in the request context
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := Authenticate(r, validator, FromHeader)
			if err != nil {
				Unauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID stores the authenticated user id in ctx
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	userID, ok := ctx.Value(userIDKey).(string)
	if !ok {
		return ""
	}
	return userID
}

// Unauthorized writes a 401 carrying err's message
func Unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
