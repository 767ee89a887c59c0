package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"proximichat/internal/chat"
	"proximichat/internal/models"
	"proximichat/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	maxDisplayName = 32
	defaultJWTTTL  = 30 * 24 * time.Hour
)

// ErrInvalidDisplayName is returned for empty or overlong names
var ErrInvalidDisplayName = fmt.Errorf("%w: display name must be 1 to %d characters", chat.ErrValidation, maxDisplayName)

// UserRepository persists user accounts
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	UpdateDisplayName(ctx context.Context, userID, name string) error
	UpdatePushToken(ctx context.Context, userID string, pushToken *string) error
}

// UserService handles user-related business logic
type UserService struct {
	userRepo  UserRepository
	jwtSecret string
	jwtTTL    time.Duration
}

// NewUserService creates a new user service
func NewUserService(userRepo UserRepository, jwtSecret string, jwtTTL time.Duration) *UserService {
	if jwtTTL <= 0 {
		jwtTTL = defaultJWTTTL
	}
	return &UserService{
		userRepo:  userRepo,
		jwtSecret: jwtSecret,
		jwtTTL:    jwtTTL,
	}
}

// NormalizeDisplayName trims name and checks its length
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxDisplayName {
		return "", ErrInvalidDisplayName
	}
	return name, nil
}

// GenerateJWT generates a JWT token for a user
func (s *UserService) GenerateJWT(userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(s.jwtTTL).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateJWT validates a JWT token and returns the user ID
func (s *UserService) ValidateJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user_id not found in token")
	}

	return userID, nil
}

// CreateUser signs up a new user under displayName
func (s *UserService) CreateUser(ctx context.Context, displayName string) (*models.User, error) {
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}

	userID := uuid.New().String()

	token, err := s.GenerateJWT(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	user := &models.User{
		ID:          userID,
		DisplayName: name,
		Token:       token,
		CreatedAt:   time.Now(),
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetUser loads a user by id
func (s *UserService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return s.userRepo.GetByID(ctx, userID)
}

// UpdateDisplayName renames a user
func (s *UserService) UpdateDisplayName(ctx context.Context, userID, displayName string) (string, error) {
	name, err := NormalizeDisplayName(displayName)
	if err != nil {
		return "", err
	}
	if err := s.userRepo.UpdateDisplayName(ctx, userID, name); err != nil {
		return "", fmt.Errorf("failed to update display name: %w", err)
	}
	return name, nil
}

// UpdatePushToken stores the APNs device token. An empty token clears it.
func (s *UserService) UpdatePushToken(ctx context.Context, userID, pushToken string) error {
	var tok *string
	if t := strings.TrimSpace(pushToken); t != "" {
		tok = &t
	}
	if err := s.userRepo.UpdatePushToken(ctx, userID, tok); err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}
	return nil
}

// Identity returns the chat identity of userID. A deleted account reads
// as signed out.
func (s *UserService) Identity(userID string) chat.Identity {
	return &userIdentity{users: s.userRepo, userID: userID}
}

type userIdentity struct {
	users  UserRepository
	userID string
}

func (i *userIdentity) CurrentUser(ctx context.Context) (*models.User, error) {
	user, err := i.users.GetByID(ctx, i.userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	user.Token = ""
	return user, nil
}
