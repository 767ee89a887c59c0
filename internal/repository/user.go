package repository

import (
	"context"
	"errors"
	"fmt"

	"proximichat/internal/models"
	"proximichat/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRepository handles database operations for users
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, display_name, token, push_token, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(ctx, query, user.ID, user.DisplayName, user.Token, user.PushToken, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `
		SELECT id, display_name, token, push_token, created_at
		FROM users
		WHERE id = $1
	`
	var user models.User
	err := r.db.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.DisplayName, &user.Token, &user.PushToken, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user not found: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// DisplayName returns the display name of a user
func (r *UserRepository) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := r.db.QueryRow(ctx, `SELECT display_name FROM users WHERE id = $1`, userID).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("user not found: %w", store.ErrNotFound)
		}
		return "", fmt.Errorf("failed to get display name: %w", err)
	}
	return name, nil
}

// UpdateDisplayName renames a user
func (r *UserRepository) UpdateDisplayName(ctx context.Context, userID, name string) error {
	result, err := r.db.Exec(ctx, `UPDATE users SET display_name = $1 WHERE id = $2`, name, userID)
	if err != nil {
		return fmt.Errorf("failed to update display name: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("user not found: %w", store.ErrNotFound)
	}
	return nil
}

// UpdatePushToken updates the push token for a user
func (r *UserRepository) UpdatePushToken(ctx context.Context, userID string, pushToken *string) error {
	query := `UPDATE users SET push_token = $1 WHERE id = $2`
	_, err := r.db.Exec(ctx, query, pushToken, userID)
	if err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}
	return nil
}

// PushToken returns the APNs token of a user, or nil when none is registered
func (r *UserRepository) PushToken(ctx context.Context, userID string) (*string, error) {
	var token *string
	err := r.db.QueryRow(ctx, `SELECT push_token FROM users WHERE id = $1`, userID).Scan(&token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user not found: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get push token: %w", err)
	}
	return token, nil
}
