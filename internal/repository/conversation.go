package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proximichat/internal/models"
	"proximichat/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConversationRepository handles database operations for conversations and
// their participants
type ConversationRepository struct {
	db *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(db *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create creates a new conversation and fills in its ID
func (r *ConversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now()
	}
	query := `
		INSERT INTO conversations (latitude, longitude, accuracy_meters, started_at, is_active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, started_at
	`
	err := r.db.QueryRow(ctx, query,
		conv.Location.Latitude, conv.Location.Longitude, conv.Location.AccuracyMeters, conv.StartedAt,
	).Scan(&conv.ID, &conv.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	conv.IsActive = true
	conv.EndedAt = nil
	return nil
}

// End marks a conversation inactive. An earlier ended_at is kept.
func (r *ConversationRepository) End(ctx context.Context, id string, endedAt time.Time) error {
	query := `
		UPDATE conversations
		SET is_active = FALSE, ended_at = COALESCE(ended_at, $2)
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, endedAt)
	if err != nil {
		return fmt.Errorf("failed to end conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("conversation not found: %w", store.ErrNotFound)
	}
	return nil
}

// Delete deletes a conversation, its participants and its messages
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("conversation not found: %w", store.ErrNotFound)
	}
	return nil
}

// AddParticipant adds a user to a conversation. Adding twice is a no-op.
func (r *ConversationRepository) AddParticipant(ctx context.Context, conversationID, userID string) error {
	query := `
		INSERT INTO conversation_participants (conversation_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, conversationID, userID); err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

// GetByID retrieves a conversation by ID without participants or messages
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
		SELECT id, latitude, longitude, accuracy_meters, started_at, ended_at, is_active
		FROM conversations
		WHERE id = $1
	`
	conv, err := scanConversation(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("conversation not found: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// ListByUser returns every conversation the user takes part in, newest first
func (r *ConversationRepository) ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	query := `
		SELECT c.id, c.latitude, c.longitude, c.accuracy_meters, c.started_at, c.ended_at, c.is_active
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1
		ORDER BY c.started_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}
	return convs, nil
}

// Participants returns the user ids of a conversation in join order
func (r *ConversationRepository) Participants(ctx context.Context, conversationID string) ([]string, error) {
	query := `
		SELECT user_id
		FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at, user_id
	`
	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan participants: %w", err)
	}
	return ids, nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conv models.Conversation
	err := row.Scan(
		&conv.ID, &conv.Location.Latitude, &conv.Location.Longitude, &conv.Location.AccuracyMeters,
		&conv.StartedAt, &conv.EndedAt, &conv.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}
