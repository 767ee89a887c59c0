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

const messageColumns = `id, conversation_id, user_id, username, content, image_url, timestamp`

// MessageRepository handles database operations for messages
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a message and fills in the stored ID and timestamp
func (r *MessageRepository) Create(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (conversation_id, user_id, username, content, image_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, timestamp
	`
	err := r.db.QueryRow(ctx, query,
		msg.ConversationID, msg.UserID, msg.Username, msg.Content, msg.ImageURL,
	).Scan(&msg.ID, &msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	msg.Provisional = false
	msg.Failed = false
	return nil
}

// GetByID retrieves a message by ID
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	msg, err := scanMessage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("message not found: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// ListByConversation returns the messages of a conversation oldest first
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY timestamp ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return msgs, nil
}

func scanMessage(row pgx.Row) (models.Message, error) {
	var msg models.Message
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.UserID, &msg.Username,
		&msg.Content, &msg.ImageURL, &msg.Timestamp,
	)
	if err != nil {
		return models.Message{}, err
	}
	if msg.Content == nil && msg.ImageURL == nil {
		return models.Message{}, fmt.Errorf("message %s has neither content nor image", msg.ID)
	}
	return msg, nil
}
