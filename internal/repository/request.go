package repository

import (
	"context"
	"errors"
	"fmt"

	"proximichat/internal/models"
	"proximichat/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation     = "23505"
	pendingPairIndex    = "chat_requests_pending_pair"
	requestSelectColumn = `
		SELECT r.id, r.sender_id, COALESCE(s.display_name, ''), r.recipient_id, COALESCE(p.display_name, ''),
		       r.status, r.latitude, r.longitude, r.accuracy_meters, r.conversation_id, r.created_at
		FROM chat_requests r
		LEFT JOIN users s ON s.id = r.sender_id
		LEFT JOIN users p ON p.id = r.recipient_id
	`
)

// RequestRepository handles database operations for chat requests
type RequestRepository struct {
	db *pgxpool.Pool
}

// NewRequestRepository creates a new chat request repository
func NewRequestRepository(db *pgxpool.Pool) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a pending request. A second pending request for the same
// pair in either direction is rejected by the pending pair index.
func (r *RequestRepository) Create(ctx context.Context, req *models.ChatRequest) error {
	if req.Status == "" {
		req.Status = models.RequestPending
	}
	var lat, lng, acc *float64
	if req.Location != nil {
		lat, lng, acc = &req.Location.Latitude, &req.Location.Longitude, &req.Location.AccuracyMeters
	}

	query := `
		INSERT INTO chat_requests (sender_id, recipient_id, status, latitude, longitude, accuracy_meters)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := r.db.QueryRow(ctx, query, req.SenderID, req.RecipientID, req.Status, lat, lng, acc).
		Scan(&req.ID, &req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == pendingPairIndex {
			return store.ErrDuplicatePending
		}
		return fmt.Errorf("failed to create chat request: %w", err)
	}
	return nil
}

// FindPending returns the pending request between a and b, or nil
func (r *RequestRepository) FindPending(ctx context.Context, a, b string) (*models.ChatRequest, error) {
	query := requestSelectColumn + `
		WHERE r.status = 'pending'
		  AND ((r.sender_id = $1 AND r.recipient_id = $2) OR (r.sender_id = $2 AND r.recipient_id = $1))
		LIMIT 1
	`
	req, err := scanRequest(r.db.QueryRow(ctx, query, a, b))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find pending chat request: %w", err)
	}
	return req, nil
}

// GetByID retrieves a chat request by ID
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*models.ChatRequest, error) {
	req, err := scanRequest(r.db.QueryRow(ctx, requestSelectColumn+` WHERE r.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("chat request not found: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get chat request: %w", err)
	}
	return req, nil
}

// UpdateStatus moves a pending request to status
func (r *RequestRepository) UpdateStatus(ctx context.Context, id string, status models.RequestStatus, conversationID *string) error {
	query := `
		UPDATE chat_requests
		SET status = $2, conversation_id = $3
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, id, status, conversationID)
	if err != nil {
		return fmt.Errorf("failed to update chat request status: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chat_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check chat request: %w", err)
	}
	if !exists {
		return fmt.Errorf("chat request not found: %w", store.ErrNotFound)
	}
	return store.ErrNotPending
}

// ListByUser returns every request the user sent or received, newest first
func (r *RequestRepository) ListByUser(ctx context.Context, userID string) ([]*models.ChatRequest, error) {
	query := requestSelectColumn + `
		WHERE r.sender_id = $1 OR r.recipient_id = $1
		ORDER BY r.created_at DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat requests: %w", err)
	}
	defer rows.Close()

	var reqs []*models.ChatRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat requests: %w", err)
	}
	return reqs, nil
}

func scanRequest(row pgx.Row) (*models.ChatRequest, error) {
	var (
		req           models.ChatRequest
		lat, lng, acc *float64
	)
	err := row.Scan(
		&req.ID, &req.SenderID, &req.SenderName, &req.RecipientID, &req.RecipientName,
		&req.Status, &lat, &lng, &acc, &req.ConversationID, &req.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if !req.Status.Valid() {
		return nil, fmt.Errorf("unknown chat request status %q", req.Status)
	}
	if lat != nil && lng != nil {
		req.Location = &models.Location{Latitude: *lat, Longitude: *lng}
		if acc != nil {
			req.Location.AccuracyMeters = *acc
		}
	}
	return &req, nil
}
