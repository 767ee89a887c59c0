package repository

import (
	"context"
	"fmt"

	"proximichat/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LocationRepository stores the last known position of each user
type LocationRepository struct {
	db *pgxpool.Pool
}

// NewLocationRepository creates a new location repository
func NewLocationRepository(db *pgxpool.Pool) *LocationRepository {
	return &LocationRepository{db: db}
}

// Upsert records the current position of a user
func (r *LocationRepository) Upsert(ctx context.Context, userID string, loc models.Location) error {
	query := `
		INSERT INTO user_locations (user_id, latitude, longitude, accuracy_meters, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (user_id) DO UPDATE
		SET latitude = EXCLUDED.latitude,
		    longitude = EXCLUDED.longitude,
		    accuracy_meters = EXCLUDED.accuracy_meters,
		    updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.Exec(ctx, query, userID, loc.Latitude, loc.Longitude, loc.AccuracyMeters); err != nil {
		return fmt.Errorf("failed to upsert location: %w", err)
	}
	return nil
}

// SampleOthers returns up to limit users with a known position other than
// self. Rows are unranked; callers must not read distance into them.
func (r *LocationRepository) SampleOthers(ctx context.Context, self string, limit int) ([]models.NearbyUser, error) {
	query := `
		SELECT l.user_id, COALESCE(u.display_name, '')
		FROM user_locations l
		LEFT JOIN users u ON u.id = l.user_id
		WHERE l.user_id <> $1
		ORDER BY l.updated_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, self, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to sample locations: %w", err)
	}
	defer rows.Close()

	var users []models.NearbyUser
	for rows.Next() {
		var u models.NearbyUser
		if err := rows.Scan(&u.UserID, &u.DisplayName); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		u.Estimated = true
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate locations: %w", err)
	}
	return users, nil
}
