// Package proximity finds users near a point. Positions live in Postgres
// and in a Redis GEO index used for ranked radius queries.
package proximity

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"proximichat/internal/metrics"
	"proximichat/internal/models"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultRadiusMeters is used when the caller passes no radius
	DefaultRadiusMeters = 10000
	fallbackLimit       = 10
)

// ErrInvalidLocation is returned for coordinates out of range
var ErrInvalidLocation = errors.New("invalid location")

// Hit is a single geospatial match
type Hit struct {
	UserID         string
	DistanceMeters float64
}

// GeoIndex is a geospatial index of user positions
type GeoIndex interface {
	Add(ctx context.Context, userID string, loc models.Location) error
	Remove(ctx context.Context, userID string) error
	// Search returns the members within radiusMeters of center, nearest first
	Search(ctx context.Context, center models.Location, radiusMeters float64) ([]Hit, error)
}

// LocationStore is the durable record of user positions
type LocationStore interface {
	Upsert(ctx context.Context, userID string, loc models.Location) error
	SampleOthers(ctx context.Context, self string, limit int) ([]models.NearbyUser, error)
}

// ProfileStore resolves display names
type ProfileStore interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// Finder answers nearby-user queries
type Finder struct {
	index     GeoIndex
	locations LocationStore
	profiles  ProfileStore
	metrics   *metrics.Metrics
}

// NewFinder creates a Finder. index may be nil, in which case every search
// takes the fallback path.
func NewFinder(index GeoIndex, locations LocationStore, profiles ProfileStore, m *metrics.Metrics) *Finder {
	return &Finder{
		index:     index,
		locations: locations,
		profiles:  profiles,
		metrics:   m,
	}
}

// UpdatePosition records where a user is. The durable write must succeed;
// a failed index write only degrades later searches to the fallback path.
func (f *Finder) UpdatePosition(ctx context.Context, userID string, loc models.Location) error {
	if err := loc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if err := f.locations.Upsert(ctx, userID, loc); err != nil {
		return fmt.Errorf("failed to store position: %w", err)
	}
	if f.index != nil {
		if err := f.index.Add(ctx, userID, loc); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to index position")
		}
	}
	return nil
}

// Forget drops a user from the geo index, for example on sign-out
func (f *Finder) Forget(ctx context.Context, userID string) {
	if f.index == nil {
		return
	}
	if err := f.index.Remove(ctx, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to remove position from index")
	}
}

// FindNearby records the caller's position and returns the other users
// within radiusMeters, nearest first with ties broken by user id. When the
// geo index is unavailable it returns an unranked sample of known users
// tagged Estimated with a zero distance.
func (f *Finder) FindNearby(ctx context.Context, self string, point models.Location, radiusMeters float64) ([]models.NearbyUser, error) {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	if err := f.UpdatePosition(ctx, self, point); err != nil {
		return nil, err
	}

	users, err := f.search(ctx, self, point, radiusMeters)
	if err == nil {
		f.metrics.IncNearbySearch(metrics.PathGeo)
		return users, nil
	}

	log.Warn().Err(err).Str("user_id", self).Msg("Geo search failed, using fallback")
	f.metrics.IncNearbySearch(metrics.PathFallback)
	return f.fallback(ctx, self)
}

func (f *Finder) search(ctx context.Context, self string, point models.Location, radiusMeters float64) ([]models.NearbyUser, error) {
	if f.index == nil {
		return nil, errors.New("geo index not configured")
	}
	hits, err := f.index.Search(ctx, point, radiusMeters)
	if err != nil {
		return nil, fmt.Errorf("failed to search geo index: %w", err)
	}

	users := make([]models.NearbyUser, 0, len(hits))
	for _, h := range hits {
		if h.UserID == self || h.DistanceMeters > radiusMeters {
			continue
		}
		users = append(users, models.NearbyUser{
			UserID:         h.UserID,
			DisplayName:    f.displayName(ctx, h.UserID),
			DistanceMeters: h.DistanceMeters,
		})
	}
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].DistanceMeters != users[j].DistanceMeters {
			return users[i].DistanceMeters < users[j].DistanceMeters
		}
		return users[i].UserID < users[j].UserID
	})
	return users, nil
}

func (f *Finder) fallback(ctx context.Context, self string) ([]models.NearbyUser, error) {
	sample, err := f.locations.SampleOthers(ctx, self, fallbackLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load nearby users: %w", err)
	}
	users := make([]models.NearbyUser, 0, len(sample))
	for _, u := range sample {
		if u.UserID == self {
			continue
		}
		if u.DisplayName == "" {
			u.DisplayName = models.UnknownUserName
		}
		u.DistanceMeters = 0
		u.Estimated = true
		users = append(users, u)
	}
	return users, nil
}

func (f *Finder) displayName(ctx context.Context, userID string) string {
	if f.profiles == nil {
		return models.UnknownUserName
	}
	name, err := f.profiles.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return models.UnknownUserName
	}
	return name
}
