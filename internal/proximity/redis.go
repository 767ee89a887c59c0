package proximity

import (
	"context"
	"fmt"

	"proximichat/internal/models"

	"github.com/redis/go-redis/v9"
)

// DefaultGeoKey is the sorted set holding every indexed position
const DefaultGeoKey = "proximichat:positions"

// RedisIndex is a GeoIndex backed by a Redis GEO set
type RedisIndex struct {
	rdb *redis.Client
	key string
}

// NewRedisIndex creates an index stored under key, or DefaultGeoKey when key
// is empty
func NewRedisIndex(rdb *redis.Client, key string) *RedisIndex {
	if key == "" {
		key = DefaultGeoKey
	}
	return &RedisIndex{rdb: rdb, key: key}
}

// NewRedisClient parses url and checks the connection
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// Add indexes or moves a user
func (r *RedisIndex) Add(ctx context.Context, userID string, loc models.Location) error {
	return r.rdb.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      userID,
		Longitude: loc.Longitude,
		Latitude:  loc.Latitude,
	}).Err()
}

// Remove drops a user from the index
func (r *RedisIndex) Remove(ctx context.Context, userID string) error {
	return r.rdb.ZRem(ctx, r.key, userID).Err()
}

// Search runs GEOSEARCH BYRADIUS ... ASC WITHDIST
func (r *RedisIndex) Search(ctx context.Context, center models.Location, radiusMeters float64) ([]Hit, error) {
	locs, err := r.rdb.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Longitude,
			Latitude:   center.Latitude,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(locs))
	for _, l := range locs {
		hits = append(hits, Hit{UserID: l.Name, DistanceMeters: l.Dist})
	}
	return hits, nil
}
