// Package location keeps the last reported device position of a session.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"proximichat/internal/models"

	"github.com/rs/zerolog/log"
)

// ErrInvalidLocation is returned for coordinates out of range
var ErrInvalidLocation = errors.New("invalid location")

// ErrorCode is a geolocation failure reported by the device
type ErrorCode string

const (
	PermissionDenied    ErrorCode = "permission_denied"
	PositionUnavailable ErrorCode = "position_unavailable"
	Timeout             ErrorCode = "timeout"
)

// Message returns the user-facing text for the code
func (c ErrorCode) Message() string {
	switch c {
	case PermissionDenied:
		return "You denied the request for geolocation"
	case PositionUnavailable:
		return "Location information is unavailable"
	case Timeout:
		return "The request to get your location timed out"
	}
	return "Unknown error occurred"
}

// PositionWriter persists a user's position
type PositionWriter interface {
	UpdatePosition(ctx context.Context, userID string, loc models.Location) error
}

// Reading is what watchers receive after every update or failure
type Reading struct {
	Location *models.Location `json:"location,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Tracker holds the current position of one user
type Tracker struct {
	userID string
	writer PositionWriter

	mu       sync.Mutex
	current  *models.Location
	lastErr  string
	watchers map[int]func(Reading)
	nextID   int
}

// NewTracker creates a tracker for userID. writer may be nil.
func NewTracker(userID string, writer PositionWriter) *Tracker {
	return &Tracker{
		userID:   userID,
		writer:   writer,
		watchers: make(map[int]func(Reading)),
	}
}

// Update validates and records a new position
func (t *Tracker) Update(ctx context.Context, loc models.Location) error {
	if err := loc.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if t.writer != nil {
		if err := t.writer.UpdatePosition(ctx, t.userID, loc); err != nil {
			return fmt.Errorf("failed to store position: %w", err)
		}
	}

	t.mu.Lock()
	t.current = &loc
	t.lastErr = ""
	reading := t.readingLocked()
	watchers := t.watchersLocked()
	t.mu.Unlock()

	log.Debug().
		Str("user_id", t.userID).
		Float64("lat", loc.Latitude).
		Float64("lng", loc.Longitude).
		Float64("accuracy", loc.AccuracyMeters).
		Msg("Location received")

	for _, fn := range watchers {
		fn(reading)
	}
	return nil
}

// Fail records a device failure and returns its message. The last known
// position is kept.
func (t *Tracker) Fail(code ErrorCode) string {
	msg := code.Message()

	t.mu.Lock()
	t.lastErr = msg
	reading := t.readingLocked()
	watchers := t.watchersLocked()
	t.mu.Unlock()

	log.Warn().Str("user_id", t.userID).Str("code", string(code)).Msg("Geolocation error")

	for _, fn := range watchers {
		fn(reading)
	}
	return msg
}

// Current returns the last valid position
func (t *Tracker) Current() (models.Location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return models.Location{}, false
	}
	return *t.current, true
}

// Err returns the last failure message, empty after a successful update
func (t *Tracker) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// Watch registers fn for future readings. The returned func unregisters it.
func (t *Tracker) Watch(fn func(Reading)) (release func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) readingLocked() Reading {
	r := Reading{Error: t.lastErr}
	if t.current != nil {
		loc := *t.current
		r.Location = &loc
	}
	return r
}

func (t *Tracker) watchersLocked() []func(Reading) {
	out := make([]func(Reading), 0, len(t.watchers))
	for _, fn := range t.watchers {
		out = append(out, fn)
	}
	return out
}
