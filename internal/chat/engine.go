// Package chat implements the proximity chat lifecycle engine: the request
// state machine, the conversation and message reconciler, and the session
// synchronizer that keeps both in step with the store's change feeds.
package chat

import (
	"context"
	"sync"
	"time"

	"proximichat/internal/metrics"
	"proximichat/internal/models"
	"proximichat/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RequestStore persists chat requests.
type RequestStore interface {
	// FindPending returns the pending request between a and b in either
	// direction, or nil when there is none.
	FindPending(ctx context.Context, a, b string) (*models.ChatRequest, error)
	// Create inserts req and fills in its ID and CreatedAt. It returns
	// store.ErrDuplicatePending when the pair already has a pending request.
	Create(ctx context.Context, req *models.ChatRequest) error
	// UpdateStatus moves a pending request to status. It returns
	// store.ErrNotPending when the request already left the pending state.
	UpdateStatus(ctx context.Context, id string, status models.RequestStatus, conversationID *string) error
	ListByUser(ctx context.Context, userID string) ([]*models.ChatRequest, error)
}

// ConversationStore persists conversations and their participants.
type ConversationStore interface {
	// Create inserts conv and fills in its ID and StartedAt.
	Create(ctx context.Context, conv *models.Conversation) error
	// End marks the conversation inactive. An earlier ended_at is kept.
	End(ctx context.Context, id string, endedAt time.Time) error
	Delete(ctx context.Context, id string) error
	AddParticipant(ctx context.Context, conversationID, userID string) error
	// ListByUser returns the conversations userID takes part in, without
	// participants or messages.
	ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// MessageStore persists messages.
type MessageStore interface {
	// Create inserts msg and fills in the authoritative ID and Timestamp.
	Create(ctx context.Context, msg *models.Message) error
	ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error)
}

// ProfileStore resolves display names.
type ProfileStore interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// ChangeFeed opens row-level change subscriptions scoped to userID.
type ChangeFeed interface {
	Subscribe(ctx context.Context, userID string, table store.Table, mask store.EventMask) (store.Subscription, error)
}

// Identity reports who is signed in. CurrentUser returns nil once the user
// has signed out.
type Identity interface {
	CurrentUser(ctx context.Context) (*models.User, error)
}

// Observer receives state changes and user-facing notifications. Calls are
// made while the engine holds its lock, in mutation order; implementations
// must not block or call back into the engine.
type Observer interface {
	StateChanged(s State)
	Notify(n models.Notification)
}

// Stores bundles the persistence collaborators.
type Stores struct {
	Requests      RequestStore
	Conversations ConversationStore
	Messages      MessageStore
	Profiles      ProfileStore
	Feed          ChangeFeed
}

// Config holds everything an Engine needs.
type Config struct {
	Stores   Stores
	Identity Identity
	Observer Observer
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

// Engine owns the local state of one signed-in user. Every mutation goes
// through update, which applies a reducer to the latest committed state.
type Engine struct {
	stores   Stores
	identity Identity
	observer Observer
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
	accepts  singleflight.Group

	mu       sync.Mutex
	state    State
	signedIn bool
}

// NewEngine creates an engine for the signed-in user.
func NewEngine(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		stores:   cfg.Stores,
		identity: cfg.Identity,
		observer: cfg.Observer,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		now:      now,
		signedIn: true,
	}
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

// update applies fn to the latest committed state and publishes the result.
func (e *Engine) update(fn func(State) State) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = fn(e.state)
	if e.observer != nil {
		e.observer.StateChanged(e.state)
	}
	return e.state
}

// signOut drops local state; later operations fail with ErrAuthRequired.
func (e *Engine) signOut() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signedIn = false
	e.state = State{}
	if e.observer != nil {
		e.observer.StateChanged(e.state)
	}
}

func (e *Engine) signIn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signedIn = true
}

// currentUser resolves the caller, failing with ErrAuthRequired when signed out.
func (e *Engine) currentUser(ctx context.Context) (*models.User, error) {
	e.mu.Lock()
	signedIn := e.signedIn
	e.mu.Unlock()
	if !signedIn || e.identity == nil {
		return nil, ErrAuthRequired
	}
	user, err := e.identity.CurrentUser(ctx)
	if err != nil {
		return nil, storeFailure("resolve current user", err)
	}
	if user == nil || user.ID == "" {
		return nil, ErrAuthRequired
	}
	return user, nil
}

func (e *Engine) notify(level models.NotificationLevel, msg string) {
	if e.observer == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer.Notify(models.Notification{Level: level, Message: msg})
}

// fail logs err, raises an error notification and returns err unchanged.
func (e *Engine) fail(operation, userMsg string, err error) error {
	e.log.Error().Err(err).Str("operation", operation).Msg(userMsg)
	e.notify(models.LevelError, userMsg+": "+err.Error())
	return err
}

// displayName resolves a profile name, falling back to UnknownUserName.
func (e *Engine) displayName(ctx context.Context, userID string) string {
	if e.stores.Profiles == nil {
		return models.UnknownUserName
	}
	name, err := e.stores.Profiles.DisplayName(ctx, userID)
	if err != nil || name == "" {
		e.log.Debug().Err(err).Str("profile_id", userID).Msg("Could not resolve display name")
		return models.UnknownUserName
	}
	return name
}
