package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"proximichat/internal/models"
	"proximichat/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const (
	notifyChannel    = "proximichat_changes"
	subscriberBuffer = 64
	reconnectDelay   = 2 * time.Second
)

type messageLoader interface {
	GetByID(ctx context.Context, id string) (*models.Message, error)
}

// notifyPayload is the JSON written by the change triggers
type notifyPayload struct {
	Table          string   `json:"table"`
	Op             string   `json:"op"`
	ID             string   `json:"id"`
	SenderID       string   `json:"sender_id"`
	RecipientID    string   `json:"recipient_id"`
	Status         string   `json:"status"`
	ConversationID *string  `json:"conversation_id"`
	Participants   []string `json:"participants"`
}

// Feed turns Postgres notifications into per-user change events. A single
// listening connection serves every subscription.
type Feed struct {
	db       *pgxpool.Pool
	messages messageLoader

	mu   sync.Mutex
	subs map[*feedSubscription]struct{}
}

// NewFeed creates a change feed. Call Run to start listening.
func NewFeed(db *pgxpool.Pool, messages messageLoader) *Feed {
	return &Feed{
		db:       db,
		messages: messages,
		subs:     make(map[*feedSubscription]struct{}),
	}
}

// Run listens for notifications until ctx is cancelled, reconnecting after
// connection failures. Events raised while disconnected are lost; sessions
// recover them through their periodic reload.
func (f *Feed) Run(ctx context.Context) {
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("Change feed listener failed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *Feed) listen(ctx context.Context) error {
	conn, err := f.db.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info().Str("channel", notifyChannel).Msg("Change feed listening")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("failed to wait for notification: %w", err)
		}
		f.dispatch(ctx, n.Payload)
	}
}

// Subscribe opens a feed of table events visible to userID. The
// subscription closes when ctx is cancelled or Close is called.
func (f *Feed) Subscribe(ctx context.Context, userID string, table store.Table, mask store.EventMask) (store.Subscription, error) {
	sub := &feedSubscription{
		feed:   f,
		userID: userID,
		table:  table,
		mask:   mask,
		ch:     make(chan store.ChangeEvent, subscriberBuffer),
	}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

func (f *Feed) dispatch(ctx context.Context, payload string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed change notification")
		return
	}
	op, ok := store.ParseEvent(p.Op)
	if !ok {
		log.Warn().Str("op", p.Op).Msg("Dropping change notification with unknown operation")
		return
	}
	table := store.Table(p.Table)
	if !f.interested(table, op, p.Participants) {
		return
	}

	ev, err := f.decode(ctx, table, op, p)
	if err != nil {
		log.Warn().Err(err).Str("table", p.Table).Str("id", p.ID).Msg("Dropping change notification")
		return
	}
	f.publish(ev, p.Participants)
}

// decode builds a typed event from a notification payload. Message rows are
// loaded by id since payloads carry no message body.
func (f *Feed) decode(ctx context.Context, table store.Table, op store.Event, p notifyPayload) (store.ChangeEvent, error) {
	ev := store.ChangeEvent{Table: table, Event: op}
	switch table {
	case store.TableRequests:
		status := models.RequestStatus(p.Status)
		if !status.Valid() {
			return ev, fmt.Errorf("unknown chat request status %q", p.Status)
		}
		ev.Request = &models.ChatRequest{
			ID:             p.ID,
			SenderID:       p.SenderID,
			RecipientID:    p.RecipientID,
			Status:         status,
			ConversationID: p.ConversationID,
		}
	case store.TableConversations:
		ev.ConversationID = p.ID
	case store.TableMessages:
		if p.ConversationID != nil {
			ev.ConversationID = *p.ConversationID
		}
		msg, err := f.messages.GetByID(ctx, p.ID)
		if err != nil {
			return ev, err
		}
		ev.Message = msg
	default:
		return ev, fmt.Errorf("unknown table %q", table)
	}
	return ev, nil
}

func (f *Feed) interested(table store.Table, op store.Event, audience []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if sub.matches(table, op, audience) {
			return true
		}
	}
	return false
}

func (f *Feed) publish(ev store.ChangeEvent, audience []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if !sub.matches(ev.Table, ev.Event, audience) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Str("user_id", sub.userID).
				Str("table", string(ev.Table)).
				Msg("Subscriber is not keeping up, dropping change event")
		}
	}
}

type feedSubscription struct {
	feed   *Feed
	userID string
	table  store.Table
	mask   store.EventMask
	ch     chan store.ChangeEvent
	closed bool
}

func (s *feedSubscription) matches(table store.Table, op store.Event, audience []string) bool {
	return s.table == table && s.mask&op != 0 && slices.Contains(audience, s.userID)
}

func (s *feedSubscription) Events() <-chan store.ChangeEvent {
	return s.ch
}

func (s *feedSubscription) Close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(s.feed.subs, s)
	close(s.ch)
	return nil
}
