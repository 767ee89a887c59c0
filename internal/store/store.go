// Package store defines the change-feed vocabulary shared by the store
// implementations and the chat engine.
package store

import (
	"errors"

	"proximichat/internal/models"
)

var (
	// ErrNotFound is returned when a referenced row does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicatePending is returned when a pending request already exists for a user pair
	ErrDuplicatePending = errors.New("pending request already exists for this pair")
	// ErrNotPending is returned when a status transition targets a request that is no longer pending
	ErrNotPending = errors.New("request is not pending")
)

// Table names a change feed
type Table string

const (
	TableRequests      Table = "chat_requests"
	TableConversations Table = "conversations"
	TableMessages      Table = "messages"
)

// Event is the kind of row change
type Event uint8

const (
	EventInsert Event = 1 << iota
	EventUpdate
	EventDelete
)

// EventMask selects which events a subscription receives
type EventMask = Event

// AllEvents subscribes to every event kind
const AllEvents EventMask = EventInsert | EventUpdate | EventDelete

func (e Event) String() string {
	switch e {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// ParseEvent maps a trigger operation name to an Event
func ParseEvent(op string) (Event, bool) {
	switch op {
	case "INSERT":
		return EventInsert, true
	case "UPDATE":
		return EventUpdate, true
	case "DELETE":
		return EventDelete, true
	}
	return 0, false
}

// ChangeEvent is a single row change delivered by a feed. Exactly one of
// Request, ConversationID or Message is meaningful, depending on Table.
type ChangeEvent struct {
	Table          Table
	Event          Event
	Request        *models.ChatRequest
	ConversationID string
	Message        *models.Message
}

// Subscription is a live change feed. Events is closed after Close returns
// or when the feed fails.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close() error
}
