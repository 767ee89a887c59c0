package models

import (
	"fmt"
	"time"
)

// UnknownUserName is shown when a participant's profile cannot be resolved
const UnknownUserName = "Unknown User"

// ProvisionalPrefix marks message ids that were assigned locally and not yet confirmed
const ProvisionalPrefix = "temp-"

// User represents a user in the system
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Token       string    `json:"token,omitempty"`
	PushToken   *string   `json:"push_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Location is a position reported by a device
type Location struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_meters"`
}

// Validate checks coordinate ranges
func (l Location) Validate() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", l.Longitude)
	}
	if l.AccuracyMeters < 0 {
		return fmt.Errorf("accuracy must not be negative")
	}
	return nil
}

// RequestStatus is the state of a chat request
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
)

// Valid reports whether s is one of the known statuses
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAccepted, RequestDeclined:
		return true
	}
	return false
}

// ChatRequest is the consent handshake that precedes a conversation
type ChatRequest struct {
	ID             string        `json:"id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name"`
	RecipientID    string        `json:"recipient_id"`
	RecipientName  string        `json:"recipient_name"`
	Status         RequestStatus `json:"status"`
	Location       *Location     `json:"location,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	ConversationID *string       `json:"conversation_id,omitempty"`
}

// Involves reports whether userID is the sender or the recipient
func (r *ChatRequest) Involves(userID string) bool {
	return r.SenderID == userID || r.RecipientID == userID
}

// Participant is one side of a conversation
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Conversation is the two-party thread created once a request is accepted
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
	Location     Location      `json:"location"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	IsActive     bool          `json:"is_active"`
}

// HasParticipant reports whether userID takes part in the conversation
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Message is a single chat entry
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Username       string    `json:"username"`
	Content        *string   `json:"content,omitempty"`
	ImageURL       *string   `json:"image_url,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Provisional    bool      `json:"provisional,omitempty"`
	Failed         bool      `json:"failed,omitempty"`
}

// SameBody reports whether two messages carry identical content and image
func (m *Message) SameBody(other *Message) bool {
	return equalPtr(m.Content, other.Content) && equalPtr(m.ImageURL, other.ImageURL)
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// NearbyUser is a proximity search result
type NearbyUser struct {
	UserID         string  `json:"user_id"`
	DisplayName    string  `json:"display_name"`
	DistanceMeters float64 `json:"distance_meters"`
	// Estimated is set when the distance is a placeholder rather than a measured value
	Estimated bool `json:"estimated"`
}

// NotificationLevel is the severity of a user-facing notification
type NotificationLevel string

const (
	LevelInfo    NotificationLevel = "info"
	LevelSuccess NotificationLevel = "success"
	LevelError   NotificationLevel = "error"
)

// Notification is a transient message shown to the user
type Notification struct {
	Level   NotificationLevel `json:"level"`
	Message string            `json:"message"`
}
