// Package push delivers chat request alerts to offline iOS devices.
package push

import (
	"context"
	"errors"
	"fmt"

	"proximichat/internal/metrics"

	"github.com/rs/zerolog/log"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// Config holds the APNs token credentials
type Config struct {
	KeyPath    string
	KeyID      string
	TeamID     string
	Topic      string
	Production bool
}

// Enabled reports whether enough is configured to talk to APNs
func (c Config) Enabled() bool {
	return c.KeyPath != "" && c.KeyID != "" && c.TeamID != "" && c.Topic != ""
}

// Sender pushes a single notification
type Sender interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// TokenStore looks up a user's device token
type TokenStore interface {
	PushToken(ctx context.Context, userID string) (*string, error)
}

// Notifier sends alerts through APNs. A Notifier with no sender is a no-op.
type Notifier struct {
	sender  Sender
	topic   string
	tokens  TokenStore
	metrics *metrics.Metrics
}

// NewClient builds a token-based APNs client from cfg
func NewClient(cfg Config) (*apns2.Client, error) {
	key, err := token.AuthKeyFromFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load APNs auth key: %w", err)
	}
	client := apns2.NewTokenClient(&token.Token{
		AuthKey: key,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	})
	if cfg.Production {
		return client.Production(), nil
	}
	return client.Development(), nil
}

// NewNotifier creates a notifier. sender may be nil to disable pushes.
func NewNotifier(sender Sender, topic string, tokens TokenStore, m *metrics.Metrics) *Notifier {
	return &Notifier{
		sender:  sender,
		topic:   topic,
		tokens:  tokens,
		metrics: m,
	}
}

// Enabled reports whether pushes are sent
func (n *Notifier) Enabled() bool {
	return n != nil && n.sender != nil
}

// NotifyRequest tells recipientID that senderName wants to chat. Users
// without a device token are skipped.
func (n *Notifier) NotifyRequest(ctx context.Context, recipientID, senderName string) error {
	if !n.Enabled() {
		return nil
	}

	deviceToken, err := n.tokens.PushToken(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("failed to get push token: %w", err)
	}
	if deviceToken == nil || *deviceToken == "" {
		return nil
	}

	notification := &apns2.Notification{
		DeviceToken: *deviceToken,
		Topic:       n.topic,
		Payload: payload.NewPayload().
			Alert(fmt.Sprintf("New chat request from %s", senderName)).
			Sound("default").
			Custom("type", "chat_request"),
	}

	res, err := n.sender.PushWithContext(ctx, notification)
	if err == nil && !res.Sent() {
		err = errors.New(res.Reason)
	}
	n.metrics.IncPush(err)
	if err != nil {
		log.Warn().Err(err).Str("user_id", recipientID).Msg("Failed to send push notification")
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	log.Debug().Str("user_id", recipientID).Str("apns_id", res.ApnsID).Msg("Push notification sent")
	return nil
}
