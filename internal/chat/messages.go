package chat

import (
	"context"
	"fmt"
	"strings"

	"proximichat/internal/metrics"
	"proximichat/internal/models"
	"proximichat/internal/store"

	"github.com/google/uuid"
)

// Send appends a message to an active conversation. The message shows up
// locally right away under a provisional id and is swapped for the stored
// record once the insert succeeds. A failed insert leaves the provisional
// entry in place, flagged Failed.
func (e *Engine) Send(ctx context.Context, conversationID, content string, imageURL *string) (msg models.Message, err error) {
	defer func() { e.metrics.ObserveOperation("send_message", err) }()

	user, err := e.currentUser(ctx)
	if err != nil {
		return models.Message{}, e.fail("send_message", "Failed to send message", err)
	}

	var body *string
	if trimmed := strings.TrimSpace(content); trimmed != "" {
		body = &trimmed
	}
	if imageURL != nil && strings.TrimSpace(*imageURL) == "" {
		imageURL = nil
	}
	if body == nil && imageURL == nil {
		return models.Message{}, e.fail("send_message", "Failed to send message", validation("message must have text or an image"))
	}

	conv, ok := e.Snapshot().Conversation(conversationID)
	if !ok {
		return models.Message{}, e.fail("send_message", "Failed to send message", fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID))
	}
	if !conv.IsActive {
		return models.Message{}, e.fail("send_message", "Failed to send message", validation("conversation has ended"))
	}

	tempID := models.ProvisionalPrefix + uuid.NewString()
	provisional := models.Message{
		ID:             tempID,
		ConversationID: conversationID,
		UserID:         user.ID,
		Username:       user.DisplayName,
		Content:        body,
		ImageURL:       imageURL,
		Timestamp:      e.now(),
		Provisional:    true,
	}
	e.update(func(s State) State { return s.withProvisional(conversationID, provisional) })

	stored := provisional
	stored.ID = ""
	stored.Provisional = false
	if err := e.stores.Messages.Create(ctx, &stored); err != nil {
		e.update(func(s State) State { return s.withFailed(conversationID, tempID) })
		return models.Message{}, e.fail("send_message", "Failed to send message", storeFailure("send message", err))
	}

	e.update(func(s State) State { return s.withConfirmed(conversationID, tempID, stored) })
	e.log.Debug().
		Str("conversation_id", conversationID).
		Str("message_id", stored.ID).
		Msg("Message sent")
	return stored, nil
}

// ApplyRemoteInsert merges a message announced by the change feed. Messages
// for a conversation that is not loaded yet trigger a full reload.
func (e *Engine) ApplyRemoteInsert(ctx context.Context, msg models.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return validation("remote message without id")
	}
	msg.Provisional = false
	msg.Failed = false
	if msg.Username == "" {
		msg.Username = e.displayName(ctx, msg.UserID)
	}

	var outcome mergeOutcome
	e.update(func(s State) State {
		s, outcome = s.withRemote(msg)
		return s
	})

	table := string(store.TableMessages)
	switch outcome {
	case mergeDuplicate:
		e.metrics.IncRemoteEvent(table, metrics.OutcomeDuplicate)
	case mergeEcho:
		e.metrics.IncRemoteEvent(table, metrics.OutcomeEcho)
	case mergeUnknownConversation:
		e.metrics.IncRemoteEvent(table, metrics.OutcomeReload)
		e.log.Debug().
			Str("conversation_id", msg.ConversationID).
			Msg("Message for unknown conversation, reloading")
		return e.ReloadAll(ctx)
	default:
		e.metrics.IncRemoteEvent(table, metrics.OutcomeApplied)
	}
	return nil
}
