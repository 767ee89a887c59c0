package chat

import (
	"context"
	"fmt"
	"sort"

	"proximichat/internal/models"
)

// ReloadAll replaces the local conversation collection with a fresh snapshot
// of every conversation the user takes part in. Nothing is merged: this is
// the baseline used whenever local and remote state may have diverged.
func (e *Engine) ReloadAll(ctx context.Context) (err error) {
	defer func() { e.metrics.ObserveOperation("reload_conversations", err) }()

	user, err := e.currentUser(ctx)
	if err != nil {
		return err
	}
	rows, err := e.stores.Conversations.ListByUser(ctx, user.ID)
	if err != nil {
		return e.fail("reload_conversations", "Failed to load conversations", storeFailure("list conversations", err))
	}

	names := map[string]string{user.ID: user.DisplayName}
	convs := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		conv := *row

		ids, err := e.stores.Conversations.Participants(ctx, conv.ID)
		if err != nil {
			return e.fail("reload_conversations", "Failed to load conversations", storeFailure("list participants", err))
		}
		conv.Participants = make([]models.Participant, 0, len(ids))
		for _, id := range ids {
			name, ok := names[id]
			if !ok || name == "" {
				name = e.displayName(ctx, id)
				names[id] = name
			}
			conv.Participants = append(conv.Participants, models.Participant{UserID: id, DisplayName: name})
		}

		msgs, err := e.stores.Messages.ListByConversation(ctx, conv.ID)
		if err != nil {
			return e.fail("reload_conversations", "Failed to load conversations", storeFailure("list messages", err))
		}
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
		conv.Messages = msgs

		convs = append(convs, conv)
	}

	e.update(func(s State) State { return s.withConversations(convs) })
	e.log.Debug().Int("conversations", len(convs)).Msg("Conversations reloaded")
	return nil
}

// EndConversation closes a conversation for both participants. Ending an
// already ended conversation is a no-op.
func (e *Engine) EndConversation(ctx context.Context, conversationID string) (err error) {
	defer func() { e.metrics.ObserveOperation("end_conversation", err) }()

	if _, err := e.currentUser(ctx); err != nil {
		return e.fail("end_conversation", "Failed to end conversation", err)
	}
	conv, ok := e.Snapshot().Conversation(conversationID)
	if !ok {
		return e.fail("end_conversation", "Failed to end conversation", fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID))
	}
	if !conv.IsActive {
		return nil
	}

	endedAt := e.now()
	if err := e.stores.Conversations.End(ctx, conversationID, endedAt); err != nil {
		return e.fail("end_conversation", "Failed to end conversation", storeFailure("end conversation", err))
	}

	e.update(func(s State) State { return s.withEnded(conversationID, endedAt) })
	e.log.Info().Str("conversation_id", conversationID).Msg("Conversation ended")
	e.notify(models.LevelInfo, "Conversation ended")
	return nil
}

// DeleteConversation permanently removes a conversation and its messages.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) (err error) {
	defer func() { e.metrics.ObserveOperation("delete_conversation", err) }()

	if _, err := e.currentUser(ctx); err != nil {
		return e.fail("delete_conversation", "Failed to delete conversation", err)
	}
	if _, ok := e.Snapshot().Conversation(conversationID); !ok {
		return e.fail("delete_conversation", "Failed to delete conversation", fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID))
	}

	if err := e.stores.Conversations.Delete(ctx, conversationID); err != nil {
		return e.fail("delete_conversation", "Failed to delete conversation", storeFailure("delete conversation", err))
	}

	e.update(func(s State) State { return s.withoutConversation(conversationID) })
	e.log.Info().Str("conversation_id", conversationID).Msg("Conversation deleted")
	e.notify(models.LevelSuccess, "Conversation deleted successfully")
	return nil
}

// SetActive selects the conversation shown to the user.
func (e *Engine) SetActive(conversationID string) error {
	var err error
	e.update(func(s State) State {
		c, ok := s.Conversation(conversationID)
		switch {
		case !ok:
			err = fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
			return s
		case !c.IsActive:
			err = validation("conversation has ended")
			return s
		}
		s.ActiveConversationID = conversationID
		return s
	})
	return err
}
