package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"proximichat/internal/models"
	"proximichat/internal/store"
)

// CreateRequest asks recipientID for a chat. An existing pending request for
// the same pair is returned instead of creating a second one.
func (e *Engine) CreateRequest(ctx context.Context, recipientID, recipientName string, loc *models.Location) (string, error) {
	id, _, err := e.SubmitRequest(ctx, recipientID, recipientName, loc)
	return id, err
}

// SubmitRequest is CreateRequest that also reports whether a new request
// was written, as opposed to an existing pending one being returned.
func (e *Engine) SubmitRequest(ctx context.Context, recipientID, recipientName string, loc *models.Location) (id string, created bool, err error) {
	defer func() { e.metrics.ObserveOperation("create_request", err) }()

	user, err := e.currentUser(ctx)
	if err != nil {
		return "", false, e.fail("create_request", "You must be signed in to send a chat request", err)
	}
	if strings.TrimSpace(user.DisplayName) == "" {
		return "", false, e.fail("create_request", "Failed to send chat request", validation("set a display name first"))
	}
	if recipientID == "" {
		return "", false, e.fail("create_request", "Failed to send chat request", validation("recipient is required"))
	}
	if recipientID == user.ID {
		return "", false, e.fail("create_request", "Failed to send chat request", validation("cannot send a chat request to yourself"))
	}
	if loc != nil {
		if err := loc.Validate(); err != nil {
			return "", false, e.fail("create_request", "Failed to send chat request", validation(err.Error()))
		}
	}

	existing, err := e.stores.Requests.FindPending(ctx, user.ID, recipientID)
	if err != nil {
		return "", false, e.fail("create_request", "Failed to send chat request", storeFailure("check existing requests", err))
	}
	if existing != nil {
		return e.adoptPending(user, existing, recipientName), false, nil
	}

	req := &models.ChatRequest{
		SenderID:      user.ID,
		SenderName:    user.DisplayName,
		RecipientID:   recipientID,
		RecipientName: recipientName,
		Status:        models.RequestPending,
		Location:      loc,
	}
	if err := e.stores.Requests.Create(ctx, req); err != nil {
		if errors.Is(err, store.ErrDuplicatePending) {
			// Lost a race against a concurrent submit for the same pair.
			winner, ferr := e.stores.Requests.FindPending(ctx, user.ID, recipientID)
			if ferr == nil && winner != nil {
				return e.adoptPending(user, winner, recipientName), false, nil
			}
		}
		return "", false, e.fail("create_request", "Failed to send chat request", storeFailure("create chat request", err))
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = e.now()
	}

	e.update(func(s State) State { return s.withRequest(*req) })
	e.log.Info().
		Str("request_id", req.ID).
		Str("recipient_id", recipientID).
		Msg("Chat request created")
	e.notify(models.LevelSuccess, "Chat request sent")
	return req.ID, true, nil
}

// adoptPending records an already pending request locally and returns its id.
func (e *Engine) adoptPending(user *models.User, req *models.ChatRequest, otherName string) string {
	r := *req
	if r.SenderID == user.ID {
		r.SenderName = user.DisplayName
		if r.RecipientName == "" {
			r.RecipientName = otherName
		}
	} else {
		r.RecipientName = user.DisplayName
		if r.SenderName == "" {
			r.SenderName = otherName
		}
	}
	e.update(func(s State) State { return s.withRequest(r) })
	e.notify(models.LevelInfo, "Chat request already sent")
	return r.ID
}

// AcceptRequest runs the accept sequence for a pending request addressed to
// the caller and returns the new conversation id. A request that is already
// accepted yields its existing conversation.
func (e *Engine) AcceptRequest(ctx context.Context, requestID string) (conversationID string, err error) {
	defer func() { e.metrics.ObserveOperation("accept_request", err) }()

	user, err := e.currentUser(ctx)
	if err != nil {
		return "", e.fail("accept_request", "You must be signed in to accept a chat request", err)
	}

	// Concurrent accepts of the same request share one run.
	v, err, _ := e.accepts.Do(requestID, func() (any, error) {
		return e.accept(ctx, user, requestID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Engine) accept(ctx context.Context, user *models.User, requestID string) (string, error) {
	req, ok := e.Snapshot().Request(requestID)
	if !ok {
		return "", e.fail("accept_request", "Error accepting chat request", fmt.Errorf("%w: chat request %s", ErrNotFound, requestID))
	}
	if req.RecipientID != user.ID {
		return "", e.fail("accept_request", "Error accepting chat request", validation("only the recipient can accept a chat request"))
	}
	switch req.Status {
	case models.RequestAccepted:
		if req.ConversationID != nil {
			return *req.ConversationID, nil
		}
		return "", e.fail("accept_request", "Error accepting chat request", ErrRequestClosed)
	case models.RequestDeclined:
		return "", e.fail("accept_request", "Error accepting chat request", ErrRequestClosed)
	}

	conv := &models.Conversation{
		IsActive:  true,
		StartedAt: e.now(),
	}
	if req.Location != nil {
		conv.Location = *req.Location
	}
	if err := e.stores.Conversations.Create(ctx, conv); err != nil {
		return "", e.failStage(StageCreateConversation, "", err)
	}
	convID := conv.ID

	if err := e.stores.Requests.UpdateStatus(ctx, req.ID, models.RequestAccepted, &convID); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			// Another client decided first; the shell stays orphaned.
			_ = e.ReloadRequests(ctx)
			return "", e.fail("accept_request", "Error accepting chat request", fmt.Errorf("%w: %w", ErrRequestClosed, err))
		}
		return "", e.failStage(StageMarkAccepted, convID, err)
	}
	if err := e.stores.Conversations.AddParticipant(ctx, convID, user.ID); err != nil {
		return "", e.failStage(StageAddRecipient, convID, err)
	}
	if err := e.stores.Conversations.AddParticipant(ctx, convID, req.SenderID); err != nil {
		return "", e.failStage(StageAddSender, convID, err)
	}

	e.log.Info().
		Str("request_id", req.ID).
		Str("conversation_id", convID).
		Str("sender_id", req.SenderID).
		Msg("Chat request accepted")

	// Failures here are already reported; the next reload converges.
	_ = e.ReloadAll(ctx)
	_ = e.ReloadRequests(ctx)

	e.update(func(s State) State {
		accepted := req
		if cur, ok := s.Request(req.ID); ok {
			accepted = cur
		}
		accepted.Status = models.RequestAccepted
		accepted.ConversationID = &convID
		s = s.withRequest(accepted)
		if c, ok := s.Conversation(convID); ok && c.IsActive {
			s.ActiveConversationID = convID
		}
		return s
	})
	e.notify(models.LevelSuccess, "Chat request accepted")
	return convID, nil
}

func (e *Engine) failStage(stage AcceptStage, conversationID string, err error) error {
	serr := &StageError{Stage: stage, ConversationID: conversationID, Err: err}
	e.log.Error().
		Err(err).
		Str("stage", string(stage)).
		Str("conversation_id", conversationID).
		Msg("Accept chat request failed")
	e.notify(models.LevelError, "Error accepting chat request: "+serr.Error())
	return serr
}

// DeclineRequest marks a pending request addressed to the caller as declined.
func (e *Engine) DeclineRequest(ctx context.Context, requestID string) (err error) {
	defer func() { e.metrics.ObserveOperation("decline_request", err) }()

	user, err := e.currentUser(ctx)
	if err != nil {
		return e.fail("decline_request", "You must be signed in to decline a chat request", err)
	}
	req, ok := e.Snapshot().Request(requestID)
	if !ok {
		return e.fail("decline_request", "Failed to decline chat request", fmt.Errorf("%w: chat request %s", ErrNotFound, requestID))
	}
	if req.RecipientID != user.ID {
		return e.fail("decline_request", "Failed to decline chat request", validation("only the recipient can decline a chat request"))
	}
	if req.Status != models.RequestPending {
		return e.fail("decline_request", "Failed to decline chat request", ErrRequestClosed)
	}

	if err := e.stores.Requests.UpdateStatus(ctx, requestID, models.RequestDeclined, nil); err != nil {
		return e.fail("decline_request", "Failed to decline chat request", storeFailure("update chat request", err))
	}

	e.update(func(s State) State { return s.withRequestStatus(requestID, models.RequestDeclined) })
	e.log.Info().Str("request_id", requestID).Msg("Chat request declined")
	e.notify(models.LevelSuccess, "Chat request declined")
	return nil
}

// ReloadRequests replaces the local request collection with the store's view.
func (e *Engine) ReloadRequests(ctx context.Context) (err error) {
	defer func() { e.metrics.ObserveOperation("reload_requests", err) }()

	user, err := e.currentUser(ctx)
	if err != nil {
		return err
	}
	rows, err := e.stores.Requests.ListByUser(ctx, user.ID)
	if err != nil {
		return e.fail("reload_requests", "Failed to load chat requests", storeFailure("list chat requests", err))
	}

	names := map[string]string{user.ID: user.DisplayName}
	resolve := func(id, known string) string {
		if known != "" {
			return known
		}
		if name, ok := names[id]; ok && name != "" {
			return name
		}
		name := e.displayName(ctx, id)
		names[id] = name
		return name
	}

	reqs := make([]models.ChatRequest, 0, len(rows))
	for _, r := range rows {
		req := *r
		req.SenderName = resolve(req.SenderID, req.SenderName)
		req.RecipientName = resolve(req.RecipientID, req.RecipientName)
		reqs = append(reqs, req)
	}

	e.update(func(s State) State { return s.withRequests(reqs) })
	return nil
}
