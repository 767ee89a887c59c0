package repository

import (
	"context"
	"testing"
	"time"

	"proximichat/internal/models"
	"proximichat/internal/store"
)

type stubMessages struct {
	msgs  map[string]*models.Message
	calls int
}

func (s *stubMessages) GetByID(ctx context.Context, id string) (*models.Message, error) {
	s.calls++
	m, ok := s.msgs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m, nil
}

func receive(t *testing.T, sub store.Subscription) store.ChangeEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	return store.ChangeEvent{}
}

func expectNothing(t *testing.T, sub store.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestFeedDispatchRequests(t *testing.T) {
	f := NewFeed(nil, &stubMessages{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recipient, _ := f.Subscribe(ctx, "u-b", store.TableRequests, store.AllEvents)
	outsider, _ := f.Subscribe(ctx, "u-c", store.TableRequests, store.AllEvents)

	f.dispatch(ctx, `{"table":"chat_requests","op":"INSERT","id":"r1","sender_id":"u-a","recipient_id":"u-b","status":"pending","conversation_id":null,"participants":["u-a","u-b"]}`)

	ev := receive(t, recipient)
	if ev.Table != store.TableRequests || ev.Event != store.EventInsert {
		t.Errorf("unexpected event kind %+v", ev)
	}
	if ev.Request == nil || ev.Request.ID != "r1" || ev.Request.RecipientID != "u-b" || ev.Request.Status != models.RequestPending {
		t.Errorf("unexpected request %+v", ev.Request)
	}
	if ev.Request.ConversationID != nil {
		t.Error("pending request should not carry a conversation id")
	}
	expectNothing(t, outsider)

	f.dispatch(ctx, `{"table":"chat_requests","op":"UPDATE","id":"r1","sender_id":"u-a","recipient_id":"u-b","status":"accepted","conversation_id":"c1","participants":["u-a","u-b"]}`)
	ev = receive(t, recipient)
	if ev.Request.ConversationID == nil || *ev.Request.ConversationID != "c1" {
		t.Errorf("expected conversation c1, got %+v", ev.Request)
	}
}

func TestFeedDispatchRespectsMask(t *testing.T) {
	f := NewFeed(nil, &stubMessages{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, _ := f.Subscribe(ctx, "u-a", store.TableConversations, store.EventUpdate|store.EventDelete)

	f.dispatch(ctx, `{"table":"conversations","op":"INSERT","id":"c1","participants":["u-a"]}`)
	expectNothing(t, sub)

	f.dispatch(ctx, `{"table":"conversations","op":"DELETE","id":"c1","conversation_id":"c1","participants":["u-a","u-b"]}`)
	ev := receive(t, sub)
	if ev.Event != store.EventDelete || ev.ConversationID != "c1" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestFeedDispatchParticipantJoin(t *testing.T) {
	f := NewFeed(nil, &stubMessages{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, _ := f.Subscribe(ctx, "u-a", store.TableConversations, store.AllEvents)

	// Before the sender joins it is not in the audience.
	f.dispatch(ctx, `{"table":"conversations","op":"INSERT","id":"c1","conversation_id":"c1","participants":["u-b"]}`)
	expectNothing(t, sub)

	f.dispatch(ctx, `{"table":"conversations","op":"INSERT","id":"c1","conversation_id":"c1","participants":["u-b","u-a"]}`)
	ev := receive(t, sub)
	if ev.Event != store.EventInsert || ev.ConversationID != "c1" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestFeedDispatchLoadsMessages(t *testing.T) {
	body := "hi"
	msgs := &stubMessages{msgs: map[string]*models.Message{
		"m1": {ID: "m1", ConversationID: "c1", UserID: "u-b", Content: &body},
	}}
	f := NewFeed(nil, msgs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Nobody listens yet: the row is not loaded.
	f.dispatch(ctx, `{"table":"messages","op":"INSERT","id":"m1","conversation_id":"c1","participants":["u-a","u-b"]}`)
	if msgs.calls != 0 {
		t.Errorf("expected no lookup without subscribers, got %d", msgs.calls)
	}

	sub, _ := f.Subscribe(ctx, "u-a", store.TableMessages, store.EventInsert)
	f.dispatch(ctx, `{"table":"messages","op":"INSERT","id":"m1","conversation_id":"c1","participants":["u-a","u-b"]}`)
	ev := receive(t, sub)
	if ev.Message == nil || ev.Message.ID != "m1" || ev.ConversationID != "c1" {
		t.Errorf("unexpected event %+v", ev)
	}

	// A row that vanished before it was read is dropped.
	f.dispatch(ctx, `{"table":"messages","op":"INSERT","id":"gone","conversation_id":"c1","participants":["u-a"]}`)
	expectNothing(t, sub)
}

func TestFeedDispatchDropsMalformed(t *testing.T) {
	f := NewFeed(nil, &stubMessages{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, _ := f.Subscribe(ctx, "u-a", store.TableRequests, store.AllEvents)

	payloads := []string{
		`not json`,
		`{"table":"chat_requests","op":"TRUNCATE","id":"r1","participants":["u-a"]}`,
		`{"table":"chat_requests","op":"INSERT","id":"r1","status":"maybe","participants":["u-a"]}`,
	}
	for _, p := range payloads {
		f.dispatch(ctx, p)
	}
	expectNothing(t, sub)
}

func TestFeedSubscriptionClose(t *testing.T) {
	f := NewFeed(nil, &stubMessages{})
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := f.Subscribe(ctx, "u-a", store.TableRequests, store.AllEvents)
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel")
	}

	// Cancelling after Close must not panic.
	cancel()
	time.Sleep(10 * time.Millisecond)

	f.mu.Lock()
	n := len(f.subs)
	f.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no subscribers, got %d", n)
	}
}
