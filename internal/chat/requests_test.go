package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"proximichat/internal/models"
	"proximichat/internal/store/memstore"
)

func TestCreateRequestReturnsExistingPending(t *testing.T) {
	w := newWorld()
	a := w.client(t, "user-a", "Alice")
	b := w.client(t, "user-b", "Bob")
	ctx := context.Background()

	first, created, err := a.engine.SubmitRequest(ctx, b.user.ID, "Bob", nil)
	if err != nil {
		t.Fatalf("first SubmitRequest: %v", err)
	}
	if !created {
		t.Error("first submit should write a request")
	}
	second, created, err := a.engine.SubmitRequest(ctx, b.user.ID, "Bob", nil)
	if err != nil {
		t.Fatalf("second SubmitRequest: %v", err)
	}
	if created {
		t.Error("second submit should reuse the pending request")
	}
	if first != second {
		t.Errorf("expected same request id, got %q and %q", first, second)
	}
	if !a.rec.has("Chat request already sent") {
		t.Error("expected an already-sent notification")
	}

	// The pair is unordered.
	reverse, err := b.engine.CreateRequest(ctx, a.user.ID, "Alice", nil)
	if err != nil {
		t.Fatalf("reverse CreateRequest: %v", err)
	}
	if reverse != first {
		t.Errorf("expected reverse request to reuse %q, got %q", first, reverse)
	}
	if got := w.store.Calls(memstore.OpCreateRequest); got != 1 {
		t.Errorf("expected 1 insert, got %d", got)
	}

	req, ok := a.engine.Snapshot().Request(first)
	if !ok {
		t.Fatal("request missing from local state")
	}
	if req.Status != models.RequestPending {
		t.Errorf("expected pending, got %s", req.Status)
	}
	if len(a.engine.Snapshot().Requests) != 1 {
		t.Errorf("expected one local request, got %d", len(a.engine.Snapshot().Requests))
	}
}

func TestCreateRequestValidation(t *testing.T) {
	tests := []struct {
		name      string
		self      string
		recipient string
		loc       *models.Location
		signedOut bool
		want      error
	}{
		{name: "self", self: "Alice", recipient: "user-a", want: ErrValidation},
		{name: "empty recipient", self: "Alice", recipient: "", want: ErrValidation},
		{name: "no display name", self: "", recipient: "user-b", want: ErrValidation},
		{name: "bad latitude", self: "Alice", recipient: "user-b", loc: &models.Location{Latitude: 91}, want: ErrValidation},
		{name: "signed out", self: "Alice", recipient: "user-b", signedOut: true, want: ErrAuthRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld()
			a := w.client(t, "user-a", tt.self)
			if tt.signedOut {
				a.identity.set(nil)
			}
			_, err := a.engine.CreateRequest(context.Background(), tt.recipient, "Bob", tt.loc)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if w.store.Calls(memstore.OpCreateRequest) != 0 {
				t.Error("store should not be written")
			}
			if !a.rec.has("") {
				t.Error("expected an error notification")
			}
		})
	}
}

func TestCreateRequestRecoversFromConcurrentInsert(t *testing.T) {
	w := newWorld()
	a := w.client(t, "user-a", "Alice")
	ctx := context.Background()

	winner := &models.ChatRequest{SenderID: "user-b", RecipientID: "user-a", Status: models.RequestPending}
	w.store.Before(memstore.OpCreateRequest, func() {
		if err := w.store.Requests().Create(ctx, winner); err != nil {
			t.Errorf("seed winner: %v", err)
		}
	})

	id, err := a.engine.CreateRequest(ctx, "user-b", "Bob", nil)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if id != winner.ID {
		t.Errorf("expected winner id %q, got %q", winner.ID, id)
	}
	reqs, _ := w.store.Requests().ListByUser(ctx, "user-a")
	if len(reqs) != 1 {
		t.Errorf("expected one stored request, got %d", len(reqs))
	}
}

func TestAcceptRequestCreatesSharedConversation(t *testing.T) {
	w := newWorld()
	a := w.client(t, "user-a", "Alice")
	b := w.client(t, "user-b", "Bob")
	ctx := context.Background()

	loc := &models.Location{Latitude: 52.52, Longitude: 13.40, AccuracyMeters: 10}
	reqID, err := a.engine.CreateRequest(ctx, b.user.ID, "Bob", loc)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := b.engine.ReloadRequests(ctx); err != nil {
		t.Fatalf("ReloadRequests: %v", err)
	}
	req, ok := b.engine.Snapshot().Request(reqID)
	if !ok || req.SenderName != "Alice" {
		t.Fatalf("recipient should see the request from Alice, got %+v", req)
	}

	convID, err := b.engine.AcceptRequest(ctx, reqID)
	if err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}

	bs := b.engine.Snapshot()
	req, _ = bs.Request(reqID)
	if req.Status != models.RequestAccepted {
		t.Errorf("expected accepted, got %s", req.Status)
	}
	if req.ConversationID == nil || *req.ConversationID != convID {
		t.Errorf("expected conversation id %q stamped on request", convID)
	}
	conv, ok := bs.Conversation(convID)
	if !ok {
		t.Fatal("conversation missing from recipient state")
	}
	if !conv.IsActive || conv.EndedAt != nil {
		t.Error("new conversation should be active")
	}
	if len(conv.Participants) != 2 || !conv.HasParticipant("user-a") || !conv.HasParticipant("user-b") {
		t.Errorf("expected participants {user-a, user-b}, got %+v", conv.Participants)
	}
	if conv.Location != *loc {
		t.Errorf("expected request location, got %+v", conv.Location)
	}
	if bs.ActiveConversationID != convID {
		t.Errorf("expected %q to be active, got %q", convID, bs.ActiveConversationID)
	}
	if !b.rec.has("Chat request accepted") {
		t.Error("expected accepted notification")
	}

	if err := a.engine.ReloadAll(ctx); err != nil {
		t.Fatalf("sender ReloadAll: %v", err)
	}
	if got := a.engine.Snapshot().ActiveConversationID; got != convID {
		t.Errorf("sender should converge on %q, got %q", convID, got)
	}
}

func TestAcceptRequestIsNotRepeated(t *testing.T) {
	w := newWorld()
	a := w.client(t, "user-a", "Alice")
	b := w.client(t, "user-b", "Bob")
	ctx := context.Background()

	convID := connect(t, a, b)
	reqID := b.engine.Snapshot().Requests[0].ID

	again, err := b.engine.AcceptRequest(ctx, reqID)
	if err != nil {
		t.Fatalf("second AcceptRequest: %v", err)
	}
	if again != convID {
		t.Errorf("expected existing conversation %q, got %q", convID, again)
	}
	if got := w.store.Calls(memstore.OpCreateConversation); got != 1 {
		t.Errorf("expected 1 conversation insert, got %d", got)
	}
}

func TestAcceptDeclinedRequestFails(t *testing.T) {
	w := newWorld()
	a := w.client(t, "user-a", "Alice")
	b := w.client(t, "user-b", "Bob")
	ctx := context.Background()

	reqID, _ := a.engine.CreateRequest(ctx, b.user.ID, "Bob", nil)
	_ = b.engine.ReloadRequests(ctx)
	if err := b.engine.DeclineRequest(ctx, reqID); err != nil {
		t.Fatalf("DeclineRequest: %v", err)
	}

	_, err := b.engine.AcceptRequest(ctx, reqID)
	if !errors.Is(err, ErrRequestClosed) {
		t.Fatalf("expected ErrRequestClosed, got %v", err)
	}
	if w.store.Calls(memstore.OpCreateConversation) != 0 {
		t.Error("no conversation should be created")
	}
}

func TestAcceptLosesToConcurrentDecline(t *testing.T) {
	w := newWorld()
	a := w.client(t, "user-a", "Alice")
	b := w.client(t, "user-b", "Bob")
	ctx := context.Background()

	reqID, _ := a.engine.CreateRequest(ctx, b.user.ID, "Bob", nil)
	_ = b.engine.ReloadRequests(ctx)

	// Another device of the recipient declines between the local check and
	// the status update.
	w.store.Before(memstore.OpUpdateRequest, func() {
		if err := w.store.Requests().UpdateStatus(ctx, reqID, models.RequestDeclined, nil); err != nil {
			t.Errorf("UpdateStatus: %v", err)
		}
	})

	_, err := b.engine.AcceptRequest(ctx, reqID)
	if !errors.Is(err, ErrRequestClosed) {
		t.Fatalf("expected ErrRequestClosed, got %v", err)
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		t.Errorf("a lost race is not a store failure, got stage %s", stageErr.Stage)
	}
	req, ok := b.engine.Snapshot().Request(reqID)
	if !ok || req.Status != models.RequestDeclined {
		t.Errorf("expected local request reloaded as declined, got %+v", req)
	}
}

func TestAcceptRequestChecks(t *testing.T) {
	w := newWorld()
	a := w.client(t, "user-a", "Alice")
	b := w.client(t, "user-b", "Bob")
	ctx := context.Background()

	reqID, _ := a.engine.CreateRequest(ctx, b.user.ID, "Bob", nil)

	if _, err := a.engine.AcceptRequest(ctx, reqID); !errors.Is(err, ErrValidation) {
		t.Errorf("sender accept: expected ErrValidation, got %v", err)
	}
	if _, err := b.engine.AcceptRequest(ctx, reqID); !errors.Is(err, ErrNotFound) {
		t.Errorf("unloaded request: expected ErrNotFound, got %v", err)
	}
	if w.store.Calls(memstore.OpCreateConversation) != 0 {
		t.Error("no conversation should be created")
	}
}

func TestAcceptRequestStageFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name  string
		setup func(st *memstore.Store)
		stage AcceptStage
		conv  bool
	}{
		{
			name:  "create conversation",
			setup: func(st *memstore.Store) { st.Fail(memstore.OpCreateConversation, boom) },
			stage: StageCreateConversation,
		},
		{
			name:  "mark accepted",
			setup: func(st *memstore.Store) { st.Fail(memstore.OpUpdateRequest, boom) },
			stage: StageMarkAccepted,
			conv:  true,
		},
		{
			name:  "add recipient",
			setup: func(st *memstore.Store) { st.Fail(memstore.OpAddParticipant, boom) },
			stage: StageAddRecipient,
			conv:  true,
		},
		{
			name: "add sender",
			setup: func(st *memstore.Store) {
				st.Before(memstore.OpAddParticipant, func() {
					st.Before(memstore.OpAddParticipant, func() { st.Fail(memstore.OpAddParticipant, boom) })
				})
			},
			stage: StageAddSender,
			conv:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorld()
			a := w.client(t, "user-a", "Alice")
			b := w.client(t, "user-b", "Bob")
			ctx := context.Background()

			reqID, _ := a.engine.CreateRequest(ctx, b.user.ID, "Bob", nil)
			_ = b.engine.ReloadRequests(ctx)
			tt.setup(w.store)

			_, err := b.engine.AcceptRequest(ctx, reqID)
			var serr *StageError
			if !errors.As(err, &serr) {
				t.Fatalf("expected *StageError, got %v", err)
			}
			if serr.Stage != tt.stage {
				t.Errorf("expected stage %s, got %s", tt.stage, serr.Stage)
			}
			if tt.conv && serr.ConversationID == "" {
				t.Error("expected the created conversation id on the error")
			}
			if !errors.Is(err, ErrStoreFailure) || !errors.Is(err, boom) {
				t.Errorf("expected error to wrap ErrStoreFailure and the cause, got %v", err)
			}
			if !b.rec.has("Error accepting chat request") {
				t.Error("expected error notification")
			}
		})
	}
}

func TestAcceptRequestConcurrentCallsShareOneRun(t *testing.T) {
	w := newWorld()
	a := w.client(t, "user-a", "Alice")
	b := w.client(t, "user-b", "Bob")
	ctx := context.Background()

	reqID, _ := a.engine.CreateRequest(ctx, b.user.ID, "Bob", nil)
	_ = b.engine.ReloadRequests(ctx)

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = b.engine.AcceptRequest(ctx, reqID)
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("call %d returned %q, want %q", i, ids[i], ids[0])
		}
	}
	if got := w.store.Calls(memstore.OpCreateConversation); got != 1 {
		t.Errorf("expected 1 conversation insert, got %d", got)
	}
}

func TestDeclineRequest(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		w := newWorld()
		a := w.client(t, "user-a", "Alice")
		b := w.client(t, "user-b", "Bob")
		ctx := context.Background()

		reqID, _ := a.engine.CreateRequest(ctx, b.user.ID, "Bob", nil)
		_ = b.engine.ReloadRequests(ctx)
		if err := b.engine.DeclineRequest(ctx, reqID); err != nil {
			t.Fatalf("DeclineRequest: %v", err)
		}
		req, _ := b.engine.Snapshot().Request(reqID)
		if req.Status != models.RequestDeclined {
			t.Errorf("expected declined, got %s", req.Status)
		}
		if err := b.engine.DeclineRequest(ctx, reqID); !errors.Is(err, ErrRequestClosed) {
			t.Errorf("second decline: expected ErrRequestClosed, got %v", err)
		}
	})

	t.Run("store failure keeps pending", func(t *testing.T) {
		w := newWorld()
		a := w.client(t, "user-a", "Alice")
		b := w.client(t, "user-b", "Bob")
		ctx := context.Background()

		reqID, _ := a.engine.CreateRequest(ctx, b.user.ID, "Bob", nil)
		_ = b.engine.ReloadRequests(ctx)
		w.store.Fail(memstore.OpUpdateRequest, errors.New("offline"))

		if err := b.engine.DeclineRequest(ctx, reqID); !errors.Is(err, ErrStoreFailure) {
			t.Fatalf("expected ErrStoreFailure, got %v", err)
		}
		req, _ := b.engine.Snapshot().Request(reqID)
		if req.Status != models.RequestPending {
			t.Errorf("expected pending, got %s", req.Status)
		}
		if !b.rec.has("Failed to decline chat request") {
			t.Error("expected error notification")
		}
	})
}

func TestReloadRequestsFallsBackToUnknownUser(t *testing.T) {
	w := newWorld()
	b := w.client(t, "user-b", "Bob")
	ctx := context.Background()

	// Sender without a profile row.
	req := &models.ChatRequest{SenderID: "ghost", RecipientID: "user-b"}
	if err := w.store.Requests().Create(ctx, req); err != nil {
		t.Fatal(err)
	}
	if err := b.engine.ReloadRequests(ctx); err != nil {
		t.Fatalf("ReloadRequests: %v", err)
	}
	got, ok := b.engine.Snapshot().Request(req.ID)
	if !ok {
		t.Fatal("request not loaded")
	}
	if got.SenderName != models.UnknownUserName {
		t.Errorf("expected %q, got %q", models.UnknownUserName, got.SenderName)
	}
	if got.RecipientName != "Bob" {
		t.Errorf("expected own name, got %q", got.RecipientName)
	}
}
