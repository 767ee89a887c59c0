package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"proximichat/internal/metrics"
	"proximichat/internal/models"
	"proximichat/internal/store/memstore"

	"github.com/rs/zerolog"
)

type fakeIdentity struct {
	mu   sync.Mutex
	user *models.User
}

func (f *fakeIdentity) CurrentUser(ctx context.Context) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.user == nil {
		return nil, nil
	}
	u := *f.user
	return &u, nil
}

func (f *fakeIdentity) set(u *models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = u
}

type recorder struct {
	mu     sync.Mutex
	notes  []models.Notification
	states int
}

func (r *recorder) StateChanged(State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states++
}

func (r *recorder) Notify(n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

// has reports whether a notification starting with prefix was raised.
func (r *recorder) has(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if strings.HasPrefix(n.Message, prefix) {
			return true
		}
	}
	return false
}

func (r *recorder) count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if strings.HasPrefix(note.Message, prefix) {
			n++
		}
	}
	return n
}

// clock hands out strictly increasing timestamps.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type world struct {
	store *memstore.Store
	clock *clock
}

func newWorld() *world {
	w := &world{store: memstore.New(), clock: newClock()}
	w.store.SetClock(w.clock.Now)
	return w
}

type client struct {
	user     models.User
	identity *fakeIdentity
	rec      *recorder
	metrics  *metrics.Metrics
	engine   *Engine
}

func (w *world) client(t *testing.T, id, name string) *client {
	t.Helper()
	if name != "" {
		w.store.SetDisplayName(id, name)
	}
	u := models.User{ID: id, DisplayName: name}
	c := &client{user: u, identity: &fakeIdentity{user: &u}, rec: &recorder{}, metrics: metrics.New()}
	c.engine = NewEngine(Config{
		Stores: Stores{
			Requests:      w.store.Requests(),
			Conversations: w.store.Conversations(),
			Messages:      w.store.Messages(),
			Profiles:      w.store.Profiles(),
			Feed:          w.store,
		},
		Identity: c.identity,
		Observer: c.rec,
		Metrics:  c.metrics,
		Logger:   zerolog.Nop(),
		Now:      w.clock.Now,
	})
	return c
}

// connect runs the accept handshake from a to b and returns the conversation id.
func connect(t *testing.T, a, b *client) string {
	t.Helper()
	ctx := context.Background()
	reqID, err := a.engine.CreateRequest(ctx, b.user.ID, b.user.DisplayName, nil)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if err := b.engine.ReloadRequests(ctx); err != nil {
		t.Fatalf("ReloadRequests: %v", err)
	}
	convID, err := b.engine.AcceptRequest(ctx, reqID)
	if err != nil {
		t.Fatalf("AcceptRequest: %v", err)
	}
	if err := a.engine.ReloadAll(ctx); err != nil {
		t.Fatalf("ReloadAll: %v", err)
	}
	return convID
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func strPtr(s string) *string { return &s }

func countMessages(conv models.Conversation, id string) int {
	n := 0
	for _, m := range conv.Messages {
		if m.ID == id {
			n++
		}
	}
	return n
}
