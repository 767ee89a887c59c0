// Package memstore is an in-process store with the same contract as the
// Postgres repository, including the per-user change feeds. Faults can be
// injected per operation.
package memstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"proximichat/internal/models"
	"proximichat/internal/store"

	"github.com/google/uuid"
)

// Operation names accepted by Fail and Before.
const (
	OpFindPending        = "requests.find_pending"
	OpCreateRequest      = "requests.create"
	OpUpdateRequest      = "requests.update_status"
	OpListRequests       = "requests.list"
	OpCreateConversation = "conversations.create"
	OpEndConversation    = "conversations.end"
	OpDeleteConversation = "conversations.delete"
	OpAddParticipant     = "conversations.add_participant"
	OpListConversations  = "conversations.list"
	OpParticipants       = "conversations.participants"
	OpCreateMessage      = "messages.create"
	OpListMessages       = "messages.list"
	OpDisplayName        = "profiles.display_name"
	OpSubscribe          = "feed.subscribe"
)

const feedBuffer = 256

type conversationRow struct {
	conv         models.Conversation
	participants []string
}

// Store holds every table in memory.
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	profiles      map[string]string
	requests      map[string]*models.ChatRequest
	conversations map[string]*conversationRow
	messages      map[string][]models.Message
	subs          map[*subscription]struct{}
	faults        map[string]error
	hooks         map[string]func()
	calls         map[string]int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		now:           time.Now,
		profiles:      make(map[string]string),
		requests:      make(map[string]*models.ChatRequest),
		conversations: make(map[string]*conversationRow),
		messages:      make(map[string][]models.Message),
		subs:          make(map[*subscription]struct{}),
		faults:        make(map[string]error),
		hooks:         make(map[string]func()),
		calls:         make(map[string]int),
	}
}

// SetClock replaces the clock used for server-assigned timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetDisplayName creates or renames a profile.
func (s *Store) SetDisplayName(userID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[userID] = name
}

// Fail makes every later call of op return err until Heal is called.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// Heal clears an injected fault.
func (s *Store) Heal(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.faults, op)
}

// Before runs fn at the start of the next call of op, before the store does
// anything. The hook fires once.
func (s *Store) Before(op string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[op] = fn
}

// Calls reports how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// enter counts the call, runs a pending hook and returns the injected fault.
// On success the store lock is held and must be released by the caller.
func (s *Store) enter(op string) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hooks[op]
	delete(s.hooks, op)
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	s.mu.Lock()
	if err := s.faults[op]; err != nil {
		s.mu.Unlock()
		return err
	}
	return nil
}

// Requests returns the chat request table.
func (s *Store) Requests() *Requests { return &Requests{s: s} }

// Conversations returns the conversation and participant tables.
func (s *Store) Conversations() *Conversations { return &Conversations{s: s} }

// Messages returns the message table.
func (s *Store) Messages() *Messages { return &Messages{s: s} }

// Profiles returns the profile table.
func (s *Store) Profiles() *Profiles { return &Profiles{s: s} }

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// Requests implements the chat request table.
type Requests struct{ s *Store }

func (r *Requests) FindPending(ctx context.Context, a, b string) (*models.ChatRequest, error) {
	s := r.s
	if err := s.enter(OpFindPending); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if p := s.pendingLocked(a, b); p != nil {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) pendingLocked(a, b string) *models.ChatRequest {
	for _, req := range s.requests {
		if req.Status != models.RequestPending {
			continue
		}
		if (req.SenderID == a && req.RecipientID == b) || (req.SenderID == b && req.RecipientID == a) {
			return req
		}
	}
	return nil
}

func (r *Requests) Create(ctx context.Context, req *models.ChatRequest) error {
	s := r.s
	if err := s.enter(OpCreateRequest); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if req.Status == "" {
		req.Status = models.RequestPending
	}
	if req.Status == models.RequestPending && s.pendingLocked(req.SenderID, req.RecipientID) != nil {
		return store.ErrDuplicatePending
	}
	req.ID = uuid.NewString()
	req.CreatedAt = s.now()
	row := *req
	s.requests[row.ID] = &row
	s.publishRequestLocked(store.EventInsert, row)
	return nil
}

func (r *Requests) UpdateStatus(ctx context.Context, id string, status models.RequestStatus, conversationID *string) error {
	s := r.s
	if err := s.enter(OpUpdateRequest); err != nil {
		return err
	}
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return store.ErrNotFound
	}
	if req.Status != models.RequestPending {
		return store.ErrNotPending
	}
	if status == models.RequestAccepted && conversationID == nil {
		return errors.New("accepted request needs a conversation id")
	}
	req.Status = status
	req.ConversationID = nil
	if conversationID != nil {
		id := *conversationID
		req.ConversationID = &id
	}
	s.publishRequestLocked(store.EventUpdate, *req)
	return nil
}

func (r *Requests) ListByUser(ctx context.Context, userID string) ([]*models.ChatRequest, error) {
	s := r.s
	if err := s.enter(OpListRequests); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*models.ChatRequest
	for _, req := range s.requests {
		if req.Involves(userID) {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// Conversations implements the conversation and participant tables.
type Conversations struct{ s *Store }

func (c *Conversations) Create(ctx context.Context, conv *models.Conversation) error {
	s := c.s
	if err := s.enter(OpCreateConversation); err != nil {
		return err
	}
	defer s.mu.Unlock()

	conv.ID = uuid.NewString()
	if conv.StartedAt.IsZero() {
		conv.StartedAt = s.now()
	}
	row := *conv
	row.Participants = nil
	row.Messages = nil
	s.conversations[row.ID] = &conversationRow{conv: row}
	return nil
}

func (c *Conversations) End(ctx context.Context, id string, endedAt time.Time) error {
	s := c.s
	if err := s.enter(OpEndConversation); err != nil {
		return err
	}
	defer s.mu.Unlock()

	row, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	if row.conv.EndedAt == nil {
		row.conv.EndedAt = &endedAt
	}
	row.conv.IsActive = false
	s.publishConversationLocked(store.EventUpdate, row)
	return nil
}

func (c *Conversations) Delete(ctx context.Context, id string) error {
	s := c.s
	if err := s.enter(OpDeleteConversation); err != nil {
		return err
	}
	defer s.mu.Unlock()

	row, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	s.publishConversationLocked(store.EventDelete, row)
	return nil
}

func (c *Conversations) AddParticipant(ctx context.Context, conversationID, userID string) error {
	s := c.s
	if err := s.enter(OpAddParticipant); err != nil {
		return err
	}
	defer s.mu.Unlock()

	row, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	if !slices.Contains(row.participants, userID) {
		row.participants = append(row.participants, userID)
		s.publishConversationLocked(store.EventInsert, row)
	}
	return nil
}

func (c *Conversations) ListByUser(ctx context.Context, userID string) ([]*models.Conversation, error) {
	s := c.s
	if err := s.enter(OpListConversations); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*models.Conversation
	for _, row := range s.conversations {
		if slices.Contains(row.participants, userID) {
			cp := row.conv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (c *Conversations) Participants(ctx context.Context, conversationID string) ([]string, error) {
	s := c.s
	if err := s.enter(OpParticipants); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	row, ok := s.conversations[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slices.Clone(row.participants), nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Messages implements the message table.
type Messages struct{ s *Store }

func (m *Messages) Create(ctx context.Context, msg *models.Message) error {
	s := m.s
	if err := s.enter(OpCreateMessage); err != nil {
		return err
	}
	defer s.mu.Unlock()

	row, ok := s.conversations[msg.ConversationID]
	if !ok {
		return store.ErrNotFound
	}
	if msg.Content == nil && msg.ImageURL == nil {
		return errors.New("message needs content or an image")
	}
	msg.ID = uuid.NewString()
	msg.Timestamp = s.now()
	msg.Provisional = false
	msg.Failed = false
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)

	cp := *msg
	s.publishLocked(store.TableMessages, store.EventInsert, row.participants, store.ChangeEvent{
		ConversationID: msg.ConversationID,
		Message:        &cp,
	})
	return nil
}

func (m *Messages) ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	s := m.s
	if err := s.enter(OpListMessages); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := slices.Clone(s.messages[conversationID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

// Profiles implements display name lookup.
type Profiles struct{ s *Store }

func (p *Profiles) DisplayName(ctx context.Context, userID string) (string, error) {
	s := p.s
	if err := s.enter(OpDisplayName); err != nil {
		return "", err
	}
	defer s.mu.Unlock()

	name, ok := s.profiles[userID]
	if !ok {
		return "", store.ErrNotFound
	}
	return name, nil
}

// ---------------------------------------------------------------------------
// Change feed
// ---------------------------------------------------------------------------

type subscription struct {
	s      *Store
	userID string
	table  store.Table
	mask   store.EventMask
	ch     chan store.ChangeEvent
	closed bool
}

func (sub *subscription) Events() <-chan store.ChangeEvent { return sub.ch }

func (sub *subscription) Close() error {
	sub.s.mu.Lock()
	defer sub.s.mu.Unlock()
	sub.closeLocked()
	return nil
}

func (sub *subscription) closeLocked() {
	if sub.closed {
		return
	}
	sub.closed = true
	delete(sub.s.subs, sub)
	close(sub.ch)
}

// Subscribe opens a change feed for rows visible to userID. The feed closes
// when ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context, userID string, table store.Table, mask store.EventMask) (store.Subscription, error) {
	if err := s.enter(OpSubscribe); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	sub := &subscription{
		s:      s,
		userID: userID,
		table:  table,
		mask:   mask,
		ch:     make(chan store.ChangeEvent, feedBuffer),
	}
	s.subs[sub] = struct{}{}
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

// Subscribers reports how many feeds are open for userID.
func (s *Store) Subscribers(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sub := range s.subs {
		if sub.userID == userID {
			n++
		}
	}
	return n
}

func (s *Store) publishRequestLocked(ev store.Event, req models.ChatRequest) {
	s.publishLocked(store.TableRequests, ev, []string{req.SenderID, req.RecipientID}, store.ChangeEvent{Request: &req})
}

func (s *Store) publishConversationLocked(ev store.Event, row *conversationRow) {
	s.publishLocked(store.TableConversations, ev, row.participants, store.ChangeEvent{ConversationID: row.conv.ID})
}

func (s *Store) publishLocked(table store.Table, ev store.Event, audience []string, payload store.ChangeEvent) {
	payload.Table = table
	payload.Event = ev
	for sub := range s.subs {
		if sub.table != table || sub.mask&ev == 0 || !slices.Contains(audience, sub.userID) {
			continue
		}
		select {
		case sub.ch <- payload:
		default:
			// A stalled consumer loses events; the periodic reload catches up.
		}
	}
}
