package chat

import (
	"slices"
	"strings"
	"time"

	"proximichat/internal/models"
)

// State is the local view of one signed-in user. Values are never mutated in
// place: every reducer below returns a new State whose changed slices are
// fresh copies, so a published State can be read without locking.
type State struct {
	Conversations        []models.Conversation `json:"conversations"`
	ActiveConversationID string                `json:"active_conversation_id,omitempty"`
	Requests             []models.ChatRequest  `json:"requests"`
}

// Conversation looks up a conversation by id.
func (s State) Conversation(id string) (models.Conversation, bool) {
	i := s.conversationIndex(id)
	if i < 0 {
		return models.Conversation{}, false
	}
	return s.Conversations[i], true
}

// Request looks up a chat request by id.
func (s State) Request(id string) (models.ChatRequest, bool) {
	i := s.requestIndex(id)
	if i < 0 {
		return models.ChatRequest{}, false
	}
	return s.Requests[i], true
}

// ActiveConversation returns the conversation selected for display.
func (s State) ActiveConversation() (models.Conversation, bool) {
	if s.ActiveConversationID == "" {
		return models.Conversation{}, false
	}
	return s.Conversation(s.ActiveConversationID)
}

func (s State) conversationIndex(id string) int {
	return slices.IndexFunc(s.Conversations, func(c models.Conversation) bool { return c.ID == id })
}

func (s State) requestIndex(id string) int {
	return slices.IndexFunc(s.Requests, func(r models.ChatRequest) bool { return r.ID == id })
}

// clone returns a deep copy safe to hand to callers that may mutate it.
func (s State) clone() State {
	out := State{ActiveConversationID: s.ActiveConversationID}
	out.Requests = slices.Clone(s.Requests)
	out.Conversations = make([]models.Conversation, len(s.Conversations))
	for i, c := range s.Conversations {
		c.Participants = slices.Clone(c.Participants)
		c.Messages = slices.Clone(c.Messages)
		out.Conversations[i] = c
	}
	return out
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func (s State) withRequests(reqs []models.ChatRequest) State {
	s.Requests = slices.Clone(reqs)
	return s
}

func (s State) withRequest(req models.ChatRequest) State {
	reqs := slices.Clone(s.Requests)
	if i := s.requestIndex(req.ID); i >= 0 {
		reqs[i] = req
	} else {
		reqs = append(reqs, req)
	}
	s.Requests = reqs
	return s
}

func (s State) withRequestStatus(id string, status models.RequestStatus) State {
	i := s.requestIndex(id)
	if i < 0 {
		return s
	}
	req := s.Requests[i]
	req.Status = status
	return s.withRequest(req)
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func (s State) withConversations(convs []models.Conversation) State {
	s.Conversations = slices.Clone(convs)
	return s.reselectActive()
}

func (s State) replaceConversation(i int, c models.Conversation) State {
	convs := slices.Clone(s.Conversations)
	convs[i] = c
	s.Conversations = convs
	return s
}

func (s State) withEnded(id string, endedAt time.Time) State {
	i := s.conversationIndex(id)
	if i < 0 {
		return s
	}
	c := s.Conversations[i]
	if c.EndedAt == nil {
		c.EndedAt = &endedAt
	}
	c.IsActive = false
	s = s.replaceConversation(i, c)
	if s.ActiveConversationID == id {
		s.ActiveConversationID = ""
	}
	return s.reselectActive()
}

func (s State) withoutConversation(id string) State {
	i := s.conversationIndex(id)
	if i < 0 {
		return s
	}
	s.Conversations = slices.Delete(slices.Clone(s.Conversations), i, i+1)
	if s.ActiveConversationID == id {
		s.ActiveConversationID = ""
	}
	return s.reselectActive()
}

// reselectActive keeps the active pointer on a live conversation. When it
// points nowhere useful the most recently started active conversation takes
// over; with none left the pointer is cleared.
func (s State) reselectActive() State {
	if s.ActiveConversationID != "" {
		if c, ok := s.Conversation(s.ActiveConversationID); ok && c.IsActive {
			return s
		}
	}
	s.ActiveConversationID = ""
	var newest time.Time
	for _, c := range s.Conversations {
		if !c.IsActive {
			continue
		}
		if s.ActiveConversationID == "" || c.StartedAt.After(newest) {
			s.ActiveConversationID = c.ID
			newest = c.StartedAt
		}
	}
	return s
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s State) withMessages(i int, msgs []models.Message) State {
	c := s.Conversations[i]
	c.Messages = msgs
	return s.replaceConversation(i, c)
}

func (s State) withProvisional(convID string, m models.Message) State {
	i := s.conversationIndex(convID)
	if i < 0 {
		return s
	}
	msgs := slices.Clone(s.Conversations[i].Messages)
	msgs = append(msgs, m)
	return s.withMessages(i, msgs)
}

// withConfirmed swaps a provisional entry for its stored counterpart in the
// same position. If the provisional entry is gone (a reload replaced the
// collection) the confirmed message is inserted unless already present.
func (s State) withConfirmed(convID, tempID string, confirmed models.Message) State {
	i := s.conversationIndex(convID)
	if i < 0 {
		return s
	}
	current := s.Conversations[i].Messages
	temp := indexOfMessage(current, tempID)
	existing := indexOfMessage(current, confirmed.ID)

	msgs := slices.Clone(current)
	switch {
	case temp >= 0 && existing >= 0:
		msgs = slices.Delete(msgs, temp, temp+1)
	case temp >= 0:
		msgs[temp] = confirmed
	case existing >= 0:
		return s
	default:
		msgs = insertByTimestamp(msgs, confirmed)
	}
	return s.withMessages(i, msgs)
}

func (s State) withFailed(convID, tempID string) State {
	i := s.conversationIndex(convID)
	if i < 0 {
		return s
	}
	j := indexOfMessage(s.Conversations[i].Messages, tempID)
	if j < 0 {
		return s
	}
	msgs := slices.Clone(s.Conversations[i].Messages)
	msgs[j].Failed = true
	return s.withMessages(i, msgs)
}

type mergeOutcome int

const (
	mergeApplied mergeOutcome = iota
	mergeDuplicate
	mergeEcho
	mergeUnknownConversation
)

// withRemote merges a message delivered by the change feed. Duplicate ids and
// echoes of our own provisional sends are dropped.
func (s State) withRemote(m models.Message) (State, mergeOutcome) {
	i := s.conversationIndex(m.ConversationID)
	if i < 0 {
		return s, mergeUnknownConversation
	}
	current := s.Conversations[i].Messages
	if indexOfMessage(current, m.ID) >= 0 {
		return s, mergeDuplicate
	}
	for j := range current {
		local := &current[j]
		if isProvisionalID(local.ID) && local.UserID == m.UserID && local.SameBody(&m) {
			return s, mergeEcho
		}
	}
	return s.withMessages(i, insertByTimestamp(slices.Clone(current), m)), mergeApplied
}

func indexOfMessage(msgs []models.Message, id string) int {
	return slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == id })
}

// insertByTimestamp places m after every message with an equal or earlier
// timestamp, so ties keep arrival order.
func insertByTimestamp(msgs []models.Message, m models.Message) []models.Message {
	pos := len(msgs)
	for pos > 0 && msgs[pos-1].Timestamp.After(m.Timestamp) {
		pos--
	}
	return slices.Insert(msgs, pos, m)
}

func isProvisionalID(id string) bool {
	return strings.HasPrefix(id, models.ProvisionalPrefix)
}
