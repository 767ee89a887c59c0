package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proximichat/internal/metrics"
	"proximichat/internal/models"
	"proximichat/internal/store"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often pending requests are re-read when no
// interval is configured.
const DefaultPollInterval = 30 * time.Second

// SessionConfig configures a Session.
type SessionConfig struct {
	Engine       *Engine
	PollInterval time.Duration
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Session keeps one engine in step with the store. It owns the change feed
// subscriptions, their consumer goroutines and the periodic request poll.
// At most one subscription set is live at a time.
type Session struct {
	engine       *Engine
	pollInterval time.Duration
	metrics      *metrics.Metrics
	log          zerolog.Logger

	mu      sync.Mutex
	// userID is written only while no consumer is running.
	userID  string
	cancel  context.CancelFunc
	subs    []store.Subscription
	poller  *cron.Cron
	wg      sync.WaitGroup
	running bool
}

// NewSession creates a stopped session around cfg.Engine.
func NewSession(cfg SessionConfig) *Session {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Session{
		engine:       cfg.Engine,
		pollInterval: interval,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
	}
}

// Engine returns the engine driven by this session.
func (s *Session) Engine() *Engine {
	return s.engine
}

// Running reports whether subscriptions are live.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type feedSpec struct {
	table  store.Table
	mask   store.EventMask
	handle func(context.Context, store.ChangeEvent)
}

// Start tears down any previous subscription set, subscribes to the three
// change feeds, loads the initial state and starts the request poll.
// Load failures are reported through the engine and do not stop the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardown()
	s.engine.signIn()

	user, err := s.engine.currentUser(ctx)
	if err != nil {
		s.engine.signOut()
		return err
	}
	s.userID = user.ID

	// Consumers outlive the request that started the session.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	feeds := []feedSpec{
		{table: store.TableRequests, mask: store.AllEvents, handle: s.onRequestEvent},
		{table: store.TableConversations, mask: store.AllEvents, handle: s.onConversationEvent},
		{table: store.TableMessages, mask: store.EventInsert, handle: s.onMessageEvent},
	}
	subs := make([]store.Subscription, 0, len(feeds))
	for _, f := range feeds {
		sub, err := s.engine.stores.Feed.Subscribe(runCtx, user.ID, f.table, f.mask)
		if err != nil {
			cancel()
			for _, opened := range subs {
				_ = opened.Close()
			}
			s.engine.signOut()
			return fmt.Errorf("%w: failed to subscribe to %s: %w", ErrStoreFailure, f.table, err)
		}
		subs = append(subs, sub)
	}

	s.cancel = cancel
	s.subs = subs
	for i, f := range feeds {
		s.wg.Add(1)
		go s.consume(runCtx, f.table, subs[i], f.handle)
	}

	if err := s.engine.ReloadAll(runCtx); err != nil {
		s.log.Warn().Err(err).Msg("Initial conversation load failed")
	}
	if err := s.engine.ReloadRequests(runCtx); err != nil {
		s.log.Warn().Err(err).Msg("Initial request load failed")
	}

	s.poller = cron.New()
	s.poller.Schedule(cron.Every(s.pollInterval), cron.FuncJob(func() {
		if err := s.engine.ReloadRequests(runCtx); err != nil {
			s.log.Debug().Err(err).Msg("Request poll failed")
		}
	}))
	s.poller.Start()

	s.running = true
	s.metrics.SessionStarted()
	s.log.Info().Str("user_id", user.ID).Msg("Session started")
	return nil
}

// Stop cancels the consumers, closes the subscriptions, stops the poll and
// signs the engine out. Calling Stop on a stopped session is harmless.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardown()
	s.engine.signOut()
	s.userID = ""
}

// HandleAuthChange starts the session for a signed-in user and stops it
// when user is nil.
func (s *Session) HandleAuthChange(ctx context.Context, user *models.User) error {
	if user == nil {
		s.Stop()
		return nil
	}
	return s.Start(ctx)
}

// teardown must be called with s.mu held.
func (s *Session) teardown() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	for _, sub := range s.subs {
		if err := sub.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close subscription")
		}
	}
	s.subs = nil
	if s.poller != nil {
		<-s.poller.Stop().Done()
		s.poller = nil
	}
	s.wg.Wait()

	if s.running {
		s.running = false
		s.metrics.SessionStopped()
		s.log.Info().Str("user_id", s.userID).Msg("Session stopped")
	}
}

func (s *Session) consume(ctx context.Context, table store.Table, sub store.Subscription, handle func(context.Context, store.ChangeEvent)) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if ctx.Err() == nil {
					s.log.Warn().Str("table", string(table)).Msg("Change feed closed")
				}
				return
			}
			handle(ctx, ev)
		}
	}
}

func (s *Session) onRequestEvent(ctx context.Context, ev store.ChangeEvent) {
	s.metrics.IncRemoteEvent(string(ev.Table), metrics.OutcomeReload)
	if err := s.engine.ReloadRequests(ctx); err != nil {
		s.log.Debug().Err(err).Msg("Request reload after change failed")
	}
	if ev.Request == nil {
		return
	}
	if ev.Event == store.EventInsert && ev.Request.RecipientID == s.userID {
		s.engine.notify(models.LevelInfo, "New chat request received")
	}
	// Usually the participants are not in yet; their INSERT on the
	// conversations feed triggers the reload that finds the conversation.
	if ev.Request.Status == models.RequestAccepted && ev.Request.ConversationID != nil {
		if _, ok := s.engine.Snapshot().Conversation(*ev.Request.ConversationID); !ok {
			if err := s.engine.ReloadAll(ctx); err != nil {
				s.log.Debug().Err(err).Msg("Conversation reload after accept failed")
			}
		}
	}
}

func (s *Session) onConversationEvent(ctx context.Context, ev store.ChangeEvent) {
	s.metrics.IncRemoteEvent(string(ev.Table), metrics.OutcomeReload)
	if err := s.engine.ReloadAll(ctx); err != nil {
		s.log.Debug().Err(err).Str("conversation_id", ev.ConversationID).Msg("Conversation reload after change failed")
	}
}

func (s *Session) onMessageEvent(ctx context.Context, ev store.ChangeEvent) {
	if ev.Message == nil {
		return
	}
	if err := s.engine.ApplyRemoteInsert(ctx, *ev.Message); err != nil {
		s.log.Debug().Err(err).Str("message_id", ev.Message.ID).Msg("Failed to apply remote message")
	}
}
