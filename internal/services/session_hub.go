package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"proximichat/internal/chat"
	"proximichat/internal/location"
	"proximichat/internal/metrics"
	"proximichat/internal/models"
	"proximichat/internal/push"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32

	// DefaultIdleTimeout is how long a session with no live socket is kept
	// before its feeds and poll are stopped.
	DefaultIdleTimeout = 2 * time.Minute
)

// ErrLocationUnknown is returned by Nearby before the device reported a position
var ErrLocationUnknown = fmt.Errorf("%w: location unknown", chat.ErrValidation)

// WSMessage is a frame exchanged over the realtime socket
type WSMessage struct {
	Type      string               `json:"type"`
	Timestamp int64                `json:"timestamp,omitempty"`
	State     *chat.State          `json:"state,omitempty"`
	Toast     *models.Notification `json:"toast,omitempty"`
	Location  *models.Location     `json:"location,omitempty"`
	Code      string               `json:"code,omitempty"`
	Message   string               `json:"message,omitempty"`
}

// Frame types
const (
	FrameState         = "state"
	FrameToast         = "toast"
	FrameError         = "error"
	FrameLocation      = "location"
	FrameLocationError = "location_error"
)

// Proximity stores positions and answers nearby queries
type Proximity interface {
	UpdatePosition(ctx context.Context, userID string, loc models.Location) error
	Forget(ctx context.Context, userID string)
	FindNearby(ctx context.Context, self string, point models.Location, radiusMeters float64) ([]models.NearbyUser, error)
}

// HubConfig holds the collaborators shared by every session
type HubConfig struct {
	Stores       chat.Stores
	Users        *UserService
	Proximity    Proximity
	Notifier     *push.Notifier
	Metrics      *metrics.Metrics
	PollInterval time.Duration
	Radius       float64
	IdleTimeout  time.Duration
}

// SessionHub owns one chat session per signed-in user and fans state out to
// that user's WebSocket connections. A session nobody has used or watched
// for IdleTimeout is stopped and evicted.
type SessionHub struct {
	cfg HubConfig

	mu       sync.Mutex
	sessions map[string]*userSession
}

// NewSessionHub creates an empty hub
func NewSessionHub(cfg HubConfig) *SessionHub {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &SessionHub{
		cfg:      cfg,
		sessions: make(map[string]*userSession),
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

type userSession struct {
	userID  string
	session *chat.Session
	tracker *location.Tracker
	release func()

	startMu sync.Mutex

	mu         sync.Mutex
	clients    map[*wsClient]struct{}
	lastActive time.Time
	idle       *time.Timer
}

func (h *SessionHub) lookup(userID string) *userSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	if us, ok := h.sessions[userID]; ok {
		h.touch(us)
		return us
	}

	us := &userSession{
		userID:  userID,
		clients: make(map[*wsClient]struct{}),
	}
	logger := log.With().Str("user_id", userID).Logger()
	engine := chat.NewEngine(chat.Config{
		Stores:   h.cfg.Stores,
		Identity: h.cfg.Users.Identity(userID),
		Observer: us,
		Metrics:  h.cfg.Metrics,
		Logger:   logger,
	})
	us.session = chat.NewSession(chat.SessionConfig{
		Engine:       engine,
		PollInterval: h.cfg.PollInterval,
		Metrics:      h.cfg.Metrics,
		Logger:       logger,
	})

	var writer location.PositionWriter
	if h.cfg.Proximity != nil {
		writer = h.cfg.Proximity
	}
	us.tracker = location.NewTracker(userID, writer)
	us.release = us.tracker.Watch(func(r location.Reading) {
		if r.Error != "" {
			us.Notify(models.Notification{Level: models.LevelError, Message: r.Error})
		}
	})

	h.sessions[userID] = us
	h.touch(us)
	return us
}

// touch records activity and arms the idle timer of a session without
// live sockets.
func (h *SessionHub) touch(us *userSession) {
	us.mu.Lock()
	defer us.mu.Unlock()
	us.lastActive = time.Now()
	h.armIdleLocked(us, h.cfg.IdleTimeout)
}

// armIdleLocked must be called with us.mu held.
func (h *SessionHub) armIdleLocked(us *userSession, after time.Duration) {
	if len(us.clients) > 0 {
		if us.idle != nil {
			us.idle.Stop()
		}
		return
	}
	if us.idle == nil {
		us.idle = time.AfterFunc(after, func() { h.reap(us) })
		return
	}
	us.idle.Reset(after)
}

// reap evicts us if it is still registered, has no sockets and saw no
// activity for IdleTimeout. Otherwise the timer is re-armed for the rest of
// the window.
func (h *SessionHub) reap(us *userSession) {
	h.mu.Lock()
	if h.sessions[us.userID] != us {
		h.mu.Unlock()
		return
	}
	us.mu.Lock()
	if len(us.clients) > 0 {
		us.mu.Unlock()
		h.mu.Unlock()
		return
	}
	if quiet := time.Since(us.lastActive); quiet < h.cfg.IdleTimeout {
		h.armIdleLocked(us, h.cfg.IdleTimeout-quiet)
		us.mu.Unlock()
		h.mu.Unlock()
		return
	}
	us.mu.Unlock()
	delete(h.sessions, us.userID)
	h.mu.Unlock()

	us.shutdown()
	log.Info().Str("user_id", us.userID).Msg("Idle session stopped")
}

// Engine returns the running chat engine of userID, starting its session on
// first use
func (h *SessionHub) Engine(ctx context.Context, userID string) (*chat.Engine, error) {
	us := h.lookup(userID)
	if err := us.ensureStarted(ctx); err != nil {
		return nil, err
	}
	return us.session.Engine(), nil
}

func (us *userSession) ensureStarted(ctx context.Context) error {
	us.startMu.Lock()
	defer us.startMu.Unlock()
	if us.session.Running() {
		return nil
	}
	if err := us.session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// StateChanged implements chat.Observer
func (us *userSession) StateChanged(s chat.State) {
	us.broadcast(WSMessage{Type: FrameState, State: &s})
}

// Notify implements chat.Observer
func (us *userSession) Notify(n models.Notification) {
	us.broadcast(WSMessage{Type: FrameToast, Toast: &n})
}

// broadcast never blocks; a client that cannot keep up loses the frame.
func (us *userSession) broadcast(msg WSMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("user_id", us.userID).Msg("Failed to marshal message")
		return
	}

	us.mu.Lock()
	defer us.mu.Unlock()
	for c := range us.clients {
		select {
		case c.send <- data:
		default:
			log.Warn().Str("user_id", us.userID).Str("type", msg.Type).Msg("WebSocket send buffer full, dropping frame")
		}
	}
}

// Register attaches a WebSocket connection to userID's session and sends the
// current state. The returned func detaches it.
func (h *SessionHub) Register(ctx context.Context, userID string, conn *websocket.Conn) (func(), error) {
	us := h.lookup(userID)
	if err := us.ensureStarted(ctx); err != nil {
		return nil, err
	}

	c := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	go c.writePump()

	us.mu.Lock()
	us.clients[c] = struct{}{}
	h.armIdleLocked(us, h.cfg.IdleTimeout)
	us.mu.Unlock()

	log.Info().Str("user_id", userID).Msg("WebSocket connection registered")

	snapshot := us.session.Engine().Snapshot()
	us.broadcast(WSMessage{Type: FrameState, State: &snapshot})

	var once sync.Once
	return func() {
		once.Do(func() {
			us.mu.Lock()
			if _, ok := us.clients[c]; ok {
				delete(us.clients, c)
				close(c.send)
				// The idle window starts when the last socket goes away.
				us.lastActive = time.Now()
				h.armIdleLocked(us, h.cfg.IdleTimeout)
			}
			us.mu.Unlock()
			log.Info().Str("user_id", userID).Msg("WebSocket connection unregistered")
		})
	}, nil
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Msg("Failed to write WebSocket frame")
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// SendToUser delivers msg to every connection of userID
func (h *SessionHub) SendToUser(userID string, msg WSMessage) error {
	h.mu.Lock()
	us, ok := h.sessions[userID]
	h.mu.Unlock()
	if !ok || !us.online() {
		return fmt.Errorf("user %s is not connected", userID)
	}
	us.broadcast(msg)
	return nil
}

func (us *userSession) online() bool {
	us.mu.Lock()
	defer us.mu.Unlock()
	return len(us.clients) > 0
}

// IsOnline checks if a user has a live WebSocket
func (h *SessionHub) IsOnline(userID string) bool {
	h.mu.Lock()
	us, ok := h.sessions[userID]
	h.mu.Unlock()
	return ok && us.online()
}

// UpdateLocation records a device position for userID
func (h *SessionHub) UpdateLocation(ctx context.Context, userID string, loc models.Location) error {
	return h.lookup(userID).tracker.Update(ctx, loc)
}

// LocationError records a device geolocation failure and returns its message
func (h *SessionHub) LocationError(userID string, code location.ErrorCode) string {
	return h.lookup(userID).tracker.Fail(code)
}

// CurrentLocation returns the last position userID reported
func (h *SessionHub) CurrentLocation(userID string) (models.Location, bool) {
	return h.lookup(userID).tracker.Current()
}

// Nearby lists users around the last reported position of userID
func (h *SessionHub) Nearby(ctx context.Context, userID string, radiusMeters float64) ([]models.NearbyUser, error) {
	if h.cfg.Proximity == nil {
		return nil, errors.New("proximity search not configured")
	}
	loc, ok := h.CurrentLocation(userID)
	if !ok {
		return nil, ErrLocationUnknown
	}
	if radiusMeters <= 0 {
		radiusMeters = h.cfg.Radius
	}
	return h.cfg.Proximity.FindNearby(ctx, userID, loc, radiusMeters)
}

// NotifyRequest pushes a chat request alert to an offline recipient. Online
// recipients already see the request through their session.
func (h *SessionHub) NotifyRequest(ctx context.Context, recipientID, senderName string) {
	if !h.cfg.Notifier.Enabled() || h.IsOnline(recipientID) {
		return
	}
	if err := h.cfg.Notifier.NotifyRequest(ctx, recipientID, senderName); err != nil {
		log.Warn().Err(err).Str("user_id", recipientID).Msg("Failed to notify offline recipient")
	}
}

// SignOut stops userID's session, closes its connections and drops its
// position from the geo index
func (h *SessionHub) SignOut(ctx context.Context, userID string) {
	h.mu.Lock()
	us, ok := h.sessions[userID]
	delete(h.sessions, userID)
	h.mu.Unlock()
	if !ok {
		return
	}

	us.shutdown()
	if h.cfg.Proximity != nil {
		h.cfg.Proximity.Forget(ctx, userID)
	}
	log.Info().Str("user_id", userID).Msg("User signed out")
}

func (us *userSession) shutdown() {
	us.startMu.Lock()
	us.session.Stop()
	us.startMu.Unlock()
	us.release()

	us.mu.Lock()
	for c := range us.clients {
		close(c.send)
		delete(us.clients, c)
	}
	if us.idle != nil {
		us.idle.Stop()
	}
	us.mu.Unlock()
}

// Close stops every session
func (h *SessionHub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*userSession)
	h.mu.Unlock()

	for _, us := range sessions {
		us.shutdown()
	}
}
