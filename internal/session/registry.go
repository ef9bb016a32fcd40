// Package session tracks logged-in client sessions: who they belong to,
// what they report as currently playing, and a per-session outbound
// message queue the sync coordinator delivers into.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NowPlaying is the playback state a client reports for itself.
type NowPlaying struct {
	Queue         []int `json:"queue"`         // item ids in play order
	ItemIndex     int   `json:"itemIndex"`     // index of the playing item within Queue
	PositionTicks int64 `json:"positionTicks"` // 1 tick = 100 ns
	IsPaused      bool  `json:"isPaused"`
}

// Message is an outbound envelope delivered to a client session.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ClientSession represents a connected client device.
type ClientSession struct {
	ID           string      `json:"id"`
	Username     string      `json:"username"`
	DeviceName   string      `json:"deviceName"`
	RemoteAddr   string      `json:"-"`
	LastActivity time.Time   `json:"lastActivity"`
	NowPlaying   *NowPlaying `json:"nowPlaying,omitempty"`

	outbox chan Message
}

// Registry manages connected client sessions and message delivery.
type Registry struct {
	sessions  map[string]*ClientSession
	mutex     sync.RWMutex
	queueSize int
	logger    *logrus.Logger
}

// NewRegistry creates a new session registry. queueSize bounds each
// session's outbound message queue.
func NewRegistry(queueSize int, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		sessions:  make(map[string]*ClientSession),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Register adds a session to the registry. The session id comes from the
// auth layer so one login equals one client session.
func (r *Registry) Register(id, username, deviceName, remoteAddr string) *ClientSession {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cs := &ClientSession{
		ID:           id,
		Username:     username,
		DeviceName:   deviceName,
		RemoteAddr:   remoteAddr,
		LastActivity: time.Now(),
		outbox:       make(chan Message, r.queueSize),
	}
	r.sessions[id] = cs
	return cs
}

// Unregister removes a session. Pending outbound messages are discarded.
func (r *Registry) Unregister(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.sessions, id)
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*ClientSession, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	cs, ok := r.sessions[id]
	return cs, ok
}

// Touch updates the session's last activity time.
func (r *Registry) Touch(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if cs, ok := r.sessions[id]; ok {
		cs.LastActivity = time.Now()
	}
}

// UpdateNowPlaying records what a session reports as currently playing.
func (r *Registry) UpdateNowPlaying(id string, np *NowPlaying) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if cs, ok := r.sessions[id]; ok {
		cs.NowPlaying = np
		cs.LastActivity = time.Now()
	}
}

// ListActive returns a snapshot of all registered sessions.
func (r *Registry) ListActive() []*ClientSession {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]*ClientSession, 0, len(r.sessions))
	for _, cs := range r.sessions {
		result = append(result, cs)
	}
	return result
}

// IsUserReachable reports whether the user has at least one registered session.
func (r *Registry) IsUserReachable(username string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, cs := range r.sessions {
		if cs.Username == username {
			return true
		}
	}
	return false
}

// Deliver queues a message for a session. Delivery is fire-and-forget: a
// full queue or unknown session drops the message with a log line, never
// an error to the caller.
func (r *Registry) Deliver(ctx context.Context, sessionID string, msg Message) {
	r.mutex.RLock()
	cs, ok := r.sessions[sessionID]
	r.mutex.RUnlock()

	if !ok {
		r.logger.WithField("session_id", sessionID).Debug("Dropping message for unknown session")
		return
	}

	select {
	case cs.outbox <- msg:
	case <-ctx.Done():
	default:
		r.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"type":       msg.Type,
		}).Warn("Session outbox full, dropping message")
	}
}

// Poll blocks until at least one message is queued for the session, then
// drains and returns everything available. Returns nil when the context
// expires first (long-poll timeout).
func (r *Registry) Poll(ctx context.Context, sessionID string) []Message {
	r.mutex.RLock()
	cs, ok := r.sessions[sessionID]
	r.mutex.RUnlock()

	if !ok {
		return nil
	}

	var messages []Message
	select {
	case msg := <-cs.outbox:
		messages = append(messages, msg)
	case <-ctx.Done():
		return nil
	}

	// Drain whatever else is ready without blocking again
	for {
		select {
		case msg := <-cs.outbox:
			messages = append(messages, msg)
		default:
			return messages
		}
	}
}
