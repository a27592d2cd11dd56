// Package ws tracks live realtime sessions and delivers server events to them.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var ErrNoSession = errors.New("no realtime session")

const DefaultWriteTimeout = 5 * time.Second

// Session is one live connection. Writes are serialized; reads belong to the
// connection's own goroutine.
type Session struct {
	UserID string
	Role   models.Role
	ConnID string

	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
}

func (s *Session) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.conn.WriteJSON(models.Envelope{Event: event, Data: data})
}

// SendError reports err to the client as an error event.
func (s *Session) SendError(err error) error {
	return s.Send(models.EventError, models.ErrorMessage{Code: apperr.Code(err), Message: err.Error()})
}

func (s *Session) Close() error { return s.conn.Close() }

// Hub holds at most one session per user. A newer connection replaces the
// older one.
type Hub struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	writeTimeout time.Duration
	logger       *slog.Logger
}

func NewHub(logger *slog.Logger, writeTimeout time.Duration) *Hub {
	return &Hub{sessions: make(map[string]*Session), writeTimeout: writeTimeout, logger: logger}
}

func (h *Hub) Add(userID string, role models.Role, conn *websocket.Conn) *Session {
	s := &Session{UserID: userID, Role: role, ConnID: uuid.NewString(), conn: conn, writeTimeout: h.writeTimeout}
	h.mu.Lock()
	old := h.sessions[userID]
	h.sessions[userID] = s
	h.mu.Unlock()
	if old != nil {
		h.logger.Info("replacing realtime session", "user_id", userID, "old_conn", old.ConnID, "new_conn", s.ConnID)
		_ = old.Close()
	} else {
		observability.RealtimeConnections.Inc()
	}
	return s
}

// Remove drops the user's session only if it is still connID. It reports
// whether the session was removed.
func (h *Hub) Remove(userID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[userID]
	if !ok || s.ConnID != connID {
		return false
	}
	delete(h.sessions, userID)
	observability.RealtimeConnections.Dec()
	return true
}

func (h *Hub) Get(userID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[userID]
	return s, ok
}

// Notify sends event to userID's live session, or returns ErrNoSession.
func (h *Hub) Notify(userID, event string, payload any) error {
	s, ok := h.Get(userID)
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(event, payload); err != nil {
		h.logger.Debug("realtime send failed", "user_id", userID, "event", event, "error", err)
		return err
	}
	return nil
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// CloseAll closes every session; their read loops observe the close and exit.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		_ = s.Close()
	}
}
