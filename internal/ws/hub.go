package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"dm-service/internal/observability"
)

const (
	wsKind       = "thread"
	wsRoutingKey = "ws_events.threads"
)

// Hub tracks live thread sessions per identity.
type Hub struct {
	sessions map[string]map[*Session]ConnInfo
	mu       sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[*Session]ConnInfo)}
}

// Add registers a session.
func (h *Hub) Add(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.info.UserID]; !ok {
		h.sessions[s.info.UserID] = make(map[*Session]ConnInfo)
	}
	h.sessions[s.info.UserID][s] = s.info
}

// Remove unregisters a session.
func (h *Hub) Remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.sessions[s.info.UserID]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.sessions, s.info.UserID)
		}
	}
}

// Count returns the number of live sessions of userID.
func (h *Hub) Count(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// CloseAll tells every session the server is going away and closes it.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	var all []*Session
	for _, sessions := range h.sessions {
		for s := range sessions {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range all {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
		if err := s.writeControl(websocket.CloseMessage, msg); err != nil {
			h.publishWSError(s, err)
		}
		s.close()
	}
}

func (h *Hub) publishWSError(s *Session, err error) {
	info := s.info
	event := observability.WSEvent(observability.WSDetails{
		Kind:       wsKind,
		ResourceID: info.PeerID,
		Event:      "ws_error",
		ConnID:     info.ConnID,
		Reason:     err.Error(),
	}, info.identity(), info.ConnectedAt)

	_ = observability.PublishEvent(context.Background(), wsRoutingKey, event, observability.BuildHeaders(info.RequestID, info.TraceID))
	observability.IncWSEvent(wsKind, "ws_error")
}
