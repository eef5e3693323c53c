package ws

import (
	"sync"

	"maidan-service/pkg/logger"

	"go.uber.org/zap"
)

// Event is one outbound frame.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub is the connection registry: connection id to outbound channel,
// plus user id to current connection. It satisfies the Notifier
// interfaces of the queue and handshake services.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]chan Event
	users map[int64]string
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]chan Event),
		users: make(map[int64]string),
	}
}

func (h *Hub) register(connID string, userID int64) chan Event {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.conns[connID] = ch
	h.users[userID] = connID
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(connID string, userID int64) {
	h.mu.Lock()
	if ch, ok := h.conns[connID]; ok {
		delete(h.conns, connID)
		close(ch)
	}
	if h.users[userID] == connID {
		delete(h.users, userID)
	}
	h.mu.Unlock()
}

// Notify queues an event for a connection. Events for unknown or
// saturated connections are dropped; a slow reader must not stall the
// scheduler or the handshake.
func (h *Hub) Notify(connID string, event string, data map[string]interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.conns[connID]
	if !ok {
		return
	}
	select {
	case ch <- Event{Type: event, Data: data}:
	default:
		logger.Log.Warn("outbound buffer full, dropping event",
			zap.String("connID", connID),
			zap.String("event", event),
		)
	}
}

func (h *Hub) IsConnected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connID]
	return ok
}

// ConnIDForUser reports the user's current connection, if any.
func (h *Hub) ConnIDForUser(userID int64) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connID, ok := h.users[userID]
	return connID, ok
}
