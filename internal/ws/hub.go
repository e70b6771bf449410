package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/observability"
)

const wsKind = "presence"

// Hub keeps track of live presence connections.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]ConnInfo
	byUser map[string]map[string]struct{}
	log    *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		conns:  make(map[string]ConnInfo),
		byUser: make(map[string]map[string]struct{}),
		log:    log,
	}
}

// AddClient registers a connection.
func (h *Hub) AddClient(info ConnInfo) {
	h.mu.Lock()
	h.conns[info.ConnID] = info
	if h.byUser[info.UserID] == nil {
		h.byUser[info.UserID] = make(map[string]struct{})
	}
	h.byUser[info.UserID][info.ConnID] = struct{}{}
	h.mu.Unlock()

	observability.IncWSActive(wsKind)
	h.publish("ws_connect", info, "")
}

// RemoveClient drops a connection. reason is empty for a clean close.
func (h *Hub) RemoveClient(connID, reason string) {
	h.mu.Lock()
	info, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
		if ids := h.byUser[info.UserID]; ids != nil {
			delete(ids, connID)
			if len(ids) == 0 {
				delete(h.byUser, info.UserID)
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	observability.DecWSActive(wsKind)
	h.publish("ws_disconnect", info, reason)
}

// ReportError records a transport error on a live connection.
func (h *Hub) ReportError(connID string, err error) {
	h.mu.RLock()
	info, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.log.Warn("websocket error", zap.String("conn_id", connID), zap.String("user_id", info.UserID), zap.Error(err))
	h.publish("ws_error", info, err.Error())
}

// Connections returns the number of live connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) publish(event string, info ConnInfo, reason string) {
	observability.IncWSEvent(wsKind, event)
	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": duration,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	_ = observability.PublishEvent(context.Background(), "ws_events.presence", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
