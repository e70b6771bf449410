package memstore

import (
	"context"
	"sync"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

type presenceHub struct {
	mu       sync.Mutex
	records  map[string]models.PresenceRecord
	watchers map[string]map[chan models.PresenceRecord]struct{}
	now      func() time.Time
}

func newPresenceHub(now func() time.Time) *presenceHub {
	return &presenceHub{
		records:  make(map[string]models.PresenceRecord),
		watchers: make(map[string]map[chan models.PresenceRecord]struct{}),
		now:      now,
	}
}

func (h *presenceHub) write(rec models.PresenceRecord) {
	if rec.LastSeen.IsZero() {
		rec.LastSeen = h.now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[rec.UserID] = rec
	for ch := range h.watchers[rec.UserID] {
		select {
		case ch <- rec:
		default:
			// slow reader: drop the stale pending record for the fresh one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- rec:
			default:
			}
		}
	}
}

func (h *presenceHub) Connect(ctx context.Context, userID string) (store.PresenceConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &presenceConn{hub: h, userID: userID}, nil
}

func (h *presenceHub) Get(ctx context.Context, userIDs []string) (map[string]models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]models.PresenceRecord, len(userIDs))
	for _, id := range userIDs {
		if rec, ok := h.records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (h *presenceHub) Watch(ctx context.Context, userIDs []string) (<-chan models.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan models.PresenceRecord, len(userIDs)+1)
	h.mu.Lock()
	for _, id := range userIDs {
		if h.watchers[id] == nil {
			h.watchers[id] = make(map[chan models.PresenceRecord]struct{})
		}
		h.watchers[id][ch] = struct{}{}
	}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		for _, id := range userIDs {
			delete(h.watchers[id], ch)
			if len(h.watchers[id]) == 0 {
				delete(h.watchers, id)
			}
		}
		close(ch)
		h.mu.Unlock()
	}()
	return ch, nil
}

type presenceConn struct {
	hub    *presenceHub
	userID string

	mu      sync.Mutex
	pending []models.PresenceRecord
	closed  bool
}

func (c *presenceConn) Set(ctx context.Context, rec models.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return store.ErrClosed
	}
	rec.UserID = c.userID
	c.hub.write(rec)
	return nil
}

func (c *presenceConn) OnDisconnect(ctx context.Context, rec models.PresenceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	rec.UserID = c.userID
	c.pending = append(c.pending, rec)
	return nil
}

// Close ends the connection and applies the on-disconnect records, exactly
// like a server noticing a dropped socket.
func (c *presenceConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, rec := range pending {
		c.hub.write(rec)
	}
	return nil
}

var _ store.PresenceStore = (*presenceHub)(nil)
