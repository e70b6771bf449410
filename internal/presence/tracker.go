// Package presence keeps the local user's online state in the presence store
// and streams the state of other users. Presence is advisory: nothing in the
// engine waits on it.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
)

// Tracker owns the presence connections of local users and the presence
// subscriptions opened on their behalf.
type Tracker struct {
	store store.PresenceStore
	now   func() time.Time
	log   *zap.Logger

	mu    sync.Mutex
	conns map[string]store.PresenceConn
	subs  map[*Subscription]struct{}
}

func NewTracker(st store.PresenceStore, now func() time.Time, log *zap.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		store: st,
		now:   now,
		log:   log,
		conns: make(map[string]store.PresenceConn),
		subs:  make(map[*Subscription]struct{}),
	}
}

// GoOnline writes an online record for userID and arranges for an offline
// record to be written if the connection is lost.
func (t *Tracker) GoOnline(ctx context.Context, userID string) error {
	return t.SetStatus(ctx, userID, models.Online)
}

// SetStatus writes status for userID. The on-disconnect registration made
// when the connection was opened stays in place.
func (t *Tracker) SetStatus(ctx context.Context, userID string, status models.PresenceStatus) error {
	conn, err := t.conn(ctx, userID)
	if err != nil {
		observability.IncPresenceWrite("error")
		return err
	}
	err = conn.Set(ctx, models.PresenceRecord{UserID: userID, Status: status, LastSeen: t.now()})
	if err != nil {
		observability.IncPresenceWrite("error")
		t.log.Warn("presence write failed", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("set presence %s: %w", userID, err)
	}
	observability.IncPresenceWrite(string(status))
	return nil
}

func (t *Tracker) conn(ctx context.Context, userID string) (store.PresenceConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[userID]; ok {
		return c, nil
	}
	c, err := t.store.Connect(ctx, userID)
	if err != nil {
		t.log.Warn("presence connect failed", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("presence connect %s: %w", userID, err)
	}
	// a zero LastSeen is stamped by the store when the record is applied
	if err := c.OnDisconnect(ctx, models.PresenceRecord{UserID: userID, Status: models.Offline}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("presence on-disconnect %s: %w", userID, err)
	}
	t.conns[userID] = c
	return c, nil
}

// Cleanup signs userID off: writes offline, closes the connection and
// releases every subscription opened through this tracker.
func (t *Tracker) Cleanup(ctx context.Context, userID string) error {
	t.mu.Lock()
	conn, ok := t.conns[userID]
	delete(t.conns, userID)
	subs := make([]*Subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	if !ok {
		return nil
	}

	var firstErr error
	if err := conn.Set(ctx, models.PresenceRecord{UserID: userID, Status: models.Offline, LastSeen: t.now()}); err != nil {
		firstErr = fmt.Errorf("set offline %s: %w", userID, err)
	} else {
		observability.IncPresenceWrite(string(models.Offline))
	}
	if err := conn.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close presence %s: %w", userID, err)
	}
	if firstErr != nil {
		t.log.Warn("presence cleanup failed", zap.String("user_id", userID), zap.Error(firstErr))
	}
	return firstErr
}

// Subscription streams complete presence maps for a fixed set of users.
// Only the latest map is kept for a slow reader.
type Subscription struct {
	C <-chan map[string]models.PresenceRecord

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	t      *Tracker
}

// Cancel stops the subscription and waits for its goroutine to exit.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
	})
}

// Subscribe watches userIDs. Users without a record read as offline, last
// seen now.
func (t *Tracker) Subscribe(ctx context.Context, userIDs []string) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	updates, err := t.store.Watch(ctx, userIDs)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch presence: %w", err)
	}
	initial, err := t.store.Get(ctx, userIDs)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get presence: %w", err)
	}

	state := make(map[string]models.PresenceRecord, len(userIDs))
	now := t.now()
	for _, id := range userIDs {
		rec, ok := initial[id]
		if !ok {
			rec = models.PresenceRecord{UserID: id, Status: models.Offline, LastSeen: now}
		}
		state[id] = rec
	}

	out := make(chan map[string]models.PresenceRecord, 1)
	sub := &Subscription{C: out, cancel: cancel, done: make(chan struct{}), t: t}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	publish(out, state)
	go func() {
		defer close(sub.done)
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case rec, ok := <-updates:
				if !ok {
					return
				}
				if _, watched := state[rec.UserID]; !watched {
					continue
				}
				state[rec.UserID] = rec
				publish(out, state)
			}
		}
	}()
	return sub, nil
}

// publish replaces whatever the reader has not consumed yet.
func publish(out chan map[string]models.PresenceRecord, state map[string]models.PresenceRecord) {
	snapshot := make(map[string]models.PresenceRecord, len(state))
	for k, v := range state {
		snapshot[k] = v
	}
	select {
	case <-out:
	default:
	}
	out <- snapshot
}

// FormatLastSeen renders a record for display.
func FormatLastSeen(rec models.PresenceRecord, now time.Time) string {
	if rec.Status == models.Online {
		return "online"
	}
	if rec.LastSeen.IsZero() {
		return "offline"
	}
	d := now.Sub(rec.LastSeen)
	switch {
	case d < time.Minute:
		return "last seen just now"
	case d < time.Hour:
		return fmt.Sprintf("last seen %dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("last seen %dh ago", int(d/time.Hour))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("last seen %dd ago", int(d/(24*time.Hour)))
	}
	return "last seen " + rec.LastSeen.Format("Jan 2, 2006")
}
