package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/store/memstore"
)

func next(t *testing.T, sub *Subscription) map[string]models.PresenceRecord {
	t.Helper()
	select {
	case snap, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no presence update")
	}
	return nil
}

func waitFor(t *testing.T, sub *Subscription, userID string, status models.PresenceStatus) models.PresenceRecord {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-sub.C:
			require.True(t, ok, "subscription closed")
			if rec := snap[userID]; rec.Status == status {
				return rec
			}
		case <-deadline:
			t.Fatalf("%s never became %s", userID, status)
		}
	}
}

func TestSubscribeMissingRecordIsOffline(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	st := memstore.New(func() time.Time { return now })
	tracker := NewTracker(st.Presence(), func() time.Time { return now }, zap.NewNop())

	sub, err := tracker.Subscribe(context.Background(), []string{"ghost"})
	require.NoError(t, err)
	defer sub.Cancel()

	snap := next(t, sub)
	assert.Equal(t, models.Offline, snap["ghost"].Status)
	assert.Equal(t, now, snap["ghost"].LastSeen)
}

func TestUncleanDisconnectObservedAsOffline(t *testing.T) {
	st := memstore.New(nil)
	alice := NewTracker(st.Presence(), nil, zap.NewNop())
	bob := NewTracker(st.Presence(), nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, alice.GoOnline(ctx, "alice"))

	sub, err := bob.Subscribe(ctx, []string{"alice"})
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Equal(t, models.Online, next(t, sub)["alice"].Status)

	// the socket dies without a sign-off
	alice.mu.Lock()
	conn := alice.conns["alice"]
	alice.mu.Unlock()
	require.NoError(t, conn.Close())

	rec := waitFor(t, sub, "alice", models.Offline)
	assert.False(t, rec.LastSeen.IsZero())
}

func TestSetStatusKeepsDisconnectHandler(t *testing.T) {
	st := memstore.New(nil)
	tracker := NewTracker(st.Presence(), nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tracker.GoOnline(ctx, "alice"))
	require.NoError(t, tracker.SetStatus(ctx, "alice", models.Offline))
	require.NoError(t, tracker.SetStatus(ctx, "alice", models.Online))

	watcher := NewTracker(st.Presence(), nil, zap.NewNop())
	sub, err := watcher.Subscribe(ctx, []string{"alice"})
	require.NoError(t, err)
	defer sub.Cancel()
	assert.Equal(t, models.Online, next(t, sub)["alice"].Status)

	tracker.mu.Lock()
	conn := tracker.conns["alice"]
	tracker.mu.Unlock()
	require.NoError(t, conn.Close())
	waitFor(t, sub, "alice", models.Offline)
}

func TestCleanupReleasesSubscriptions(t *testing.T) {
	st := memstore.New(nil)
	tracker := NewTracker(st.Presence(), nil, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, tracker.GoOnline(ctx, "alice"))
	sub, err := tracker.Subscribe(ctx, []string{"bob"})
	require.NoError(t, err)

	require.NoError(t, tracker.Cleanup(ctx, "alice"))

	// the buffered snapshot may still be there; the channel must close after it
	for range sub.C {
	}
	recs, err := st.Presence().Get(ctx, []string{"alice"})
	require.NoError(t, err)
	assert.Equal(t, models.Offline, recs["alice"].Status)
	assert.Empty(t, tracker.subs)
}

func TestFormatLastSeen(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		rec  models.PresenceRecord
		want string
	}{
		{models.PresenceRecord{Status: models.Online}, "online"},
		{models.PresenceRecord{Status: models.Offline}, "offline"},
		{models.PresenceRecord{Status: models.Offline, LastSeen: now.Add(-20 * time.Second)}, "last seen just now"},
		{models.PresenceRecord{Status: models.Offline, LastSeen: now.Add(-5 * time.Minute)}, "last seen 5m ago"},
		{models.PresenceRecord{Status: models.Offline, LastSeen: now.Add(-3 * time.Hour)}, "last seen 3h ago"},
		{models.PresenceRecord{Status: models.Offline, LastSeen: now.Add(-50 * time.Hour)}, "last seen 2d ago"},
		{models.PresenceRecord{Status: models.Offline, LastSeen: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)}, "last seen Apr 1, 2024"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatLastSeen(tc.rec, now))
	}
}
