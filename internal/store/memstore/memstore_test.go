package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

func group() models.Chat {
	return models.Chat{ID: "g1", Type: models.ChatGroup, Participants: []string{"alice", "bob"}, CreatorID: "alice"}
}

func expectChange(t *testing.T, ch <-chan store.Change) store.Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("no change notified")
		return store.Change{}
	}
}

func TestCreateAndGetAreIsolated(t *testing.T) {
	st := New(nil)
	ctx := context.Background()

	chat := group()
	require.NoError(t, st.CreateChat(ctx, chat))
	assert.ErrorIs(t, st.CreateChat(ctx, chat), store.ErrAlreadyExists)

	got, err := st.GetChat(ctx, "g1")
	require.NoError(t, err)
	got.Participants[0] = "mallory"

	again, err := st.GetChat(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Participants[0])

	_, err = st.GetChat(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateSkipDoesNotNotify(t *testing.T) {
	st := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, st.CreateChat(ctx, group()))

	changes, err := st.Watch(ctx, store.ChatsTopic("bob"))
	require.NoError(t, err)

	got, err := st.UpdateChat(ctx, "g1", func(c *models.Chat) error { return store.ErrSkip })
	require.NoError(t, err)
	assert.Equal(t, "g1", got.ID)
	select {
	case <-changes:
		t.Fatal("skipped update notified")
	default:
	}

	_, err = st.UpdateChat(ctx, "g1", func(c *models.Chat) error {
		c.RemoveParticipant("bob")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "g1", expectChange(t, changes).DocID)
}

func TestCommitMessageIsAtomic(t *testing.T) {
	st := New(nil)
	ctx := context.Background()
	require.NoError(t, st.CreateChat(ctx, group()))

	msg := models.Message{ID: "m1", ChatID: "g1", SenderID: "alice", Payload: models.TextPayload{Text: "hi"}}
	rejected := errors.New("rejected")
	_, _, err := st.CommitMessage(ctx, msg, func(c *models.Chat) error { return rejected })
	assert.ErrorIs(t, err, rejected)
	_, err = st.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, chat, err := st.CommitMessage(ctx, msg, func(c *models.Chat) error {
		c.LastMessage = &models.MessageSummary{MessageID: "m1"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", chat.LastMessage.MessageID)

	_, _, err = st.CommitMessage(ctx, msg, nil)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestQueryMessagesKeepsMostRecent(t *testing.T) {
	st := New(nil)
	ctx := context.Background()
	require.NoError(t, st.CreateChat(ctx, group()))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		_, _, err := st.CommitMessage(ctx, models.Message{ID: id, ChatID: "g1", Timestamp: base.Add(time.Duration(i) * time.Minute)}, nil)
		require.NoError(t, err)
	}

	msgs, err := st.QueryMessages(ctx, store.MessageQuery{ChatID: "g1", Limit: 2})
	require.NoError(t, err)
	ids := []string{msgs[0].ID, msgs[1].ID}
	assert.ElementsMatch(t, []string{"m2", "m3"}, ids)
}

func TestFaultHook(t *testing.T) {
	st := New(nil)
	boom := errors.New("transport down")
	st.SetFault(func(op string) error {
		if op == "QueryChats" {
			return boom
		}
		return nil
	})

	_, err := st.QueryChats(context.Background(), store.ChatQuery{ParticipantID: "alice"})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, st.CreateChat(context.Background(), group()))
}

func TestPresenceOnDisconnect(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	st := New(func() time.Time { return now })
	ps := st.Presence()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := ps.Watch(ctx, []string{"alice"})
	require.NoError(t, err)

	conn, err := ps.Connect(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, conn.OnDisconnect(ctx, models.PresenceRecord{Status: models.Offline}))
	require.NoError(t, conn.Set(ctx, models.PresenceRecord{Status: models.Online, LastSeen: now}))
	assert.Equal(t, models.Online, (<-updates).Status)

	require.NoError(t, conn.Close())
	rec := <-updates
	assert.Equal(t, models.Offline, rec.Status)
	assert.Equal(t, now, rec.LastSeen)

	assert.ErrorIs(t, conn.Set(ctx, models.PresenceRecord{Status: models.Online}), store.ErrClosed)
	require.NoError(t, conn.Close())
}
