package status

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/store/memstore"
)

func TestTransition(t *testing.T) {
	cases := []struct {
		from, to models.MessageStatus
		ok       bool
	}{
		{models.StatusSending, models.StatusSent, true},
		{models.StatusSent, models.StatusDelivered, true},
		{models.StatusSending, models.StatusFailed, true},
		{models.StatusSent, models.StatusFailed, true},
		{models.StatusDelivered, models.StatusRead, true},
		{models.StatusSent, models.StatusRead, true},
		{models.StatusRead, models.StatusRead, true},
		{models.StatusFailed, models.StatusRead, false},
		{models.StatusDelivered, models.StatusSent, false},
		{models.StatusRead, models.StatusDelivered, false},
		{models.StatusDelivered, models.StatusFailed, false},
		{models.StatusFailed, models.StatusSent, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			err := Transition(tc.from, tc.to)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func seedChat(t *testing.T, st *memstore.Store, at time.Time, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateChat(ctx, models.Chat{
		ID:           "c1",
		Type:         models.ChatGroup,
		Participants: []string{"alice", "bob", "carol"},
		UnreadCounts: map[string]int{"bob": n},
	}))
	for i := 0; i < n; i++ {
		sender := "alice"
		if i%2 == 1 {
			sender = "bob"
		}
		_, _, err := st.CommitMessage(ctx, models.Message{
			ID:        fmt.Sprintf("m%03d", i),
			ChatID:    "c1",
			SenderID:  sender,
			Kind:      models.KindText,
			Payload:   models.TextPayload{Text: "x"},
			Timestamp: at.Add(time.Duration(i) * time.Second),
			Status:    models.StatusSent,
		}, nil)
		require.NoError(t, err)
	}
}

func TestMarkDelivered(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	st := memstore.New(func() time.Time { return now })
	seedChat(t, st, now, 1)
	m := NewMachine(st, func() time.Time { return now }, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.MarkDelivered(ctx, "m000", "alice"))
	msg, err := st.GetMessage(ctx, "m000")
	require.NoError(t, err)
	assert.Empty(t, msg.DeliveredTo, "sender never receives own message")

	require.NoError(t, m.MarkDelivered(ctx, "m000", "bob"))
	msg, err = st.GetMessage(ctx, "m000")
	require.NoError(t, err)
	assert.Equal(t, now, msg.DeliveredTo["bob"])
	assert.Equal(t, models.StatusDelivered, msg.Status)
}

func TestMarkReadIgnoresSender(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	st := memstore.New(nil)
	seedChat(t, st, now, 1)
	m := NewMachine(st, func() time.Time { return now }, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.MarkRead(ctx, "m000", "alice"))
	require.NoError(t, m.MarkRead(ctx, "m000", "carol"))

	msg, err := st.GetMessage(ctx, "m000")
	require.NoError(t, err)
	assert.NotContains(t, msg.ReadBy, "alice")
	assert.Equal(t, now, msg.ReadBy["carol"])
	assert.Equal(t, now, msg.DeliveredTo["carol"])
	assert.Equal(t, models.StatusRead, msg.Status)
}

func TestMarkChatReadWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	st := memstore.New(nil)
	seedChat(t, st, now, ReadWindow+10)
	m := NewMachine(st, func() time.Time { return now }, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, m.MarkChatRead(ctx, "c1", "bob"))

	oldest, err := st.GetMessage(ctx, "m000")
	require.NoError(t, err)
	assert.Empty(t, oldest.ReadBy, "outside the window")

	newest, err := st.GetMessage(ctx, fmt.Sprintf("m%03d", ReadWindow+8))
	require.NoError(t, err)
	assert.Contains(t, newest.ReadBy, "bob")

	own, err := st.GetMessage(ctx, fmt.Sprintf("m%03d", ReadWindow+9))
	require.NoError(t, err)
	assert.Empty(t, own.ReadBy, "bob sent it")

	chat, err := st.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.Unread("bob"))
}

func TestMarkChatReadReturnsFirstError(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	st := memstore.New(nil)
	seedChat(t, st, now, 4)
	m := NewMachine(st, func() time.Time { return now }, zap.NewNop())
	ctx := context.Background()

	boom := errors.New("write rejected")
	st.SetFault(func(op string) error {
		if op == "UpdateMessage" {
			return boom
		}
		return nil
	})

	err := m.MarkChatRead(ctx, "c1", "carol")
	require.ErrorIs(t, err, boom)

	st.SetFault(nil)
	chat, err := st.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.Unread("carol"))
}

func TestAggregate(t *testing.T) {
	at := time.Unix(100, 0)
	participants := []string{"alice", "bob", "carol"}
	msg := models.Message{SenderID: "alice", Status: models.StatusSent}

	assert.Equal(t, models.StatusSent, Aggregate(msg, participants))

	msg.DeliveredTo = map[string]time.Time{"bob": at}
	msg.ReadBy = map[string]time.Time{"bob": at}
	assert.Equal(t, models.StatusSent, Aggregate(msg, participants))

	msg.DeliveredTo["carol"] = at
	assert.Equal(t, models.StatusDelivered, Aggregate(msg, participants))

	msg.ReadBy["carol"] = at
	assert.Equal(t, models.StatusRead, Aggregate(msg, participants))

	failed := models.Message{SenderID: "alice", Status: models.StatusFailed}
	assert.Equal(t, models.StatusFailed, Aggregate(failed, participants))
}
