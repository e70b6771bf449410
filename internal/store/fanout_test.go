package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

func TestFanoutCoalescesBursts(t *testing.T) {
	f := NewFanout()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.Subscribe(ctx, "chats:alice")
	for i := 0; i < 5; i++ {
		f.Publish([]string{"chats:alice", "chats:bob"}, "c1")
	}

	select {
	case c := <-ch:
		assert.Equal(t, Change{Topic: "chats:alice", DocID: "c1"}, c)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
	select {
	case <-ch:
		t.Fatal("burst was not coalesced")
	default:
	}
}

func TestFanoutUnsubscribesOnCancel(t *testing.T) {
	f := NewFanout()
	ctx, cancel := context.WithCancel(context.Background())
	ch := f.Subscribe(ctx, "messages:c1")
	require.Equal(t, 1, f.Count("messages:c1"))

	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, f.Count("messages:c1"))
}

func TestChatTopicsCoversFormerMembers(t *testing.T) {
	before := &models.Chat{Participants: []string{"alice", "bob"}}
	after := &models.Chat{Participants: []string{"alice", "carol"}}

	assert.Equal(t, []string{"chats:alice", "chats:bob", "chats:carol"}, ChatTopics(before, after))
	assert.Equal(t, []string{"chats:alice", "chats:carol"}, ChatTopics(nil, after))
}
