package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

func TestDispatchRoutesNotificationToTopic(t *testing.T) {
	s := New(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice, err := s.Watch(ctx, store.ChatsTopic("alice"))
	require.NoError(t, err)
	bob, err := s.Watch(ctx, store.ChatsTopic("bob"))
	require.NoError(t, err)

	s.dispatch(`{"topic":"chats:alice","doc_id":"c1"}`)
	s.dispatch(`not json`)

	select {
	case c := <-alice:
		assert.Equal(t, "c1", c.DocID)
	case <-time.After(time.Second):
		t.Fatal("notification not dispatched")
	}
	select {
	case <-bob:
		t.Fatal("notification leaked to another topic")
	default:
	}
}

func TestDecodeDocuments(t *testing.T) {
	chat, err := decodeChat([]byte(`{"id":"g1","type":"group","participants":["alice"]}`))
	require.NoError(t, err)
	assert.Equal(t, "g1", chat.ID)
	assert.Equal(t, models.ChatGroup, chat.Type)

	msg, err := decodeMessage([]byte(`{"id":"m1","chat_id":"g1","kind":"text","payload":{"text":"hi"}}`))
	require.NoError(t, err)
	assert.Equal(t, models.TextPayload{Text: "hi"}, msg.Payload)

	_, err = decodeChat([]byte(`{`))
	assert.ErrorContains(t, err, "decode chat")
}
