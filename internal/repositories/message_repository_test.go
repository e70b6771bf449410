package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
)

func TestSendMessageUpdatesChat(t *testing.T) {
	repo, _, clock := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)

	msg, err := repo.SendMessage(ctx, SendRequest{
		ChatID:     dm.ID,
		SenderID:   "alice",
		SenderName: "Alice",
		Payload:    models.TextPayload{Text: "Hello"},
		ClientKey:  "ck-1",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, models.KindText, msg.Kind)
	assert.Equal(t, clock.Now(), msg.Timestamp)
	assert.Equal(t, "ck-1", msg.ClientKey)

	chat, err := repo.GetChat(ctx, dm.ID)
	require.NoError(t, err)
	require.NotNil(t, chat.LastMessage)
	assert.Equal(t, "Hello", chat.LastMessage.Text)
	assert.Equal(t, msg.ID, chat.LastMessage.MessageID)
	assert.Equal(t, 1, chat.Unread("bob"))
	assert.Equal(t, 0, chat.Unread("alice"))
}

func TestSendMessagePrivilegedName(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "support")
	require.NoError(t, err)

	msg, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "support", SenderName: "Sam", Payload: models.TextPayload{Text: "hi"}, Privileged: true})
	require.NoError(t, err)
	assert.Equal(t, "Sam (Boss)", msg.SenderName)
}

func TestSendMessageRejections(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "alice", Payload: models.TextPayload{Text: "   "}})
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)

	_, err = repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "mallory", Payload: models.TextPayload{Text: "hi"}})
	var aErr *AuthorizationError
	assert.ErrorAs(t, err, &aErr)

	_, err = repo.SendMessage(ctx, SendRequest{ChatID: "missing", SenderID: "alice", Payload: models.TextPayload{Text: "hi"}})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestSendMessageAfterRemovalWithWarmCache(t *testing.T) {
	repo, st, _ := newTestRepo(t)
	ctx := context.Background()
	group, err := repo.CreateGroupChat(ctx, "Team", "", "alice", []string{"bob"})
	require.NoError(t, err)

	// another client removes bob; this repo's cache still lists him
	_, err = st.UpdateChat(ctx, group.ID, func(c *models.Chat) error {
		c.RemoveParticipant("bob")
		return nil
	})
	require.NoError(t, err)

	_, err = repo.SendMessage(ctx, SendRequest{ChatID: group.ID, SenderID: "bob", Payload: models.TextPayload{Text: "hi"}})
	var aErr *AuthorizationError
	require.ErrorAs(t, err, &aErr)

	msgs, err := repo.ListMessages(ctx, group.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSendMessageWithReply(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)
	first, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "alice", SenderName: "Alice", Payload: models.TextPayload{Text: "lunch?"}})
	require.NoError(t, err)

	reply, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "bob", SenderName: "Bob", Payload: models.TextPayload{Text: "sure"}, ReplyToID: first.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, first.ID, reply.ReplyTo.MessageID)
	assert.Equal(t, "lunch?", reply.ReplyTo.Snippet)
	assert.Equal(t, "Alice", reply.ReplyTo.SenderName)
}

func TestEditMessage(t *testing.T) {
	repo, _, clock := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)
	msg, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "alice", Payload: models.TextPayload{Text: "helo"}})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	edited, err := repo.EditMessage(ctx, msg.ID, "alice", "hello")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, clock.Now(), *edited.EditedAt)
	assert.Equal(t, "hello", edited.Text())

	chat, err := repo.GetChat(ctx, dm.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", chat.LastMessage.Text)

	_, err = repo.EditMessage(ctx, msg.ID, "bob", "hijack")
	var aErr *AuthorizationError
	assert.ErrorAs(t, err, &aErr)
}

func TestEditMessageRejectsNonTextKinds(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)
	msg, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "alice", Payload: models.FilePayload{URL: "https://cdn/x.pdf", Name: "x.pdf"}})
	require.NoError(t, err)

	_, err = repo.EditMessage(ctx, msg.ID, "alice", "renamed")
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestSoftDeleteMessageIdempotent(t *testing.T) {
	repo, _, clock := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)
	first, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "alice", Payload: models.TextPayload{Text: "oops"}})
	require.NoError(t, err)
	reply, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "alice", Payload: models.TextPayload{Text: "secret"}, ReplyToID: first.ID})
	require.NoError(t, err)

	deleted, err := repo.SoftDeleteMessage(ctx, reply.ID, "alice")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	again, err := repo.SoftDeleteMessage(ctx, reply.ID, "alice")
	require.NoError(t, err)

	assert.Equal(t, deleted, again)
	assert.True(t, again.Deleted)
	assert.Nil(t, again.Payload)
	assert.Nil(t, again.ReplyTo)
	assert.Equal(t, reply.ID, again.ID)
	assert.Equal(t, reply.SenderID, again.SenderID)
	assert.Equal(t, reply.Timestamp, again.Timestamp)

	chat, err := repo.GetChat(ctx, dm.ID)
	require.NoError(t, err)
	assert.Equal(t, "message deleted", chat.LastMessage.Text)

	_, err = repo.SoftDeleteMessage(ctx, first.ID, "bob")
	var aErr *AuthorizationError
	assert.ErrorAs(t, err, &aErr)

	_, err = repo.SoftDeleteMessage(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestToggleReaction(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)
	msg, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "alice", Payload: models.TextPayload{Text: "ship it"}})
	require.NoError(t, err)

	once, err := repo.ToggleReaction(ctx, msg.ID, "bob", "Bob", "👍")
	require.NoError(t, err)
	require.Len(t, once.Reactions, 1)
	assert.Equal(t, "bob", once.Reactions[0].UserID)

	twice, err := repo.ToggleReaction(ctx, msg.ID, "bob", "Bob", "👍")
	require.NoError(t, err)
	assert.Empty(t, twice.Reactions)

	_, err = repo.ToggleReaction(ctx, msg.ID, "mallory", "M", "👍")
	var aErr *AuthorizationError
	assert.ErrorAs(t, err, &aErr)
}

func TestSearchMessages(t *testing.T) {
	repo, _, clock := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)

	send := func(sender, name string, p models.Payload) models.Message {
		clock.Advance(time.Second)
		msg, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: sender, SenderName: name, Payload: p})
		require.NoError(t, err)
		return msg
	}
	older := send("alice", "Alice", models.TextPayload{Text: "Release notes are up"})
	send("bob", "Bob", models.TextPayload{Text: "thanks"})
	newer := send("bob", "Bob", models.ImagePayload{URL: "https://cdn/p.png", Caption: "release party"})
	gone := send("alice", "Alice", models.TextPayload{Text: "release the kraken"})
	_, err = repo.SoftDeleteMessage(ctx, gone.ID, "alice")
	require.NoError(t, err)

	found, err := repo.SearchMessages(ctx, dm.ID, "RELEASE")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, newer.ID, found[0].ID)
	assert.Equal(t, older.ID, found[1].ID)

	byName, err := repo.SearchMessages(ctx, dm.ID, "bob")
	require.NoError(t, err)
	assert.Len(t, byName, 2)

	_, err = repo.SearchMessages(ctx, dm.ID, " ")
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestSendMessageRepeatedClientKeyCommitsOnce(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)

	req := SendRequest{ChatID: dm.ID, SenderID: "alice", Payload: models.TextPayload{Text: "once"}, ClientKey: "ck-7"}
	first, err := repo.SendMessage(ctx, req)
	require.NoError(t, err)
	again, err := repo.SendMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "alice", Payload: models.TextPayload{Text: "twice"}, ClientKey: "ck-8"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	msgs, err := repo.ListMessages(ctx, dm.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	chat, err := repo.GetChat(ctx, dm.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, chat.Unread("bob"))
}

func TestToggleReactionAfterRemovalWithWarmCache(t *testing.T) {
	repo, st, _ := newTestRepo(t)
	ctx := context.Background()
	group, err := repo.CreateGroupChat(ctx, "Team", "", "alice", []string{"bob"})
	require.NoError(t, err)
	msg, err := repo.SendMessage(ctx, SendRequest{ChatID: group.ID, SenderID: "alice", Payload: models.TextPayload{Text: "vote"}})
	require.NoError(t, err)
	_, err = repo.ToggleReaction(ctx, msg.ID, "bob", "Bob", "👍")
	require.NoError(t, err)

	_, err = st.UpdateChat(ctx, group.ID, func(c *models.Chat) error {
		c.RemoveParticipant("bob")
		return nil
	})
	require.NoError(t, err)

	_, err = repo.ToggleReaction(ctx, msg.ID, "bob", "Bob", "👎")
	var aErr *AuthorizationError
	require.ErrorAs(t, err, &aErr)

	got, err := repo.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, "👍", got.Reactions[0].Emoji)
}

func TestListMessagesOldestFirst(t *testing.T) {
	repo, _, clock := newTestRepo(t)
	ctx := context.Background()
	dm, err := repo.FindOrCreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)

	var sent []string
	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		msg, err := repo.SendMessage(ctx, SendRequest{ChatID: dm.ID, SenderID: "alice", Payload: models.TextPayload{Text: "tick"}})
		require.NoError(t, err)
		sent = append(sent, msg.ID)
	}

	all, err := repo.ListMessages(ctx, dm.ID, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, m := range all {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, sent, ids)

	recent, err := repo.ListMessages(ctx, dm.ID, 5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, sent[15], recent[0].ID)
	assert.Equal(t, sent[19], recent[4].ID)
}
