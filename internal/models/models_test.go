package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageJSONKeepsPayloadVariant(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	in := Message{
		ID:        "m1",
		ChatID:    "c1",
		SenderID:  "alice",
		Kind:      KindFile,
		Payload:   FilePayload{URL: "https://cdn.test/a.pdf", Name: "a.pdf", MimeType: "application/pdf", Size: 42},
		Timestamp: at,
		ReadBy:    map[string]time.Time{"bob": at},
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"file"`)

	var out Message
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in.Payload, out.Payload)
	assert.Equal(t, KindFile, out.Kind)
	assert.True(t, out.ReadBy["bob"].Equal(at))
}

func TestMessageJSONRejectsUnknownKind(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"id":"m1","kind":"sticker","payload":{"id":1}}`), &m)
	assert.ErrorContains(t, err, "sticker")
}

func TestScrubKeepsIdentity(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	m := Message{
		ID:        "m1",
		SenderID:  "alice",
		Kind:      KindText,
		Payload:   TextPayload{Text: "secret"},
		Timestamp: at,
		ReplyTo:   &ReplyRef{MessageID: "m0"},
		Reactions: []Reaction{{UserID: "bob", Emoji: "👍"}},
	}

	m.Scrub(at.Add(time.Minute))
	first := *m.DeletedAt
	m.Scrub(at.Add(time.Hour))

	assert.True(t, m.Deleted)
	assert.Nil(t, m.Payload)
	assert.Nil(t, m.ReplyTo)
	assert.Empty(t, m.Reactions)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "alice", m.SenderID)
	assert.Equal(t, first, *m.DeletedAt)

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	var back Message
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.True(t, back.Deleted)
	assert.Nil(t, back.Payload)
	assert.Equal(t, KindText, back.Kind)
}

func TestCreatorIsAlwaysAdmin(t *testing.T) {
	g := Chat{Type: ChatGroup, CreatorID: "alice", Participants: []string{"alice", "bob"}, Admins: []string{"bob"}}
	assert.True(t, g.IsAdmin("alice"))
	assert.True(t, g.IsAdmin("bob"))
	assert.False(t, g.IsAdmin("carol"))
	assert.False(t, g.IsAdmin(""))

	d := Chat{Type: ChatDirect, CreatorID: "alice", Participants: []string{"alice", "bob"}}
	assert.False(t, d.IsAdmin("alice"))
}

func TestCloneDoesNotShare(t *testing.T) {
	c := Chat{Participants: []string{"a"}, UnreadCounts: map[string]int{"a": 1}}
	cp := c.Clone()
	cp.Participants[0] = "b"
	cp.UnreadCounts["a"] = 5
	assert.Equal(t, "a", c.Participants[0])
	assert.Equal(t, 1, c.UnreadCounts["a"])
}

func TestWithText(t *testing.T) {
	p, ok := WithText(ImagePayload{URL: "u", Caption: "old"}, "new")
	require.True(t, ok)
	assert.Equal(t, "new", p.(ImagePayload).Caption)

	_, ok = WithText(VoicePayload{URL: "u"}, "new")
	assert.False(t, ok)
}

func TestReplyRefSnippet(t *testing.T) {
	long := strings.Repeat("x", 200)
	ref := NewReplyRef(Message{ID: "m1", SenderID: "alice", Payload: TextPayload{Text: long}})
	assert.Equal(t, 121, len([]rune(ref.Snippet)))

	ref = NewReplyRef(Message{ID: "m2", Deleted: true})
	assert.Equal(t, "message deleted", ref.Snippet)
}

func TestValidatePayload(t *testing.T) {
	assert.ErrorIs(t, ValidatePayload(nil), ErrEmptyPayload)
	assert.ErrorIs(t, ValidatePayload(TextPayload{Text: "  "}), ErrEmptyPayload)
	assert.ErrorIs(t, ValidatePayload(FilePayload{URL: "u"}), ErrEmptyPayload)
	assert.NoError(t, ValidatePayload(ImagePayload{URL: "u"}))
}
