package models

import (
	"time"
)

// ChatType distinguishes one-to-one conversations from groups.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Chat is a conversation record as held by the backing store.
type Chat struct {
	ID           string          `json:"id"`
	Type         ChatType        `json:"type"`
	Participants []string        `json:"participants"`
	Name         string          `json:"name,omitempty"`
	Description  string          `json:"description,omitempty"`
	AvatarURL    string          `json:"avatar_url,omitempty"`
	Admins       []string        `json:"admins,omitempty"`
	CreatorID    string          `json:"creator_id"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	UnreadCounts map[string]int  `json:"unread_counts,omitempty"`
	Pinned       map[string]bool `json:"pinned,omitempty"`
	Starred      map[string]bool `json:"starred,omitempty"`
	HiddenFor    map[string]bool `json:"hidden_for,omitempty"`
	LastMessage  *MessageSummary `json:"last_message,omitempty"`
}

// MessageSummary is the denormalized last message rendered in chat lists.
type MessageSummary struct {
	MessageID  string      `json:"message_id"`
	Text       string      `json:"text"`
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name,omitempty"`
	Kind       MessageKind `json:"kind"`
	Timestamp  time.Time   `json:"timestamp"`
}

// IsParticipant reports whether userID is a member of the chat.
func (c Chat) IsParticipant(userID string) bool {
	return contains(c.Participants, userID)
}

// IsAdmin reports whether userID may manage the group. The creator is always
// an admin, even if the admin list was rewritten without them.
func (c Chat) IsAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	if c.Type == ChatGroup && c.CreatorID == userID {
		return true
	}
	return contains(c.Admins, userID)
}

// Counterpart returns the other participant of a direct chat.
func (c Chat) Counterpart(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// LastActivity is the time used to order chat lists.
func (c Chat) LastActivity() time.Time {
	if c.LastMessage != nil && !c.LastMessage.Timestamp.IsZero() {
		return c.LastMessage.Timestamp
	}
	return c.CreatedAt
}

// Unread returns the unread counter for userID.
func (c Chat) Unread(userID string) int {
	return c.UnreadCounts[userID]
}

// IsPinned reports the per-user pinned flag.
func (c Chat) IsPinned(userID string) bool { return c.Pinned[userID] }

// IsStarred reports the per-user starred flag.
func (c Chat) IsStarred(userID string) bool { return c.Starred[userID] }

// Clone returns a deep copy so that snapshots never share maps or slices.
func (c Chat) Clone() Chat {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	out.Admins = append([]string(nil), c.Admins...)
	out.UnreadCounts = cloneMap(c.UnreadCounts)
	out.Pinned = cloneMap(c.Pinned)
	out.Starred = cloneMap(c.Starred)
	out.HiddenFor = cloneMap(c.HiddenFor)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// RemoveParticipant drops userID from participants and admins.
func (c *Chat) RemoveParticipant(userID string) {
	c.Participants = without(c.Participants, userID)
	c.Admins = without(c.Admins, userID)
	delete(c.UnreadCounts, userID)
	delete(c.Pinned, userID)
	delete(c.Starred, userID)
	delete(c.HiddenFor, userID)
}

func contains(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func without(list []string, id string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
