package models

import (
	"encoding/json"
	"time"
)

// MessageStatus is the delivery lifecycle of a message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Message is an authoritative chat message.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	SenderName  string
	Kind        MessageKind
	Payload     Payload
	Timestamp   time.Time
	ClientKey   string
	ReplyTo     *ReplyRef
	Reactions   []Reaction
	Edited      bool
	EditedAt    *time.Time
	Deleted     bool
	DeletedAt   *time.Time
	Status      MessageStatus
	DeliveredTo map[string]time.Time
	ReadBy      map[string]time.Time
}

// ReplyRef is a denormalized pointer to the message being answered.
type ReplyRef struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Snippet    string `json:"snippet"`
}

// Reaction is a single emoji left by a user.
type Reaction struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Emoji       string    `json:"emoji"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatEvent is published for every committed message change.
type ChatEvent struct {
	Type      string   `json:"type"`
	ChatID    string   `json:"chat_id"`
	Message   *Message `json:"message,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
}

type messageJSON struct {
	ID          string               `json:"id"`
	ChatID      string               `json:"chat_id"`
	SenderID    string               `json:"sender_id"`
	SenderName  string               `json:"sender_name,omitempty"`
	Kind        MessageKind          `json:"kind"`
	Payload     json.RawMessage      `json:"payload,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	ClientKey   string               `json:"client_key,omitempty"`
	ReplyTo     *ReplyRef            `json:"reply_to,omitempty"`
	Reactions   []Reaction           `json:"reactions,omitempty"`
	Edited      bool                 `json:"edited,omitempty"`
	EditedAt    *time.Time           `json:"edited_at,omitempty"`
	Deleted     bool                 `json:"deleted,omitempty"`
	DeletedAt   *time.Time           `json:"deleted_at,omitempty"`
	Status      MessageStatus        `json:"status,omitempty"`
	DeliveredTo map[string]time.Time `json:"delivered_to,omitempty"`
	ReadBy      map[string]time.Time `json:"read_by,omitempty"`
}

// MarshalJSON encodes the payload next to its kind tag.
func (m Message) MarshalJSON() ([]byte, error) {
	kind, raw, err := encodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	if kind == "" {
		kind = m.Kind
	}
	return json.Marshal(messageJSON{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		SenderName:  m.SenderName,
		Kind:        kind,
		Payload:     raw,
		Timestamp:   m.Timestamp,
		ClientKey:   m.ClientKey,
		ReplyTo:     m.ReplyTo,
		Reactions:   m.Reactions,
		Edited:      m.Edited,
		EditedAt:    m.EditedAt,
		Deleted:     m.Deleted,
		DeletedAt:   m.DeletedAt,
		Status:      m.Status,
		DeliveredTo: m.DeliveredTo,
		ReadBy:      m.ReadBy,
	})
}

// UnmarshalJSON decodes the payload variant named by the kind tag.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	*m = Message{
		ID:          w.ID,
		ChatID:      w.ChatID,
		SenderID:    w.SenderID,
		SenderName:  w.SenderName,
		Kind:        w.Kind,
		Payload:     payload,
		Timestamp:   w.Timestamp,
		ClientKey:   w.ClientKey,
		ReplyTo:     w.ReplyTo,
		Reactions:   w.Reactions,
		Edited:      w.Edited,
		EditedAt:    w.EditedAt,
		Deleted:     w.Deleted,
		DeletedAt:   w.DeletedAt,
		Status:      w.Status,
		DeliveredTo: w.DeliveredTo,
		ReadBy:      w.ReadBy,
	}
	return nil
}

// Text returns the searchable/previewable text of the message.
func (m Message) Text() string {
	return Preview(m.Payload)
}

// Summary builds the chat list summary for this message.
func (m Message) Summary() *MessageSummary {
	return &MessageSummary{
		MessageID:  m.ID,
		Text:       Preview(m.Payload),
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Kind:       m.Kind,
		Timestamp:  m.Timestamp,
	}
}

// Scrub soft deletes the message in place. Identity, sender and timestamp are
// kept so that reply references stay resolvable.
func (m *Message) Scrub(at time.Time) {
	m.Payload = nil
	m.ReplyTo = nil
	m.Reactions = nil
	m.Deleted = true
	if m.DeletedAt == nil {
		t := at
		m.DeletedAt = &t
	}
}

// HasReaction reports whether userID already reacted with emoji.
func (m Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	out.Reactions = append([]Reaction(nil), m.Reactions...)
	out.DeliveredTo = cloneMap(m.DeliveredTo)
	out.ReadBy = cloneMap(m.ReadBy)
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		out.ReplyTo = &r
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		out.DeletedAt = &t
	}
	return out
}

// NewReplyRef denormalizes target into a reply reference.
func NewReplyRef(target Message) *ReplyRef {
	snippet := Preview(target.Payload)
	if target.Deleted {
		snippet = "message deleted"
	}
	if r := []rune(snippet); len(r) > 120 {
		snippet = string(r[:120]) + "…"
	}
	return &ReplyRef{
		MessageID:  target.ID,
		SenderID:   target.SenderID,
		SenderName: target.SenderName,
		Snippet:    snippet,
	}
}
