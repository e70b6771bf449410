package models

import "time"

// PresenceStatus is the advisory online state of a user.
type PresenceStatus string

const (
	Online  PresenceStatus = "online"
	Offline PresenceStatus = "offline"
)

// PresenceRecord is written by the owning client and read by subscribers.
type PresenceRecord struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

// OptimisticMessage is the client only shadow of a message that has not been
// confirmed by the store yet.
type OptimisticMessage struct {
	TempID         string        `json:"temp_id"`
	ChatID         string        `json:"chat_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name"`
	Payload        Payload       `json:"-"`
	ReplyTo        *ReplyRef     `json:"reply_to,omitempty"`
	LocalTimestamp time.Time     `json:"local_timestamp"`
	ClientKey      string        `json:"client_key"`
	Status         MessageStatus `json:"status"`
	Retries        int           `json:"retries"`
	MessageID      string        `json:"message_id,omitempty"`
	Err            string        `json:"error,omitempty"`
}

// Kind returns the payload kind.
func (o OptimisticMessage) Kind() MessageKind {
	if o.Payload == nil {
		return KindText
	}
	return o.Payload.Kind()
}

// AsMessage renders the optimistic message with the message shape.
func (o OptimisticMessage) AsMessage() Message {
	return Message{
		ID:         o.TempID,
		ChatID:     o.ChatID,
		SenderID:   o.SenderID,
		SenderName: o.SenderName,
		Kind:       o.Kind(),
		Payload:    o.Payload,
		Timestamp:  o.LocalTimestamp,
		ClientKey:  o.ClientKey,
		ReplyTo:    o.ReplyTo,
		Status:     o.Status,
	}
}
