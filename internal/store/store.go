// Package store defines the backing store contract the engine runs against:
// a replicated document store with change notifications and an ephemeral
// presence store with on-disconnect semantics.
package store

import (
	"context"
	"errors"

	"chat-sync/internal/models"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
	ErrClosed        = errors.New("store connection closed")
	// ErrSkip may be returned by an update's mutate func to leave the
	// document untouched. The update then returns the current document and
	// a nil error, and no change is notified.
	ErrSkip = errors.New("skip update")
)

// ChatQuery filters chats. The result order is unspecified.
type ChatQuery struct {
	ParticipantID string
}

// MessageQuery selects the Limit most recent messages of a chat. Limit <= 0
// means all. The result order is unspecified.
type MessageQuery struct {
	ChatID string
	Limit  int
}

// Change is a notification that something under a topic changed. Consumers
// re-read the affected set rather than applying the change.
type Change struct {
	Topic string
	DocID string
}

// DocumentStore holds Chat and Message records.
type DocumentStore interface {
	CreateChat(ctx context.Context, chat models.Chat) error
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	UpdateChat(ctx context.Context, chatID string, mutate func(*models.Chat) error) (models.Chat, error)
	DeleteChat(ctx context.Context, chatID string) error
	QueryChats(ctx context.Context, q ChatQuery) ([]models.Chat, error)

	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	UpdateMessage(ctx context.Context, messageID string, mutate func(*models.Message) error) (models.Message, error)
	QueryMessages(ctx context.Context, q MessageQuery) ([]models.Message, error)
	// CommitMessage inserts msg and applies mutateChat to its parent chat in
	// one atomic step.
	CommitMessage(ctx context.Context, msg models.Message, mutateChat func(*models.Chat) error) (models.Message, models.Chat, error)

	// Watch streams changes for topic until ctx is done, then closes the
	// channel. Bursts may be coalesced into a single Change.
	Watch(ctx context.Context, topic string) (<-chan Change, error)
}

// PresenceConn is one connection-scoped presence session.
type PresenceConn interface {
	Set(ctx context.Context, rec models.PresenceRecord) error
	// OnDisconnect registers rec to be written when this connection ends,
	// cleanly or not.
	OnDisconnect(ctx context.Context, rec models.PresenceRecord) error
	Close() error
}

// PresenceStore is the ephemeral key-value store for presence records.
type PresenceStore interface {
	Connect(ctx context.Context, userID string) (PresenceConn, error)
	Get(ctx context.Context, userIDs []string) (map[string]models.PresenceRecord, error)
	Watch(ctx context.Context, userIDs []string) (<-chan models.PresenceRecord, error)
}

// ChatsTopic is notified whenever a chat the user belongs or belonged to changes.
func ChatsTopic(userID string) string { return "chats:" + userID }

// MessagesTopic is notified whenever a message of the chat changes.
func MessagesTopic(chatID string) string { return "messages:" + chatID }

// ChatTopics lists the topics touched by a change from before to after.
func ChatTopics(before, after *models.Chat) []string {
	seen := map[string]struct{}{}
	var topics []string
	add := func(c *models.Chat) {
		if c == nil {
			return
		}
		for _, p := range c.Participants {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			topics = append(topics, ChatsTopic(p))
		}
	}
	add(before)
	add(after)
	return topics
}
