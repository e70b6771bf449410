// Package status drives per-message delivery and read acknowledgement.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

// ReadWindow is how many of the most recent messages MarkChatRead scans.
const ReadWindow = 50

var ErrInvalidTransition = errors.New("invalid status transition")

// Transition validates a move from one status to another. Moving to the
// same status is allowed and changes nothing.
func Transition(from, to models.MessageStatus) error {
	if from == to {
		return nil
	}
	ok := false
	switch to {
	case models.StatusSent:
		ok = from == models.StatusSending
	case models.StatusDelivered:
		ok = from == models.StatusSent
	case models.StatusFailed:
		ok = from == models.StatusSending || from == models.StatusSent
	case models.StatusRead:
		ok = from != models.StatusFailed
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ChatStore is the part of the document store the machine writes to.
type ChatStore interface {
	UpdateMessage(ctx context.Context, messageID string, mutate func(*models.Message) error) (models.Message, error)
	QueryMessages(ctx context.Context, q store.MessageQuery) ([]models.Message, error)
	UpdateChat(ctx context.Context, chatID string, mutate func(*models.Chat) error) (models.Chat, error)
}

// Machine records delivery and read receipts.
type Machine struct {
	store ChatStore
	now   func() time.Time
	log   *zap.Logger
}

func NewMachine(st ChatStore, now func() time.Time, log *zap.Logger) *Machine {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{store: st, now: now, log: log}
}

// MarkDelivered records that recipientID received the message. Marking the
// sender, or marking twice, changes nothing.
func (m *Machine) MarkDelivered(ctx context.Context, messageID, recipientID string) error {
	_, err := m.store.UpdateMessage(ctx, messageID, func(msg *models.Message) error {
		if msg.SenderID == recipientID {
			return store.ErrSkip
		}
		if _, ok := msg.DeliveredTo[recipientID]; ok {
			return store.ErrSkip
		}
		if msg.DeliveredTo == nil {
			msg.DeliveredTo = map[string]time.Time{}
		}
		msg.DeliveredTo[recipientID] = m.now()
		if Transition(msg.Status, models.StatusDelivered) == nil {
			msg.Status = models.StatusDelivered
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", messageID, err)
	}
	return nil
}

// MarkRead records that readerID read the message. A read implies delivery.
func (m *Machine) MarkRead(ctx context.Context, messageID, readerID string) error {
	_, err := m.store.UpdateMessage(ctx, messageID, func(msg *models.Message) error {
		if !applyRead(msg, readerID, m.now()) {
			return store.ErrSkip
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark read %s: %w", messageID, err)
	}
	return nil
}

func applyRead(msg *models.Message, readerID string, at time.Time) bool {
	if msg.SenderID == readerID {
		return false
	}
	if _, ok := msg.ReadBy[readerID]; ok {
		return false
	}
	if Transition(msg.Status, models.StatusRead) != nil {
		return false
	}
	if msg.ReadBy == nil {
		msg.ReadBy = map[string]time.Time{}
	}
	msg.ReadBy[readerID] = at
	if _, ok := msg.DeliveredTo[readerID]; !ok {
		if msg.DeliveredTo == nil {
			msg.DeliveredTo = map[string]time.Time{}
		}
		msg.DeliveredTo[readerID] = at
	}
	msg.Status = models.StatusRead
	return true
}

// MarkChatRead marks the most recent messages of a chat as read by readerID
// and resets the reader's unread counter. Every message is attempted; the
// first failure is returned after the batch.
func (m *Machine) MarkChatRead(ctx context.Context, chatID, readerID string) error {
	msgs, err := m.store.QueryMessages(ctx, store.MessageQuery{ChatID: chatID, Limit: ReadWindow})
	if err != nil {
		return fmt.Errorf("mark chat read %s: %w", chatID, err)
	}

	var first error
	marked := 0
	for _, msg := range msgs {
		if msg.SenderID == readerID || msg.Deleted {
			continue
		}
		if _, ok := msg.ReadBy[readerID]; ok {
			continue
		}
		if err := m.MarkRead(ctx, msg.ID, readerID); err != nil {
			m.log.Debug("mark read failed", zap.String("message_id", msg.ID), zap.Error(err))
			if first == nil {
				first = err
			}
			continue
		}
		marked++
	}

	_, err = m.store.UpdateChat(ctx, chatID, func(c *models.Chat) error {
		if c.UnreadCounts[readerID] == 0 {
			return store.ErrSkip
		}
		c.UnreadCounts[readerID] = 0
		return nil
	})
	if err != nil && first == nil {
		first = fmt.Errorf("reset unread %s: %w", chatID, err)
	}
	if marked > 0 {
		m.log.Debug("chat marked read", zap.String("chat_id", chatID), zap.Int("messages", marked))
	}
	return first
}

// Aggregate returns the status shown to the sender: read once every other
// participant has read, delivered once every other participant has received,
// otherwise the stored status.
func Aggregate(msg models.Message, participants []string) models.MessageStatus {
	if msg.Status == models.StatusFailed || msg.Status == models.StatusSending {
		return msg.Status
	}
	others := 0
	read, delivered := 0, 0
	for _, p := range participants {
		if p == msg.SenderID {
			continue
		}
		others++
		if _, ok := msg.ReadBy[p]; ok {
			read++
			delivered++
			continue
		}
		if _, ok := msg.DeliveredTo[p]; ok {
			delivered++
		}
	}
	switch {
	case others == 0:
		return msg.Status
	case read == others:
		return models.StatusRead
	case delivered == others:
		return models.StatusDelivered
	}
	return models.StatusSent
}
