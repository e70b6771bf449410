// Package memstore is an in-process implementation of the store contracts.
// It backs single-process deployments and engine tests.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

// Store keeps chats, messages and presence in memory.
type Store struct {
	mu       sync.RWMutex
	chats    map[string]models.Chat
	messages map[string]models.Message

	fanout *store.Fanout

	presence *presenceHub

	faultMu sync.RWMutex
	fault   func(op string) error

	now func() time.Time
}

// New builds an empty store. now may be nil.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{
		chats:    make(map[string]models.Chat),
		messages: make(map[string]models.Message),
		fanout:   store.NewFanout(),
		now:      now,
	}
	s.presence = newPresenceHub(now)
	return s
}

// SetFault installs a hook consulted before every operation; a non-nil
// return fails the operation with that error. Used to simulate transport
// failures.
func (s *Store) SetFault(fn func(op string) error) {
	s.faultMu.Lock()
	s.fault = fn
	s.faultMu.Unlock()
}

func (s *Store) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.faultMu.RLock()
	fn := s.fault
	s.faultMu.RUnlock()
	if fn != nil {
		return fn(op)
	}
	return nil
}

// Put writes a raw chat record without validation or fault checks. It
// notifies watchers like any other write.
func (s *Store) Put(chat models.Chat) {
	s.mu.Lock()
	before, existed := s.chats[chat.ID]
	s.chats[chat.ID] = chat.Clone()
	s.mu.Unlock()
	var prev *models.Chat
	if existed {
		prev = &before
	}
	s.notify(store.ChatTopics(prev, &chat), chat.ID)
}

func (s *Store) CreateChat(ctx context.Context, chat models.Chat) error {
	if err := s.check(ctx, "CreateChat"); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.chats[chat.ID]; ok {
		s.mu.Unlock()
		return store.ErrAlreadyExists
	}
	s.chats[chat.ID] = chat.Clone()
	s.mu.Unlock()
	s.notify(store.ChatTopics(nil, &chat), chat.ID)
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	if err := s.check(ctx, "GetChat"); err != nil {
		return models.Chat{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return models.Chat{}, store.ErrNotFound
	}
	return chat.Clone(), nil
}

func (s *Store) UpdateChat(ctx context.Context, chatID string, mutate func(*models.Chat) error) (models.Chat, error) {
	if err := s.check(ctx, "UpdateChat"); err != nil {
		return models.Chat{}, err
	}
	s.mu.Lock()
	current, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return models.Chat{}, store.ErrNotFound
	}
	before := current.Clone()
	next := current.Clone()
	if err := mutate(&next); err != nil {
		s.mu.Unlock()
		if errors.Is(err, store.ErrSkip) {
			return before, nil
		}
		return models.Chat{}, err
	}
	next.ID = chatID
	s.chats[chatID] = next.Clone()
	s.mu.Unlock()
	s.notify(store.ChatTopics(&before, &next), chatID)
	return next, nil
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	if err := s.check(ctx, "DeleteChat"); err != nil {
		return err
	}
	s.mu.Lock()
	chat, ok := s.chats[chatID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.chats, chatID)
	s.mu.Unlock()
	s.notify(store.ChatTopics(&chat, nil), chatID)
	return nil
}

func (s *Store) QueryChats(ctx context.Context, q store.ChatQuery) ([]models.Chat, error) {
	if err := s.check(ctx, "QueryChats"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Chat
	for _, chat := range s.chats {
		if q.ParticipantID != "" && !chat.IsParticipant(q.ParticipantID) {
			continue
		}
		out = append(out, chat.Clone())
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	if err := s.check(ctx, "GetMessage"); err != nil {
		return models.Message{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return models.Message{}, store.ErrNotFound
	}
	return msg.Clone(), nil
}

func (s *Store) UpdateMessage(ctx context.Context, messageID string, mutate func(*models.Message) error) (models.Message, error) {
	if err := s.check(ctx, "UpdateMessage"); err != nil {
		return models.Message{}, err
	}
	s.mu.Lock()
	current, ok := s.messages[messageID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, store.ErrNotFound
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		s.mu.Unlock()
		if errors.Is(err, store.ErrSkip) {
			return current.Clone(), nil
		}
		return models.Message{}, err
	}
	next.ID = current.ID
	next.ChatID = current.ChatID
	s.messages[messageID] = next.Clone()
	s.mu.Unlock()
	s.notify([]string{store.MessagesTopic(next.ChatID)}, messageID)
	return next, nil
}

// QueryMessages returns the most recent messages. Callers must sort.
func (s *Store) QueryMessages(ctx context.Context, q store.MessageQuery) ([]models.Message, error) {
	if err := s.check(ctx, "QueryMessages"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []models.Message
	for _, msg := range s.messages {
		if msg.ChatID == q.ChatID {
			out = append(out, msg.Clone())
		}
	}
	s.mu.RUnlock()
	if q.Limit > 0 && len(out) > q.Limit {
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CommitMessage(ctx context.Context, msg models.Message, mutateChat func(*models.Chat) error) (models.Message, models.Chat, error) {
	if err := s.check(ctx, "CommitMessage"); err != nil {
		return models.Message{}, models.Chat{}, err
	}
	s.mu.Lock()
	if _, ok := s.messages[msg.ID]; ok {
		s.mu.Unlock()
		return models.Message{}, models.Chat{}, store.ErrAlreadyExists
	}
	current, ok := s.chats[msg.ChatID]
	if !ok {
		s.mu.Unlock()
		return models.Message{}, models.Chat{}, store.ErrNotFound
	}
	before := current.Clone()
	next := current.Clone()
	if mutateChat != nil {
		if err := mutateChat(&next); err != nil {
			s.mu.Unlock()
			return models.Message{}, models.Chat{}, err
		}
	}
	s.messages[msg.ID] = msg.Clone()
	s.chats[next.ID] = next.Clone()
	s.mu.Unlock()
	s.notify([]string{store.MessagesTopic(msg.ChatID)}, msg.ID)
	s.notify(store.ChatTopics(&before, &next), next.ID)
	return msg, next, nil
}

func (s *Store) Watch(ctx context.Context, topic string) (<-chan store.Change, error) {
	if err := s.check(ctx, "Watch"); err != nil {
		return nil, err
	}
	return s.fanout.Subscribe(ctx, topic), nil
}

// Watchers returns the number of live watches on topic.
func (s *Store) Watchers(topic string) int {
	return s.fanout.Count(topic)
}

func (s *Store) notify(topics []string, docID string) {
	s.fanout.Publish(topics, docID)
}

// Presence returns the presence half of the store.
func (s *Store) Presence() store.PresenceStore {
	return s.presence
}

var _ store.DocumentStore = (*Store)(nil)
