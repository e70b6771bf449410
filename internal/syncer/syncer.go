// Package syncer turns store change notifications into complete, ordered
// snapshots of a user's chat list and of the open chat's messages.
//
// Every notification triggers a full re-fetch of the affected set. A
// snapshot is published whole and replaces the previous one; consumers never
// see a partially applied change.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/directory"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
)

// MessageWindow is the number of most recent messages kept in a snapshot.
const MessageWindow = 100

// Store is the read side of the document store.
type Store interface {
	QueryChats(ctx context.Context, q store.ChatQuery) ([]models.Chat, error)
	QueryMessages(ctx context.Context, q store.MessageQuery) ([]models.Message, error)
	Watch(ctx context.Context, topic string) (<-chan store.Change, error)
}

// ChatDeleter removes corrupt chat records.
type ChatDeleter interface {
	DeleteChat(ctx context.Context, chatID string) error
}

// DeliveryMarker records message receipt.
type DeliveryMarker interface {
	MarkDelivered(ctx context.Context, messageID, recipientID string) error
}

// ChatView is a chat with its display data resolved for the local user.
type ChatView struct {
	models.Chat
	Counterpart string `json:"counterpart,omitempty"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

type ChatSnapshot struct {
	UserID string
	Chats  []ChatView
}

type MessageSnapshot struct {
	ChatID   string
	Messages []models.Message
}

// Options wires the synchronizer's collaborators. Profiles, Deleter and
// Delivery are optional.
type Options struct {
	LocalUserID   string
	Profiles      *directory.ProfileCache
	Deleter       ChatDeleter
	Delivery      DeliveryMarker
	MessageWindow int
	Log           *zap.Logger
}

// Synchronizer serves one client session.
type Synchronizer struct {
	store    Store
	userID   string
	profiles *directory.ProfileCache
	delivery DeliveryMarker
	window   int
	log      *zap.Logger

	cleanup *cleanupQueue

	mu       sync.Mutex
	msgSubs  map[string]*MessageSubscription
	chatSubs map[*ChatSubscription]struct{}
}

func New(st Store, opts Options) *Synchronizer {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.MessageWindow <= 0 {
		opts.MessageWindow = MessageWindow
	}
	return &Synchronizer{
		store:    st,
		userID:   opts.LocalUserID,
		profiles: opts.Profiles,
		delivery: opts.Delivery,
		window:   opts.MessageWindow,
		log:      opts.Log,
		cleanup:  newCleanupQueue(opts.Deleter, opts.Log),
		msgSubs:  make(map[string]*MessageSubscription),
		chatSubs: make(map[*ChatSubscription]struct{}),
	}
}

// Close cancels every subscription and stops background cleanup.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	msgs := make([]*MessageSubscription, 0, len(s.msgSubs))
	for _, sub := range s.msgSubs {
		msgs = append(msgs, sub)
	}
	chats := make([]*ChatSubscription, 0, len(s.chatSubs))
	for sub := range s.chatSubs {
		chats = append(chats, sub)
	}
	s.mu.Unlock()

	for _, sub := range msgs {
		sub.Cancel()
	}
	for _, sub := range chats {
		sub.Cancel()
	}
	s.cleanup.stop()
}

// handle is the cancellation half shared by subscriptions.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	after  func()
}

func (h *handle) Cancel() {
	h.once.Do(func() {
		h.cancel()
		<-h.done
		if h.after != nil {
			h.after()
		}
	})
}

// ChatSubscription streams chat list snapshots until cancelled.
type ChatSubscription struct {
	C <-chan ChatSnapshot
	handle
}

// MessageSubscription streams message snapshots of one chat until cancelled.
type MessageSubscription struct {
	ChatID string
	C      <-chan MessageSnapshot
	handle
}

// SubscribeChats watches every chat userID participates in.
func (s *Synchronizer) SubscribeChats(ctx context.Context, userID string) (*ChatSubscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	changes, err := s.store.Watch(ctx, store.ChatsTopic(userID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch chats of %s: %w", userID, err)
	}

	out := make(chan ChatSnapshot, 1)
	sub := &ChatSubscription{C: out, handle: handle{cancel: cancel, done: make(chan struct{})}}
	sub.after = func() {
		s.mu.Lock()
		delete(s.chatSubs, sub)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.chatSubs[sub] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(sub.done)
		defer close(out)
		refresh := func() {
			snap, err := s.chatSnapshot(ctx, userID)
			if err != nil {
				if ctx.Err() == nil {
					observability.IncFetchError("chats")
					s.log.Warn("chat list refresh failed", zap.String("user_id", userID), zap.Error(err))
				}
				return
			}
			publishLatest(out, snap)
			observability.IncSnapshot("chats")
		}

		refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				refresh()
			}
		}
	}()
	return sub, nil
}

// SubscribeMessages watches one chat. An earlier subscription to the same
// chat is cancelled first.
func (s *Synchronizer) SubscribeMessages(ctx context.Context, chatID string) (*MessageSubscription, error) {
	s.mu.Lock()
	prev := s.msgSubs[chatID]
	s.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	changes, err := s.store.Watch(ctx, store.MessagesTopic(chatID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch messages of %s: %w", chatID, err)
	}

	out := make(chan MessageSnapshot, 1)
	sub := &MessageSubscription{ChatID: chatID, C: out, handle: handle{cancel: cancel, done: make(chan struct{})}}
	sub.after = func() {
		s.mu.Lock()
		if s.msgSubs[chatID] == sub {
			delete(s.msgSubs, chatID)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	if racing := s.msgSubs[chatID]; racing != nil {
		s.mu.Unlock()
		racing.Cancel()
		s.mu.Lock()
	}
	s.msgSubs[chatID] = sub
	s.mu.Unlock()

	go func() {
		defer close(sub.done)
		defer close(out)
		refresh := func() {
			msgs, err := s.store.QueryMessages(ctx, store.MessageQuery{ChatID: chatID, Limit: s.window})
			if err != nil {
				if ctx.Err() == nil {
					observability.IncFetchError("messages")
					s.log.Warn("message refresh failed", zap.String("chat_id", chatID), zap.Error(err))
				}
				return
			}
			SortMessages(msgs)
			publishLatest(out, MessageSnapshot{ChatID: chatID, Messages: msgs})
			observability.IncSnapshot("messages")
			s.markDelivered(ctx, msgs)
		}

		refresh()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				refresh()
			}
		}
	}()
	return sub, nil
}

func (s *Synchronizer) markDelivered(ctx context.Context, msgs []models.Message) {
	if s.delivery == nil || s.userID == "" {
		return
	}
	for _, m := range msgs {
		if m.SenderID == s.userID || m.Deleted {
			continue
		}
		if _, ok := m.DeliveredTo[s.userID]; ok {
			continue
		}
		if err := s.delivery.MarkDelivered(ctx, m.ID, s.userID); err != nil && ctx.Err() == nil {
			s.log.Debug("mark delivered failed", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
}

func (s *Synchronizer) chatSnapshot(ctx context.Context, userID string) (ChatSnapshot, error) {
	chats, err := s.store.QueryChats(ctx, store.ChatQuery{ParticipantID: userID})
	if err != nil {
		return ChatSnapshot{}, err
	}

	views := make([]ChatView, 0, len(chats))
	for _, c := range chats {
		if err := CheckIntegrity(c, userID); err != nil {
			observability.IncIntegrityViolation()
			s.log.Warn("corrupt chat record excluded", zap.String("chat_id", c.ID), zap.Error(err))
			s.cleanup.enqueue(c.ID)
			continue
		}
		if c.HiddenFor[userID] {
			continue
		}
		views = append(views, s.view(ctx, c, userID))
	}
	SortChats(views, userID)
	return ChatSnapshot{UserID: userID, Chats: views}, nil
}

func (s *Synchronizer) view(ctx context.Context, c models.Chat, userID string) ChatView {
	v := ChatView{Chat: c, DisplayName: c.Name, Avatar: c.AvatarURL}
	if c.Type != models.ChatDirect {
		return v
	}
	v.Counterpart = c.Counterpart(userID)
	v.DisplayName = v.Counterpart
	if s.profiles == nil {
		return v
	}
	u, err := s.profiles.Get(ctx, v.Counterpart)
	if err != nil {
		s.log.Debug("profile lookup failed", zap.String("user_id", v.Counterpart), zap.Error(err))
		return v
	}
	if u.DisplayName != "" {
		v.DisplayName = u.DisplayName
	}
	v.Avatar = u.AvatarURL
	return v
}

// publishLatest hands v to the reader, replacing a snapshot it has not
// consumed yet. Each channel has a single producer.
func publishLatest[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// cleanupQueue deletes corrupt records in the background, once per id at a
// time.
type cleanupQueue struct {
	deleter ChatDeleter
	log     *zap.Logger

	ids    chan string
	mu     sync.Mutex
	queued map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func newCleanupQueue(deleter ChatDeleter, log *zap.Logger) *cleanupQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &cleanupQueue{
		deleter: deleter,
		log:     log,
		ids:     make(chan string, 64),
		queued:  make(map[string]struct{}),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go q.run(ctx)
	return q
}

func (q *cleanupQueue) enqueue(chatID string) {
	if q.deleter == nil {
		return
	}
	q.mu.Lock()
	if _, ok := q.queued[chatID]; ok {
		q.mu.Unlock()
		return
	}
	q.queued[chatID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.ids <- chatID:
	default:
		q.forget(chatID)
		q.log.Warn("cleanup queue full", zap.String("chat_id", chatID))
	}
}

func (q *cleanupQueue) forget(chatID string) {
	q.mu.Lock()
	delete(q.queued, chatID)
	q.mu.Unlock()
}

func (q *cleanupQueue) run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.ids:
			dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := q.deleter.DeleteChat(dctx, id)
			cancel()
			if err != nil {
				observability.IncCleanupFailure()
				q.log.Warn("corrupt chat cleanup failed", zap.String("chat_id", id), zap.Error(err))
			} else {
				q.log.Info("corrupt chat deleted", zap.String("chat_id", id))
			}
			q.forget(id)
		}
	}
}

func (q *cleanupQueue) stop() {
	q.cancel()
	<-q.done
}

// Pending reports whether chatID is waiting for cleanup.
func (s *Synchronizer) Pending(chatID string) bool {
	s.cleanup.mu.Lock()
	defer s.cleanup.mu.Unlock()
	_, ok := s.cleanup.queued[chatID]
	return ok
}
