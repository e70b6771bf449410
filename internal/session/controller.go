// Package session is the facade a client UI drives: it owns the selected
// chat, the live subscriptions and the optimistic pipeline of one signed-in
// user, and exposes outgoing actions and derived view data.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/directory"
	"chat-sync/internal/models"
	"chat-sync/internal/optimistic"
	"chat-sync/internal/presence"
	"chat-sync/internal/repositories"
	"chat-sync/internal/status"
	"chat-sync/internal/store"
	"chat-sync/internal/syncer"
)

var ErrNoChatSelected = errors.New("no chat selected")

type UpdateKind string

const (
	UpdateChats    UpdateKind = "chats"
	UpdateMessages UpdateKind = "messages"
	UpdatePresence UpdateKind = "presence"
)

// Update tells the UI which part of the view to re-read.
type Update struct {
	Kind   UpdateKind
	ChatID string
}

// Deps are the collaborators of a Controller. Directory and Media are
// optional.
type Deps struct {
	User       models.User
	Privileged bool

	Repo      repositories.ChatRepository
	Docs      store.DocumentStore
	Presence  store.PresenceStore
	Profiles  directory.ProfileProvider
	Directory directory.DirectoryProvider
	Media     directory.MediaUploader

	SendTimeout time.Duration
	Now         func() time.Time
	Log         *zap.Logger
}

// Controller is one user's chat session. It keeps no state of its own
// beyond what the store and the pipeline hold.
type Controller struct {
	user       models.User
	privileged bool

	repo      repositories.ChatRepository
	profiles  *directory.ProfileCache
	directory directory.DirectoryProvider
	media     directory.MediaUploader
	machine   *status.Machine
	sync      *syncer.Synchronizer
	pipeline  *optimistic.Pipeline
	tracker   *presence.Tracker
	now       func() time.Time
	log       *zap.Logger

	updates chan Update

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	started     bool
	chatSub     *syncer.ChatSubscription
	chats       []syncer.ChatView
	selected    string
	msgSub      *syncer.MessageSubscription
	messages    []models.Message
	presenceSub *presence.Subscription
	presence    map[string]models.PresenceRecord
}

func New(d Deps) *Controller {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	log := d.Log.With(zap.String("user_id", d.User.ID))
	profiles := directory.NewProfileCache(d.Profiles)
	machine := status.NewMachine(d.Docs, d.Now, log)
	return &Controller{
		user:       d.User,
		privileged: d.Privileged,
		repo:       d.Repo,
		profiles:   profiles,
		directory:  d.Directory,
		media:      d.Media,
		machine:    machine,
		sync: syncer.New(d.Docs, syncer.Options{
			LocalUserID: d.User.ID,
			Profiles:    profiles,
			Deleter:     d.Repo,
			Delivery:    machine,
			Log:         log,
		}),
		pipeline: optimistic.New(d.Repo, optimistic.Options{Timeout: d.SendTimeout, Now: d.Now, Log: log}),
		tracker:  presence.NewTracker(d.Presence, d.Now, log),
		now:      d.Now,
		log:      log,
		updates:  make(chan Update, 32),
		presence: map[string]models.PresenceRecord{},
	}
}

// Updates signals view changes. Signals are dropped when the reader lags;
// the view accessors always return the latest state.
func (c *Controller) Updates() <-chan Update { return c.updates }

func (c *Controller) emit(u Update) {
	select {
	case c.updates <- u:
	default:
	}
}

// Start marks the user online and subscribes to the chat list.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	sessionCtx := c.ctx
	c.started = true
	c.mu.Unlock()

	if err := c.tracker.GoOnline(sessionCtx, c.user.ID); err != nil {
		c.log.Warn("go online failed", zap.Error(err))
	}

	sub, err := c.sync.SubscribeChats(sessionCtx, c.user.ID)
	if err != nil {
		return fmt.Errorf("subscribe chats: %w", err)
	}
	c.mu.Lock()
	c.chatSub = sub
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for snap := range sub.C {
			c.mu.Lock()
			c.chats = snap.Chats
			c.mu.Unlock()
			c.emit(Update{Kind: UpdateChats})
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case chatID := <-c.pipeline.Changes():
				if chatID == c.Selected() {
					c.emit(Update{Kind: UpdateMessages, ChatID: chatID})
				}
			}
		}
	}()
	return nil
}

// Close signs the user off and releases every subscription.
func (c *Controller) Close(ctx context.Context) {
	c.Deselect()
	c.mu.Lock()
	sub := c.chatSub
	c.chatSub = nil
	cancel := c.cancel
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.pipeline.Close()
	c.sync.Close()
	if err := c.tracker.Cleanup(ctx, c.user.ID); err != nil {
		c.log.Warn("presence cleanup failed", zap.Error(err))
	}
}

// Selected returns the id of the open chat.
func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// SelectChat opens a chat: the previous message subscription is cancelled
// first, then the new chat is subscribed to, marked read, and the
// counterpart's presence is followed for direct chats.
func (c *Controller) SelectChat(ctx context.Context, chatID string) error {
	c.Deselect()

	chat, err := c.repo.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsParticipant(c.user.ID) {
		return &repositories.AuthorizationError{Op: "SelectChat", UserID: c.user.ID, ChatID: chatID, Reason: "not a participant"}
	}

	c.mu.Lock()
	sessionCtx := c.ctx
	c.mu.Unlock()
	if sessionCtx == nil {
		sessionCtx = ctx
	}

	sub, err := c.sync.SubscribeMessages(sessionCtx, chatID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.selected = chatID
	c.msgSub = sub
	c.messages = nil
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for snap := range sub.C {
			c.mu.Lock()
			current := c.msgSub == sub
			if current {
				c.messages = snap.Messages
			}
			c.mu.Unlock()
			c.emit(Update{Kind: UpdateMessages, ChatID: chatID})

			// the chat is on screen, so arrivals are read as they land
			if current && hasUnread(snap.Messages, c.user.ID) {
				if err := c.machine.MarkChatRead(sessionCtx, chatID, c.user.ID); err != nil {
					c.log.Warn("mark chat read failed", zap.String("chat_id", chatID), zap.Error(err))
				}
			}
		}
	}()

	if err := c.machine.MarkChatRead(ctx, chatID, c.user.ID); err != nil {
		c.log.Warn("mark chat read failed", zap.String("chat_id", chatID), zap.Error(err))
	}

	if chat.Type == models.ChatDirect {
		c.followPresence(sessionCtx, chat.Counterpart(c.user.ID))
	}
	return nil
}

func hasUnread(msgs []models.Message, userID string) bool {
	for _, m := range msgs {
		if m.SenderID == userID || m.Deleted || m.Status == models.StatusFailed {
			continue
		}
		if _, ok := m.ReadBy[userID]; !ok {
			return true
		}
	}
	return false
}

func (c *Controller) followPresence(ctx context.Context, userID string) {
	psub, err := c.tracker.Subscribe(ctx, []string{userID})
	if err != nil {
		c.log.Warn("presence subscribe failed", zap.String("peer_id", userID), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.presenceSub = psub
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for recs := range psub.C {
			c.mu.Lock()
			for id, rec := range recs {
				c.presence[id] = rec
			}
			c.mu.Unlock()
			c.emit(Update{Kind: UpdatePresence})
		}
	}()
}

// Deselect closes the open chat, if any.
func (c *Controller) Deselect() {
	c.mu.Lock()
	msgSub, psub := c.msgSub, c.presenceSub
	c.msgSub, c.presenceSub = nil, nil
	c.selected = ""
	c.messages = nil
	c.mu.Unlock()

	if msgSub != nil {
		msgSub.Cancel()
	}
	if psub != nil {
		psub.Cancel()
	}
}

// Chats returns the latest ordered chat list.
func (c *Controller) Chats() []syncer.ChatView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]syncer.ChatView(nil), c.chats...)
}

// Messages returns the open chat's messages merged with pending sends.
func (c *Controller) Messages() []optimistic.DisplayMessage {
	c.mu.Lock()
	chatID := c.selected
	msgs := append([]models.Message(nil), c.messages...)
	c.mu.Unlock()
	if chatID == "" {
		return nil
	}
	return c.pipeline.Reconcile(chatID, msgs)
}

// DisplayName is the group name or the counterpart's display name.
func (c *Controller) DisplayName(ctx context.Context, chat models.Chat) string {
	if chat.Type == models.ChatGroup {
		return chat.Name
	}
	return c.profiles.DisplayName(ctx, chat.Counterpart(c.user.ID))
}

// Avatar is the group avatar or the counterpart's avatar.
func (c *Controller) Avatar(ctx context.Context, chat models.Chat) string {
	if chat.Type == models.ChatGroup {
		return chat.AvatarURL
	}
	u, err := c.profiles.Get(ctx, chat.Counterpart(c.user.ID))
	if err != nil {
		return ""
	}
	return u.AvatarURL
}

func (c *Controller) UnreadCount(chat models.Chat) int {
	return chat.Unread(c.user.ID)
}

// Presence returns the last known record of a followed user.
func (c *Controller) Presence(userID string) (models.PresenceRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.presence[userID]
	return rec, ok
}

func (c *Controller) StartDirectChat(ctx context.Context, otherUserID string) (models.Chat, error) {
	return c.repo.FindOrCreateDirectChat(ctx, c.user.ID, otherUserID)
}

func (c *Controller) CreateGroup(ctx context.Context, name, description string, memberIDs []string) (models.Chat, error) {
	return c.repo.CreateGroupChat(ctx, name, description, c.user.ID, memberIDs)
}

// Send posts text to the open chat, optionally replying to replyToID.
func (c *Controller) Send(ctx context.Context, text, replyToID string) (models.OptimisticMessage, error) {
	return c.sendPayload(ctx, models.TextPayload{Text: strings.TrimSpace(text)}, replyToID)
}

// SendAttachment uploads media and posts it to the open chat.
func (c *Controller) SendAttachment(ctx context.Context, name, mimeType string, r io.Reader, caption string) (models.OptimisticMessage, error) {
	if c.media == nil {
		return models.OptimisticMessage{}, errors.New("media upload is not configured")
	}
	if c.Selected() == "" {
		return models.OptimisticMessage{}, ErrNoChatSelected
	}
	ref, err := c.media.Upload(ctx, name, mimeType, r)
	if err != nil {
		return models.OptimisticMessage{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return c.sendPayload(ctx, payloadFor(ref, caption), "")
}

func payloadFor(ref directory.MediaRef, caption string) models.Payload {
	switch {
	case strings.HasPrefix(ref.MimeType, "image/"):
		return models.ImagePayload{URL: ref.URL, Caption: caption, MimeType: ref.MimeType, Size: ref.Size}
	case strings.HasPrefix(ref.MimeType, "audio/"):
		return models.VoicePayload{URL: ref.URL, MimeType: ref.MimeType, Size: ref.Size}
	default:
		return models.FilePayload{URL: ref.URL, Name: ref.Name, MimeType: ref.MimeType, Size: ref.Size}
	}
}

func (c *Controller) sendPayload(ctx context.Context, payload models.Payload, replyToID string) (models.OptimisticMessage, error) {
	c.mu.Lock()
	chatID := c.selected
	var reply *models.ReplyRef
	if replyToID != "" {
		for _, m := range c.messages {
			if m.ID == replyToID {
				reply = models.NewReplyRef(m)
				break
			}
		}
	}
	c.mu.Unlock()
	if chatID == "" {
		return models.OptimisticMessage{}, ErrNoChatSelected
	}
	if replyToID != "" && reply == nil {
		target, err := c.repo.GetMessage(ctx, replyToID)
		if err != nil {
			return models.OptimisticMessage{}, err
		}
		reply = models.NewReplyRef(target)
	}
	return c.pipeline.Send(ctx, optimistic.Draft{
		ChatID:     chatID,
		SenderID:   c.user.ID,
		SenderName: c.user.DisplayName,
		Payload:    payload,
		ReplyTo:    reply,
		Privileged: c.privileged,
	})
}

func (c *Controller) Retry(ctx context.Context, tempID string) (models.OptimisticMessage, error) {
	return c.pipeline.Retry(ctx, tempID)
}

func (c *Controller) Discard(tempID string) error {
	return c.pipeline.Discard(tempID)
}

func (c *Controller) Edit(ctx context.Context, messageID, text string) (models.Message, error) {
	return c.repo.EditMessage(ctx, messageID, c.user.ID, text)
}

func (c *Controller) Delete(ctx context.Context, messageID string) (models.Message, error) {
	return c.repo.SoftDeleteMessage(ctx, messageID, c.user.ID)
}

func (c *Controller) React(ctx context.Context, messageID, emoji string) (models.Message, error) {
	return c.repo.ToggleReaction(ctx, messageID, c.user.ID, c.user.DisplayName, emoji)
}

func (c *Controller) Pin(ctx context.Context, chatID string, pinned bool) error {
	return c.repo.TogglePin(ctx, chatID, c.user.ID, pinned)
}

func (c *Controller) Star(ctx context.Context, chatID string, starred bool) error {
	return c.repo.ToggleStar(ctx, chatID, c.user.ID, starred)
}

func (c *Controller) AddMember(ctx context.Context, chatID, userID string) (models.Chat, error) {
	return c.repo.AddMember(ctx, chatID, userID, c.user.ID)
}

func (c *Controller) RemoveMember(ctx context.Context, chatID, userID string) (models.Chat, error) {
	return c.repo.RemoveMember(ctx, chatID, userID, c.user.ID)
}

func (c *Controller) Promote(ctx context.Context, chatID, userID string) (models.Chat, error) {
	return c.repo.PromoteToAdmin(ctx, chatID, userID, c.user.ID)
}

func (c *Controller) UpdateGroupMeta(ctx context.Context, chatID string, meta models.GroupMeta) (models.Chat, error) {
	return c.repo.UpdateGroupMeta(ctx, chatID, c.user.ID, meta)
}

// Leave leaves a group, closing it first if it is open.
func (c *Controller) Leave(ctx context.Context, chatID string) error {
	if c.Selected() == chatID {
		c.Deselect()
	}
	return c.repo.Leave(ctx, chatID, c.user.ID)
}

// DeleteChat removes the chat from this user's list.
func (c *Controller) DeleteChat(ctx context.Context, chatID string) error {
	if c.Selected() == chatID {
		c.Deselect()
	}
	return c.repo.SoftDeleteChat(ctx, chatID, c.user.ID)
}

// Search looks for term in the open chat.
func (c *Controller) Search(ctx context.Context, term string) ([]models.Message, error) {
	chatID := c.Selected()
	if chatID == "" {
		return nil, ErrNoChatSelected
	}
	return c.repo.SearchMessages(ctx, chatID, term)
}

// SearchUsers searches the user's zone, leaving the user out.
func (c *Controller) SearchUsers(ctx context.Context, term string) ([]models.UserSummary, error) {
	if c.directory == nil {
		return nil, errors.New("user directory is not configured")
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, &repositories.ValidationError{Field: "term", Reason: "search term is required"}
	}
	return c.directory.SearchUsers(ctx, term, c.user.ID, c.user.ZoneID)
}
