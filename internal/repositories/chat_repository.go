package repositories

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
	"chat-sync/internal/telemetry"
)

// PrivilegedSuffix tags the display name of support staff in sent messages.
const PrivilegedSuffix = " (Boss)"

// ChatRepository abstracts chat and message persistence.
type ChatRepository interface {
	FindOrCreateDirectChat(ctx context.Context, userA, userB string) (models.Chat, error)
	CreateGroupChat(ctx context.Context, name, description, creatorID string, memberIDs []string) (models.Chat, error)
	AddMember(ctx context.Context, chatID, userID, actingAdminID string) (models.Chat, error)
	RemoveMember(ctx context.Context, chatID, userID, actingAdminID string) (models.Chat, error)
	PromoteToAdmin(ctx context.Context, chatID, userID, actingAdminID string) (models.Chat, error)
	Leave(ctx context.Context, chatID, userID string) error
	UpdateGroupMeta(ctx context.Context, chatID, actingAdminID string, meta models.GroupMeta) (models.Chat, error)
	TogglePin(ctx context.Context, chatID, userID string, pinned bool) error
	ToggleStar(ctx context.Context, chatID, userID string, starred bool) error
	SoftDeleteChat(ctx context.Context, chatID, userID string) error
	ResetUnread(ctx context.Context, chatID, userID string) error
	GetChat(ctx context.Context, chatID string) (models.Chat, error)
	ListChats(ctx context.Context, userID string) ([]models.Chat, error)
	DeleteChat(ctx context.Context, chatID string) error

	SendMessage(ctx context.Context, req SendRequest) (models.Message, error)
	EditMessage(ctx context.Context, messageID, userID, newText string) (models.Message, error)
	SoftDeleteMessage(ctx context.Context, messageID, userID string) (models.Message, error)
	ToggleReaction(ctx context.Context, messageID, userID, displayName, emoji string) (models.Message, error)
	SearchMessages(ctx context.Context, chatID, term string) ([]models.Message, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error)
}

// Options tunes a ChatRepo. Zero values pick defaults.
type Options struct {
	Now           func() time.Time
	NewID         func() string
	MembershipTTL time.Duration
	Audit         *telemetry.AuditEmitter
	Log           *zap.Logger
}

// ChatRepo implements ChatRepository on a store.DocumentStore.
type ChatRepo struct {
	store   store.DocumentStore
	now     func() time.Time
	newID   func() string
	members *MembershipCache
	audit   *telemetry.AuditEmitter
	log     *zap.Logger
	tracer  trace.Tracer
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(st store.DocumentStore, opts Options) *ChatRepo {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.MembershipTTL == 0 {
		opts.MembershipTTL = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &ChatRepo{
		store:   st,
		now:     opts.Now,
		newID:   opts.NewID,
		members: NewMembershipCache(opts.MembershipTTL, opts.Now),
		audit:   opts.Audit,
		log:     opts.Log,
		tracer:  otel.Tracer("chat-sync/repositories"),
	}
}

// Membership exposes the membership cache.
func (r *ChatRepo) Membership() *MembershipCache { return r.members }

func (r *ChatRepo) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "repo."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// DirectChatID is the deterministic id of the direct chat between two users.
func DirectChatID(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return "dm:" + pair[0] + ":" + pair[1]
}

// FindOrCreateDirectChat returns the chat relating the two users, creating it
// when missing. The pair order does not matter.
func (r *ChatRepo) FindOrCreateDirectChat(ctx context.Context, userA, userB string) (chat models.Chat, err error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return models.Chat{}, invalid("participants", "user id is required")
	}
	if userA == userB {
		return models.Chat{}, invalid("participants", "cannot create chat with self")
	}

	ctx, span := r.start(ctx, "FindOrCreateDirectChat")
	defer func() { endSpan(span, err) }()

	id := DirectChatID(userA, userB)
	chat, err = r.store.GetChat(ctx, id)
	switch {
	case err == nil:
		return r.unhide(ctx, chat, userA, userB)
	case !isNotFound(err):
		return models.Chat{}, wrapStore("FindOrCreateDirectChat", err, ErrChatNotFound)
	}

	if existing, ok, err := r.findDirect(ctx, userA, userB); err != nil {
		return models.Chat{}, err
	} else if ok {
		return r.unhide(ctx, existing, userA, userB)
	}

	now := r.now()
	chat = models.Chat{
		ID:           id,
		Type:         models.ChatDirect,
		Participants: []string{userA, userB},
		CreatorID:    userA,
		CreatedAt:    now,
		UpdatedAt:    now,
		UnreadCounts: map[string]int{userA: 0, userB: 0},
	}
	if err = r.store.CreateChat(ctx, chat); err != nil {
		if !isAlreadyExists(err) {
			return models.Chat{}, wrapStore("FindOrCreateDirectChat", err, ErrChatNotFound)
		}
		// lost a concurrent create for the same pair
		chat, err = r.store.GetChat(ctx, id)
		if err != nil {
			return models.Chat{}, wrapStore("FindOrCreateDirectChat", err, ErrChatNotFound)
		}
	}
	r.members.Store(chat)
	return chat, nil
}

// findDirect looks for a direct chat created under another id scheme.
func (r *ChatRepo) findDirect(ctx context.Context, userA, userB string) (models.Chat, bool, error) {
	chats, err := r.store.QueryChats(ctx, store.ChatQuery{ParticipantID: userA})
	if err != nil {
		return models.Chat{}, false, wrapStore("FindOrCreateDirectChat", err, ErrChatNotFound)
	}
	for _, c := range chats {
		if c.Type == models.ChatDirect && len(c.Participants) == 2 && c.IsParticipant(userB) {
			return c, true, nil
		}
	}
	return models.Chat{}, false, nil
}

func (r *ChatRepo) unhide(ctx context.Context, chat models.Chat, users ...string) (models.Chat, error) {
	hidden := false
	for _, u := range users {
		hidden = hidden || chat.HiddenFor[u]
	}
	if !hidden {
		return chat, nil
	}
	updated, err := r.store.UpdateChat(ctx, chat.ID, func(c *models.Chat) error {
		for _, u := range users {
			delete(c.HiddenFor, u)
		}
		return nil
	})
	if err != nil {
		return models.Chat{}, wrapStore("unhide", err, ErrChatNotFound)
	}
	return updated, nil
}

// TogglePin sets the per-user pinned flag.
func (r *ChatRepo) TogglePin(ctx context.Context, chatID, userID string, pinned bool) (err error) {
	ctx, span := r.start(ctx, "TogglePin", attribute.String("chat.id", chatID))
	defer func() { endSpan(span, err) }()

	_, err = r.store.UpdateChat(ctx, chatID, func(c *models.Chat) error {
		if err := requireParticipant("TogglePin", *c, userID); err != nil {
			return err
		}
		if c.Pinned[userID] == pinned {
			return store.ErrSkip
		}
		if pinned {
			if c.Pinned == nil {
				c.Pinned = map[string]bool{}
			}
			c.Pinned[userID] = true
		} else {
			delete(c.Pinned, userID)
		}
		return nil
	})
	return wrapStore("TogglePin", err, ErrChatNotFound)
}

// ToggleStar sets the per-user starred flag.
func (r *ChatRepo) ToggleStar(ctx context.Context, chatID, userID string, starred bool) (err error) {
	ctx, span := r.start(ctx, "ToggleStar", attribute.String("chat.id", chatID))
	defer func() { endSpan(span, err) }()

	_, err = r.store.UpdateChat(ctx, chatID, func(c *models.Chat) error {
		if err := requireParticipant("ToggleStar", *c, userID); err != nil {
			return err
		}
		if c.Starred[userID] == starred {
			return store.ErrSkip
		}
		if starred {
			if c.Starred == nil {
				c.Starred = map[string]bool{}
			}
			c.Starred[userID] = true
		} else {
			delete(c.Starred, userID)
		}
		return nil
	})
	return wrapStore("ToggleStar", err, ErrChatNotFound)
}

// SoftDeleteChat removes the chat from the user's view. Direct chats are
// hidden for that user only; group chats are left.
func (r *ChatRepo) SoftDeleteChat(ctx context.Context, chatID, userID string) (err error) {
	ctx, span := r.start(ctx, "SoftDeleteChat", attribute.String("chat.id", chatID))
	defer func() { endSpan(span, err) }()

	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return wrapStore("SoftDeleteChat", err, ErrChatNotFound)
	}
	if chat.Type == models.ChatGroup {
		return r.Leave(ctx, chatID, userID)
	}

	_, err = r.store.UpdateChat(ctx, chatID, func(c *models.Chat) error {
		if err := requireParticipant("SoftDeleteChat", *c, userID); err != nil {
			return err
		}
		if c.HiddenFor[userID] {
			return store.ErrSkip
		}
		if c.HiddenFor == nil {
			c.HiddenFor = map[string]bool{}
		}
		c.HiddenFor[userID] = true
		if c.UnreadCounts != nil {
			c.UnreadCounts[userID] = 0
		}
		return nil
	})
	if err == nil {
		r.audit.Emit(ctx, userID, telemetry.AuditPayload{Action: "chat_hidden", ChatID: chatID, Outcome: "ok"})
	}
	return wrapStore("SoftDeleteChat", err, ErrChatNotFound)
}

// ResetUnread zeroes the unread counter of userID.
func (r *ChatRepo) ResetUnread(ctx context.Context, chatID, userID string) (err error) {
	ctx, span := r.start(ctx, "ResetUnread", attribute.String("chat.id", chatID))
	defer func() { endSpan(span, err) }()

	_, err = r.store.UpdateChat(ctx, chatID, func(c *models.Chat) error {
		if err := requireParticipant("ResetUnread", *c, userID); err != nil {
			return err
		}
		if c.UnreadCounts[userID] == 0 {
			return store.ErrSkip
		}
		c.UnreadCounts[userID] = 0
		return nil
	})
	return wrapStore("ResetUnread", err, ErrChatNotFound)
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return models.Chat{}, wrapStore("GetChat", err, ErrChatNotFound)
	}
	r.members.Store(chat)
	return chat, nil
}

// ListChats returns the chats visible to the user, unordered.
func (r *ChatRepo) ListChats(ctx context.Context, userID string) ([]models.Chat, error) {
	chats, err := r.store.QueryChats(ctx, store.ChatQuery{ParticipantID: userID})
	if err != nil {
		return nil, wrapStore("ListChats", err, ErrChatNotFound)
	}
	visible := chats[:0]
	for _, c := range chats {
		if c.HiddenFor[userID] {
			continue
		}
		visible = append(visible, c)
	}
	return visible, nil
}

// DeleteChat physically removes a chat. Used for corrupt record cleanup.
func (r *ChatRepo) DeleteChat(ctx context.Context, chatID string) (err error) {
	ctx, span := r.start(ctx, "DeleteChat", attribute.String("chat.id", chatID))
	defer func() { endSpan(span, err) }()

	r.members.Invalidate(chatID)
	err = r.store.DeleteChat(ctx, chatID)
	if isNotFound(err) {
		return nil
	}
	return wrapStore("DeleteChat", err, ErrChatNotFound)
}

// isMember answers from the membership cache, loading the chat on a miss.
func (r *ChatRepo) isMember(ctx context.Context, chatID, userID string) (bool, error) {
	if member, ok := r.members.IsMember(chatID, userID); ok {
		return member, nil
	}
	chat, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	r.members.Store(chat)
	return chat.IsParticipant(userID), nil
}
