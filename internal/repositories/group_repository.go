package repositories

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
	"chat-sync/internal/telemetry"
)

// CreateGroupChat creates a group with the creator as sole admin.
func (r *ChatRepo) CreateGroupChat(ctx context.Context, name, description, creatorID string, memberIDs []string) (chat models.Chat, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Chat{}, invalid("name", "group name is required")
	}
	if strings.TrimSpace(creatorID) == "" {
		return models.Chat{}, invalid("creator", "creator id is required")
	}

	ctx, span := r.start(ctx, "CreateGroupChat")
	defer func() { endSpan(span, err) }()

	// creator first, members deduplicated in request order
	seen := map[string]struct{}{creatorID: {}}
	participants := []string{creatorID}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		participants = append(participants, id)
	}

	unread := make(map[string]int, len(participants))
	for _, p := range participants {
		unread[p] = 0
	}

	now := r.now()
	chat = models.Chat{
		ID:           r.newID(),
		Type:         models.ChatGroup,
		Participants: participants,
		Name:         name,
		Description:  strings.TrimSpace(description),
		Admins:       []string{creatorID},
		CreatorID:    creatorID,
		CreatedAt:    now,
		UpdatedAt:    now,
		UnreadCounts: unread,
	}
	if err = r.store.CreateChat(ctx, chat); err != nil {
		return models.Chat{}, wrapStore("CreateGroupChat", err, ErrChatNotFound)
	}
	r.members.Store(chat)
	r.audit.Emit(ctx, creatorID, telemetry.AuditPayload{Action: "group_created", ChatID: chat.ID, Outcome: "ok"})
	return chat, nil
}

// AddMember adds userID to the group. The acting user must be an admin.
func (r *ChatRepo) AddMember(ctx context.Context, chatID, userID, actingAdminID string) (models.Chat, error) {
	if strings.TrimSpace(userID) == "" {
		return models.Chat{}, invalid("user", "user id is required")
	}
	return r.adminUpdate(ctx, "AddMember", chatID, userID, actingAdminID, func(c *models.Chat) error {
		if c.IsParticipant(userID) {
			return store.ErrSkip
		}
		c.Participants = append(c.Participants, userID)
		if c.UnreadCounts == nil {
			c.UnreadCounts = map[string]int{}
		}
		c.UnreadCounts[userID] = 0
		return nil
	})
}

// RemoveMember removes userID from the group. The creator can only be
// removed by leaving.
func (r *ChatRepo) RemoveMember(ctx context.Context, chatID, userID, actingAdminID string) (models.Chat, error) {
	return r.adminUpdate(ctx, "RemoveMember", chatID, userID, actingAdminID, func(c *models.Chat) error {
		if !c.IsParticipant(userID) {
			return invalid("user", "not a member of the group")
		}
		if userID == c.CreatorID && actingAdminID != c.CreatorID {
			return &AuthorizationError{Op: "RemoveMember", UserID: actingAdminID, ChatID: c.ID, Reason: "cannot remove the group creator"}
		}
		c.RemoveParticipant(userID)
		return nil
	})
}

// PromoteToAdmin grants admin rights to a member.
func (r *ChatRepo) PromoteToAdmin(ctx context.Context, chatID, userID, actingAdminID string) (models.Chat, error) {
	return r.adminUpdate(ctx, "PromoteToAdmin", chatID, userID, actingAdminID, func(c *models.Chat) error {
		if !c.IsParticipant(userID) {
			return invalid("user", "not a member of the group")
		}
		if c.IsAdmin(userID) {
			return store.ErrSkip
		}
		c.Admins = append(c.Admins, userID)
		return nil
	})
}

func (r *ChatRepo) adminUpdate(ctx context.Context, op, chatID, targetID, actingAdminID string, apply func(*models.Chat) error) (chat models.Chat, err error) {
	ctx, span := r.start(ctx, op, attribute.String("chat.id", chatID), attribute.String("target.id", targetID))
	defer func() { endSpan(span, err) }()

	chat, err = r.store.UpdateChat(ctx, chatID, func(c *models.Chat) error {
		if err := requireAdmin(op, *c, actingAdminID); err != nil {
			return err
		}
		if err := apply(c); err != nil {
			return err
		}
		c.UpdatedAt = r.now()
		return nil
	})

	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	} else {
		r.members.Invalidate(chatID)
	}
	r.audit.Emit(ctx, actingAdminID, telemetry.AuditPayload{Action: op, ChatID: chatID, TargetID: targetID, Outcome: outcome})
	if err != nil {
		return models.Chat{}, wrapStore(op, err, ErrChatNotFound)
	}
	return chat, nil
}

// Leave removes the user from participants and admins. Self service, no
// authorization beyond being the user.
func (r *ChatRepo) Leave(ctx context.Context, chatID, userID string) (err error) {
	ctx, span := r.start(ctx, "Leave", attribute.String("chat.id", chatID))
	defer func() { endSpan(span, err) }()

	_, err = r.store.UpdateChat(ctx, chatID, func(c *models.Chat) error {
		if c.Type != models.ChatGroup {
			return invalid("chat", "cannot leave a direct chat")
		}
		if !c.IsParticipant(userID) {
			return store.ErrSkip
		}
		c.RemoveParticipant(userID)
		c.UpdatedAt = r.now()
		return nil
	})
	if err == nil {
		r.members.Invalidate(chatID)
		r.audit.Emit(ctx, userID, telemetry.AuditPayload{Action: "Leave", ChatID: chatID, Outcome: "ok"})
	}
	return wrapStore("Leave", err, ErrChatNotFound)
}

// UpdateGroupMeta applies a partial metadata update. Admin only.
func (r *ChatRepo) UpdateGroupMeta(ctx context.Context, chatID, actingAdminID string, meta models.GroupMeta) (models.Chat, error) {
	if meta.Empty() {
		return models.Chat{}, invalid("meta", "nothing to update")
	}
	if meta.Name != nil {
		trimmed := strings.TrimSpace(*meta.Name)
		if trimmed == "" {
			return models.Chat{}, invalid("name", "group name cannot be empty")
		}
		meta.Name = &trimmed
	}
	return r.adminUpdate(ctx, "UpdateGroupMeta", chatID, "", actingAdminID, func(c *models.Chat) error {
		meta.Apply(c)
		return nil
	})
}
