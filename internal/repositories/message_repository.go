package repositories

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
	"chat-sync/internal/syncer"
	"chat-sync/internal/telemetry"
)

// SendRequest is an authoritative message send.
type SendRequest struct {
	ChatID     string
	SenderID   string
	SenderName string
	Payload    models.Payload
	ReplyToID  string
	ClientKey  string
	// Privileged marks support staff; their display name gets PrivilegedSuffix.
	Privileged bool
}

// messageID returns the id for a new message. Sends carrying a client key get
// an id derived from it, so a repeated send of the same key collides in the
// store instead of committing a second copy.
func (r *ChatRepo) messageID(req SendRequest) string {
	if req.ClientKey == "" {
		return r.newID()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(req.ChatID+"\x00"+req.SenderID+"\x00"+req.ClientKey)).String()
}

// SendMessage commits a message and updates the parent chat summary,
// unread counters and visibility in the same atomic step. Repeating a send
// with the same client key returns the message committed the first time.
func (r *ChatRepo) SendMessage(ctx context.Context, req SendRequest) (msg models.Message, err error) {
	if strings.TrimSpace(req.ChatID) == "" {
		return models.Message{}, invalid("chat", "chat id is required")
	}
	if strings.TrimSpace(req.SenderID) == "" {
		return models.Message{}, invalid("sender", "sender id is required")
	}
	if err := models.ValidatePayload(req.Payload); err != nil {
		return models.Message{}, invalid("payload", err.Error())
	}

	ctx, span := r.start(ctx, "SendMessage", attribute.String("chat.id", req.ChatID))
	defer func() { endSpan(span, err) }()

	member, err := r.isMember(ctx, req.ChatID, req.SenderID)
	if err != nil {
		return models.Message{}, wrapStore("SendMessage", err, ErrChatNotFound)
	}
	if !member {
		return models.Message{}, &AuthorizationError{Op: "SendMessage", UserID: req.SenderID, ChatID: req.ChatID, Reason: "not a participant"}
	}

	var reply *models.ReplyRef
	if req.ReplyToID != "" {
		target, err := r.store.GetMessage(ctx, req.ReplyToID)
		if err != nil {
			return models.Message{}, wrapStore("SendMessage", err, ErrMessageNotFound)
		}
		if target.ChatID != req.ChatID {
			return models.Message{}, invalid("reply_to", "message belongs to another chat")
		}
		reply = models.NewReplyRef(target)
	}

	name := req.SenderName
	if req.Privileged && !strings.HasSuffix(name, PrivilegedSuffix) {
		name += PrivilegedSuffix
	}

	now := r.now()
	msg = models.Message{
		ID:         r.messageID(req),
		ChatID:     req.ChatID,
		SenderID:   req.SenderID,
		SenderName: name,
		Kind:       req.Payload.Kind(),
		Payload:    req.Payload,
		Timestamp:  now,
		ClientKey:  req.ClientKey,
		ReplyTo:    reply,
		Status:     models.StatusSent,
	}

	id := msg.ID
	msg, chat, err := r.store.CommitMessage(ctx, msg, func(c *models.Chat) error {
		if err := requireParticipant("SendMessage", *c, req.SenderID); err != nil {
			return err
		}
		c.LastMessage = msg.Summary()
		if c.UnreadCounts == nil {
			c.UnreadCounts = map[string]int{}
		}
		for _, p := range c.Participants {
			if p != req.SenderID {
				c.UnreadCounts[p]++
			}
		}
		c.HiddenFor = nil
		c.UpdatedAt = now
		return nil
	})
	if isAlreadyExists(err) && req.ClientKey != "" {
		existing, getErr := r.store.GetMessage(ctx, id)
		if getErr != nil {
			return models.Message{}, wrapStore("SendMessage", getErr, ErrMessageNotFound)
		}
		r.log.Debug("duplicate send collapsed", zap.String("chat_id", req.ChatID), zap.String("message_id", existing.ID))
		return existing, nil
	}
	if err != nil {
		var aErr *AuthorizationError
		if errors.As(err, &aErr) {
			// the cached membership was stale
			r.members.Invalidate(req.ChatID)
		}
		return models.Message{}, wrapStore("SendMessage", err, ErrChatNotFound)
	}
	r.members.Store(chat)

	event := observability.EventEnvelope{
		EventType: "chat_events",
		EventName: "message_sent",
		Payload:   models.ChatEvent{Type: "message_sent", ChatID: msg.ChatID, Message: &msg},
	}
	if err := observability.PublishEvent(ctx, "chat_events.message_sent", event, observability.HeadersFromContext(ctx)); err != nil {
		r.log.Warn("publish message_sent failed", zap.String("chat_id", msg.ChatID), zap.Error(err))
	}
	return msg, nil
}

// EditMessage replaces the editable text of a message. Sender only.
func (r *ChatRepo) EditMessage(ctx context.Context, messageID, userID, newText string) (msg models.Message, err error) {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return models.Message{}, invalid("text", "text is required")
	}

	ctx, span := r.start(ctx, "EditMessage", attribute.String("message.id", messageID))
	defer func() { endSpan(span, err) }()

	msg, err = r.store.UpdateMessage(ctx, messageID, func(m *models.Message) error {
		if m.SenderID != userID {
			return &AuthorizationError{Op: "EditMessage", UserID: userID, ChatID: m.ChatID, Reason: "not the sender"}
		}
		if m.Deleted {
			return invalid("message", "message is deleted")
		}
		payload, ok := models.WithText(m.Payload, newText)
		if !ok {
			return invalid("kind", "message kind "+string(m.Kind)+" is not editable")
		}
		at := r.now()
		m.Payload = payload
		m.Edited = true
		m.EditedAt = &at
		return nil
	})
	if err != nil {
		return models.Message{}, wrapStore("EditMessage", err, ErrMessageNotFound)
	}
	r.refreshSummary(ctx, msg)
	return msg, nil
}

// SoftDeleteMessage scrubs a message. Sender only; deleting twice is a no-op.
func (r *ChatRepo) SoftDeleteMessage(ctx context.Context, messageID, userID string) (msg models.Message, err error) {
	ctx, span := r.start(ctx, "SoftDeleteMessage", attribute.String("message.id", messageID))
	defer func() { endSpan(span, err) }()

	changed := false
	msg, err = r.store.UpdateMessage(ctx, messageID, func(m *models.Message) error {
		if m.SenderID != userID {
			return &AuthorizationError{Op: "SoftDeleteMessage", UserID: userID, ChatID: m.ChatID, Reason: "not the sender"}
		}
		if m.Deleted {
			return store.ErrSkip
		}
		m.Scrub(r.now())
		changed = true
		return nil
	})
	if err != nil {
		return models.Message{}, wrapStore("SoftDeleteMessage", err, ErrMessageNotFound)
	}
	if changed {
		r.refreshSummary(ctx, msg)
		r.audit.Emit(ctx, userID, telemetry.AuditPayload{Action: "message_deleted", ChatID: msg.ChatID, TargetID: msg.ID, Outcome: "ok"})
	}
	return msg, nil
}

// refreshSummary rewrites the chat's last message summary when msg is it.
func (r *ChatRepo) refreshSummary(ctx context.Context, msg models.Message) {
	_, err := r.store.UpdateChat(ctx, msg.ChatID, func(c *models.Chat) error {
		if c.LastMessage == nil || c.LastMessage.MessageID != msg.ID {
			return store.ErrSkip
		}
		c.LastMessage = msg.Summary()
		if msg.Deleted {
			c.LastMessage.Text = "message deleted"
		}
		return nil
	})
	if err != nil {
		r.log.Warn("refresh chat summary failed", zap.String("chat_id", msg.ChatID), zap.Error(err))
	}
}

// ToggleReaction adds the (user, emoji) reaction or removes it if present.
func (r *ChatRepo) ToggleReaction(ctx context.Context, messageID, userID, displayName, emoji string) (msg models.Message, err error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return models.Message{}, invalid("emoji", "emoji is required")
	}

	ctx, span := r.start(ctx, "ToggleReaction", attribute.String("message.id", messageID))
	defer func() { endSpan(span, err) }()

	current, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, wrapStore("ToggleReaction", err, ErrMessageNotFound)
	}
	// membership is read from the store, not the cache, so a removal by
	// another writer takes effect at once
	chat, err := r.store.GetChat(ctx, current.ChatID)
	if err != nil {
		return models.Message{}, wrapStore("ToggleReaction", err, ErrChatNotFound)
	}
	r.members.Store(chat)
	if err = requireParticipant("ToggleReaction", chat, userID); err != nil {
		return models.Message{}, err
	}

	msg, err = r.store.UpdateMessage(ctx, messageID, func(m *models.Message) error {
		if m.Deleted {
			return invalid("message", "message is deleted")
		}
		if m.HasReaction(userID, emoji) {
			kept := m.Reactions[:0]
			for _, re := range m.Reactions {
				if re.UserID == userID && re.Emoji == emoji {
					continue
				}
				kept = append(kept, re)
			}
			m.Reactions = kept
			return nil
		}
		m.Reactions = append(m.Reactions, models.Reaction{
			UserID:      userID,
			DisplayName: displayName,
			Emoji:       emoji,
			CreatedAt:   r.now(),
		})
		return nil
	})
	if err != nil {
		return models.Message{}, wrapStore("ToggleReaction", err, ErrMessageNotFound)
	}
	return msg, nil
}

// SearchMessages matches term case-insensitively against message text and
// sender names. Deleted messages never match. Newest first.
func (r *ChatRepo) SearchMessages(ctx context.Context, chatID, term string) (out []models.Message, err error) {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil, invalid("term", "search term is required")
	}

	ctx, span := r.start(ctx, "SearchMessages", attribute.String("chat.id", chatID))
	defer func() { endSpan(span, err) }()

	msgs, err := r.store.QueryMessages(ctx, store.MessageQuery{ChatID: chatID})
	if err != nil {
		return nil, wrapStore("SearchMessages", err, ErrChatNotFound)
	}
	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		if strings.Contains(strings.ToLower(models.SearchText(m.Payload)), term) ||
			strings.Contains(strings.ToLower(m.SenderName), term) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// GetMessage fetches a message by id.
func (r *ChatRepo) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, wrapStore("GetMessage", err, ErrMessageNotFound)
	}
	return msg, nil
}

// ListMessages returns up to limit most recent messages, oldest first.
func (r *ChatRepo) ListMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	msgs, err := r.store.QueryMessages(ctx, store.MessageQuery{ChatID: chatID, Limit: limit})
	if err != nil {
		return nil, wrapStore("ListMessages", err, ErrChatNotFound)
	}
	syncer.SortMessages(msgs)
	return msgs, nil
}
