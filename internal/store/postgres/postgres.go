// Package postgres implements store.DocumentStore on PostgreSQL. Documents
// are kept as JSONB and change notifications travel over LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying change notifications.
const NotifyChannel = "chat_sync_changes"

const uniqueViolation = "23505"

// Store is a sqlx backed DocumentStore.
type Store struct {
	db     *sqlx.DB
	fanout *store.Fanout
	log    *zap.Logger
}

// New builds a Store. Call Listen to receive notifications from other
// writers.
func New(db *sqlx.DB, log *zap.Logger) *Store {
	return &Store{db: db, fanout: store.NewFanout(), log: log}
}

type chatRow struct {
	ID  string `db:"id"`
	Doc []byte `db:"doc"`
}

type notification struct {
	Topic string `json:"topic"`
	DocID string `json:"doc_id"`
}

func decodeChat(raw []byte) (models.Chat, error) {
	var chat models.Chat
	if err := json.Unmarshal(raw, &chat); err != nil {
		return models.Chat{}, fmt.Errorf("decode chat: %w", err)
	}
	return chat, nil
}

func decodeMessage(raw []byte) (models.Message, error) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

func notifyTx(ctx context.Context, tx *sqlx.Tx, topics []string, docID string) error {
	for _, topic := range topics {
		payload, err := json.Marshal(notification{Topic: topic, DocID: docID})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateChat(ctx context.Context, chat models.Chat) error {
	doc, err := json.Marshal(chat)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO chats (id, type, participants, doc, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5)`,
		chat.ID, string(chat.Type), pq.Array(chat.Participants), doc, chat.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return store.ErrAlreadyExists
		}
		return err
	}
	if err := notifyTx(ctx, tx, store.ChatTopics(nil, &chat), chat.ID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var row chatRow
	err := s.db.GetContext(ctx, &row, `SELECT id, doc FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, store.ErrNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}
	return decodeChat(row.Doc)
}

func (s *Store) lockChat(ctx context.Context, tx *sqlx.Tx, chatID string) (models.Chat, error) {
	var row chatRow
	err := tx.GetContext(ctx, &row, `SELECT id, doc FROM chats WHERE id=$1 FOR UPDATE`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, store.ErrNotFound
	}
	if err != nil {
		return models.Chat{}, err
	}
	return decodeChat(row.Doc)
}

func (s *Store) writeChat(ctx context.Context, tx *sqlx.Tx, chat models.Chat) error {
	doc, err := json.Marshal(chat)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE chats SET participants=$2, doc=$3, updated_at=NOW() WHERE id=$1`,
		chat.ID, pq.Array(chat.Participants), doc)
	return err
}

func (s *Store) UpdateChat(ctx context.Context, chatID string, mutate func(*models.Chat) error) (models.Chat, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer tx.Rollback()

	before, err := s.lockChat(ctx, tx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	next := before.Clone()
	if err := mutate(&next); err != nil {
		if errors.Is(err, store.ErrSkip) {
			return before, nil
		}
		return models.Chat{}, err
	}
	next.ID = chatID
	if err := s.writeChat(ctx, tx, next); err != nil {
		return models.Chat{}, err
	}
	if err := notifyTx(ctx, tx, store.ChatTopics(&before, &next), chatID); err != nil {
		return models.Chat{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Chat{}, err
	}
	return next, nil
}

func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	chat, err := s.lockChat(ctx, tx, chatID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id=$1`, chatID); err != nil {
		return err
	}
	if err := notifyTx(ctx, tx, store.ChatTopics(&chat, nil), chatID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) QueryChats(ctx context.Context, q store.ChatQuery) ([]models.Chat, error) {
	var rows []chatRow
	var err error
	if q.ParticipantID == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT id, doc FROM chats`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT id, doc FROM chats WHERE $1 = ANY(participants)`, q.ParticipantID)
	}
	if err != nil {
		return nil, err
	}
	chats := make([]models.Chat, 0, len(rows))
	for _, row := range rows {
		chat, err := decodeChat(row.Doc)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var doc []byte
	err := s.db.GetContext(ctx, &doc, `SELECT doc FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, store.ErrNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	return decodeMessage(doc)
}

func (s *Store) UpdateMessage(ctx context.Context, messageID string, mutate func(*models.Message) error) (models.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, err
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.GetContext(ctx, &doc, `SELECT doc FROM messages WHERE id=$1 FOR UPDATE`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, store.ErrNotFound
	}
	if err != nil {
		return models.Message{}, err
	}
	current, err := decodeMessage(doc)
	if err != nil {
		return models.Message{}, err
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		if errors.Is(err, store.ErrSkip) {
			return current, nil
		}
		return models.Message{}, err
	}
	next.ID, next.ChatID = current.ID, current.ChatID
	updated, err := json.Marshal(next)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET doc=$2 WHERE id=$1`, messageID, updated); err != nil {
		return models.Message{}, err
	}
	if err := notifyTx(ctx, tx, []string{store.MessagesTopic(next.ChatID)}, messageID); err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, err
	}
	return next, nil
}

func (s *Store) QueryMessages(ctx context.Context, q store.MessageQuery) ([]models.Message, error) {
	var docs [][]byte
	var err error
	if q.Limit > 0 {
		err = s.db.SelectContext(ctx, &docs, `SELECT doc FROM messages WHERE chat_id=$1 ORDER BY sent_at DESC LIMIT $2`, q.ChatID, q.Limit)
	} else {
		err = s.db.SelectContext(ctx, &docs, `SELECT doc FROM messages WHERE chat_id=$1`, q.ChatID)
	}
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := decodeMessage(doc)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *Store) CommitMessage(ctx context.Context, msg models.Message, mutateChat func(*models.Chat) error) (models.Message, models.Chat, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Message{}, models.Chat{}, err
	}
	defer tx.Rollback()

	before, err := s.lockChat(ctx, tx, msg.ChatID)
	if err != nil {
		return models.Message{}, models.Chat{}, err
	}
	next := before.Clone()
	if mutateChat != nil {
		if err := mutateChat(&next); err != nil {
			return models.Message{}, models.Chat{}, err
		}
	}

	doc, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, models.Chat{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO messages (id, chat_id, sent_at, doc) VALUES ($1, $2, $3, $4)`,
		msg.ID, msg.ChatID, msg.Timestamp, doc); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return models.Message{}, models.Chat{}, store.ErrAlreadyExists
		}
		return models.Message{}, models.Chat{}, err
	}
	if err := s.writeChat(ctx, tx, next); err != nil {
		return models.Message{}, models.Chat{}, err
	}
	if err := notifyTx(ctx, tx, []string{store.MessagesTopic(msg.ChatID)}, msg.ID); err != nil {
		return models.Message{}, models.Chat{}, err
	}
	if err := notifyTx(ctx, tx, store.ChatTopics(&before, &next), next.ID); err != nil {
		return models.Message{}, models.Chat{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, models.Chat{}, err
	}
	return msg, next, nil
}

func (s *Store) Watch(ctx context.Context, topic string) (<-chan store.Change, error) {
	return s.fanout.Subscribe(ctx, topic), nil
}

// Listen consumes the NOTIFY feed and dispatches to local watchers until ctx
// is done. A reconnect fans out to every watcher since notifications sent
// while disconnected are lost.
func (s *Store) Listen(ctx context.Context, dsn string) error {
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.log.Warn("change feed event", zap.Int("event", int(ev)), zap.Error(err))
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		listener.Close()
		return fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	go func() {
		defer listener.Close()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil {
					s.fanout.PublishAll()
					continue
				}
				s.dispatch(n.Extra)
			case <-ping.C:
				if err := listener.Ping(); err != nil {
					s.log.Warn("change feed ping failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (s *Store) dispatch(payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		s.log.Warn("malformed change notification", zap.String("payload", payload), zap.Error(err))
		return
	}
	s.fanout.Publish([]string{n.Topic}, n.DocID)
}

var _ store.DocumentStore = (*Store)(nil)
