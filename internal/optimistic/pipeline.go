// Package optimistic shows outgoing messages immediately and tracks them
// until the authoritative copy shows up in the live message stream.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/repositories"
)

// SendTimeout bounds one authoritative send attempt.
const SendTimeout = 15 * time.Second

var (
	ErrUnknownMessage = errors.New("optimistic message not found")
	ErrNotFailed      = errors.New("only failed messages can be retried")
)

// Sender performs the authoritative send.
type Sender interface {
	SendMessage(ctx context.Context, req repositories.SendRequest) (models.Message, error)
}

// Draft is what the user composed.
type Draft struct {
	ChatID     string
	SenderID   string
	SenderName string
	Payload    models.Payload
	ReplyTo    *models.ReplyRef
	Privileged bool
}

type Options struct {
	Timeout time.Duration
	Now     func() time.Time
	NewID   func() string
	Log     *zap.Logger
}

// Pipeline owns the optimistic records of one session.
type Pipeline struct {
	sender  Sender
	timeout time.Duration
	now     func() time.Time
	newID   func() string
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	records    map[string]*models.OptimisticMessage
	privileged map[string]bool

	changes chan string
}

func New(sender Sender, opts Options) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = SendTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		sender:     sender,
		timeout:    opts.Timeout,
		now:        opts.Now,
		newID:      opts.NewID,
		log:        opts.Log,
		ctx:        ctx,
		cancel:     cancel,
		records:    make(map[string]*models.OptimisticMessage),
		privileged: make(map[string]bool),
		changes:    make(chan string, 64),
	}
}

// Close aborts in-flight sends and waits for them.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Changes yields the chat id whenever that chat's optimistic state changed.
// Notifications are dropped when the reader lags.
func (p *Pipeline) Changes() <-chan string { return p.changes }

func (p *Pipeline) notify(chatID string) {
	select {
	case p.changes <- chatID:
	default:
	}
}

// Send records an optimistic message and starts the authoritative send in
// the background. It returns as soon as the record is visible.
func (p *Pipeline) Send(ctx context.Context, d Draft) (models.OptimisticMessage, error) {
	if d.ChatID == "" || d.SenderID == "" {
		return models.OptimisticMessage{}, &repositories.ValidationError{Field: "chat", Reason: "chat and sender are required"}
	}
	if err := models.ValidatePayload(d.Payload); err != nil {
		return models.OptimisticMessage{}, &repositories.ValidationError{Field: "payload", Reason: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return models.OptimisticMessage{}, err
	}

	rec := &models.OptimisticMessage{
		TempID:         "tmp-" + p.newID(),
		ChatID:         d.ChatID,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		Payload:        d.Payload,
		ReplyTo:        d.ReplyTo,
		LocalTimestamp: p.now(),
		ClientKey:      p.newID(),
		Status:         models.StatusSending,
	}
	p.mu.Lock()
	p.records[rec.TempID] = rec
	p.privileged[rec.TempID] = d.Privileged
	snapshot := *rec
	p.mu.Unlock()

	p.notify(rec.ChatID)
	p.start(snapshot, d.Privileged)
	return snapshot, nil
}

func (p *Pipeline) start(rec models.OptimisticMessage, privileged bool) {
	req := repositories.SendRequest{
		ChatID:     rec.ChatID,
		SenderID:   rec.SenderID,
		SenderName: rec.SenderName,
		Payload:    rec.Payload,
		ClientKey:  rec.ClientKey,
		Privileged: privileged,
	}
	if rec.ReplyTo != nil {
		req.ReplyToID = rec.ReplyTo.MessageID
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		msg, err := p.sender.SendMessage(ctx, req)
		cancel()
		p.complete(rec.TempID, msg, err)
	}()
}

func (p *Pipeline) complete(tempID string, msg models.Message, err error) {
	p.mu.Lock()
	rec, ok := p.records[tempID]
	if !ok {
		// discarded or already superseded
		p.mu.Unlock()
		return
	}
	if err != nil {
		rec.Status = models.StatusFailed
		rec.Retries++
		rec.Err = err.Error()
	} else {
		rec.Status = models.StatusSent
		rec.MessageID = msg.ID
		rec.Err = ""
	}
	chatID := rec.ChatID
	p.mu.Unlock()

	if err != nil {
		observability.IncSend("failed")
		p.log.Warn("message send failed", zap.String("chat_id", chatID), zap.String("temp_id", tempID), zap.Error(err))
	} else {
		observability.IncSend("sent")
	}
	p.notify(chatID)
}

// Retry resends a failed message as a fresh attempt. The client key is kept
// so that a send which did reach the store is still matched exactly.
func (p *Pipeline) Retry(ctx context.Context, tempID string) (models.OptimisticMessage, error) {
	if err := ctx.Err(); err != nil {
		return models.OptimisticMessage{}, err
	}
	p.mu.Lock()
	old, ok := p.records[tempID]
	if !ok {
		p.mu.Unlock()
		return models.OptimisticMessage{}, fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}
	if old.Status != models.StatusFailed {
		p.mu.Unlock()
		return models.OptimisticMessage{}, ErrNotFailed
	}
	privileged := p.privileged[tempID]
	delete(p.records, tempID)
	delete(p.privileged, tempID)

	rec := *old
	rec.TempID = "tmp-" + p.newID()
	rec.LocalTimestamp = p.now()
	rec.Status = models.StatusSending
	rec.Err = ""
	p.records[rec.TempID] = &rec
	p.privileged[rec.TempID] = privileged
	snapshot := rec
	p.mu.Unlock()

	observability.IncSend("retried")
	p.notify(rec.ChatID)
	p.start(snapshot, privileged)
	return snapshot, nil
}

// Discard drops an optimistic record. An in-flight send still completes at
// the store; its authoritative copy will show up normally.
func (p *Pipeline) Discard(tempID string) error {
	p.mu.Lock()
	rec, ok := p.records[tempID]
	if ok {
		delete(p.records, tempID)
		delete(p.privileged, tempID)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}
	p.notify(rec.ChatID)
	return nil
}

// Pending returns the optimistic records of a chat, oldest first.
func (p *Pipeline) Pending(chatID string) []models.OptimisticMessage {
	p.mu.Lock()
	out := make([]models.OptimisticMessage, 0)
	for _, rec := range p.records {
		if rec.ChatID == chatID {
			out = append(out, *rec)
		}
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LocalTimestamp.Equal(out[j].LocalTimestamp) {
			return out[i].LocalTimestamp.Before(out[j].LocalTimestamp)
		}
		return out[i].TempID < out[j].TempID
	})
	return out
}

// Reconcile merges the authoritative messages of a chat with its pending
// records and prunes the records that were superseded.
func (p *Pipeline) Reconcile(chatID string, auth []models.Message) []DisplayMessage {
	merged, superseded := Merge(auth, p.Pending(chatID), MergeWindow)
	if len(superseded) == 0 {
		return merged
	}
	p.mu.Lock()
	for _, id := range superseded {
		delete(p.records, id)
		delete(p.privileged, id)
	}
	p.mu.Unlock()
	return merged
}
