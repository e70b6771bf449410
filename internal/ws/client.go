package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/store"
)

// PresenceClient is a store.PresenceStore backed by a remote Gateway.
// Connect opens a dedicated socket per presence connection; Get and Watch
// share one lazily opened socket.
type PresenceClient struct {
	url    string
	token  string
	dialer *websocket.Dialer
	log    *zap.Logger

	mu     sync.Mutex
	shared *clientSession
}

func NewPresenceClient(url, token string, log *zap.Logger) *PresenceClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &PresenceClient{
		url:    url,
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: writeWait},
		log:    log,
	}
}

func (c *PresenceClient) dial(ctx context.Context) (*clientSession, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial presence gateway: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial presence gateway: %w", err)
	}
	s := &clientSession{
		conn:    conn,
		log:     c.log,
		pending: make(map[int64]chan frame),
		watches: make(map[string]chan models.PresenceRecord),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (c *PresenceClient) sharedSession(ctx context.Context) (*clientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shared != nil && !c.shared.closed() {
		return c.shared, nil
	}
	s, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.shared = s
	return s, nil
}

// Connect opens a presence connection for the token's user. userID must be
// the user the token was issued to; the gateway enforces it.
func (c *PresenceClient) Connect(ctx context.Context, userID string) (store.PresenceConn, error) {
	s, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	return &remoteConn{session: s, userID: userID}, nil
}

func (c *PresenceClient) Get(ctx context.Context, userIDs []string) (map[string]models.PresenceRecord, error) {
	s, err := c.sharedSession(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.request(ctx, frame{Op: opGet, UserIDs: userIDs})
	if err != nil {
		return nil, err
	}
	if resp.Records == nil {
		return map[string]models.PresenceRecord{}, nil
	}
	return resp.Records, nil
}

// Watch streams presence changes of userIDs until ctx is done or the
// gateway connection is lost; the channel is closed in both cases.
func (c *PresenceClient) Watch(ctx context.Context, userIDs []string) (<-chan models.PresenceRecord, error) {
	s, err := c.sharedSession(ctx)
	if err != nil {
		return nil, err
	}
	watchID := strconv.FormatInt(s.nextID.Add(1), 10)
	ch := make(chan models.PresenceRecord, len(userIDs)+1)

	s.mu.Lock()
	s.watches[watchID] = ch
	s.mu.Unlock()

	if _, err := s.request(ctx, frame{Op: opWatch, WatchID: watchID, UserIDs: userIDs}); err != nil {
		s.dropWatch(watchID)
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			uctx, cancel := context.WithTimeout(context.Background(), writeWait)
			_, _ = s.request(uctx, frame{Op: opUnwatch, WatchID: watchID})
			cancel()
		case <-s.done:
		}
		s.dropWatch(watchID)
	}()
	return ch, nil
}

// Close releases the shared socket.
func (c *PresenceClient) Close() error {
	c.mu.Lock()
	s := c.shared
	c.shared = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.close()
}

type remoteConn struct {
	session *clientSession
	userID  string
}

func (r *remoteConn) Set(ctx context.Context, rec models.PresenceRecord) error {
	rec.UserID = r.userID
	_, err := r.session.request(ctx, frame{Op: opSet, Record: &rec})
	return err
}

func (r *remoteConn) OnDisconnect(ctx context.Context, rec models.PresenceRecord) error {
	rec.UserID = r.userID
	_, err := r.session.request(ctx, frame{Op: opOnDisconnect, Record: &rec})
	return err
}

// Close drops the socket. The gateway applies the on-disconnect records.
func (r *remoteConn) Close() error {
	return r.session.close()
}

var errGatewayClosed = errors.New("presence gateway connection closed")

type clientSession struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan frame
	watches map[string]chan models.PresenceRecord

	done      chan struct{}
	closeOnce sync.Once
}

func (s *clientSession) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *clientSession) close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *clientSession) request(ctx context.Context, f frame) (frame, error) {
	f.Req = s.nextID.Add(1)
	reply := make(chan frame, 1)
	s.mu.Lock()
	s.pending[f.Req] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, f.Req)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := s.conn.WriteJSON(f)
	s.writeMu.Unlock()
	if err != nil {
		return frame{}, fmt.Errorf("presence %s: %w", f.Op, err)
	}

	select {
	case resp := <-reply:
		if resp.Op == opError {
			return resp, fmt.Errorf("presence %s: %s", f.Op, resp.Error)
		}
		return resp, nil
	case <-s.done:
		return frame{}, errGatewayClosed
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (s *clientSession) readLoop() {
	defer func() {
		s.closeOnce.Do(func() { s.conn.Close() })
		s.mu.Lock()
		for id, ch := range s.watches {
			close(ch)
			delete(s.watches, id)
		}
		s.mu.Unlock()
		close(s.done)
	}()
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				s.log.Debug("presence gateway read ended", zap.Error(err))
			}
			return
		}
		switch f.Op {
		case opPresence:
			if f.Record != nil {
				s.deliver(f.WatchID, *f.Record)
			}
		default:
			s.mu.Lock()
			reply, ok := s.pending[f.Req]
			s.mu.Unlock()
			if ok {
				reply <- f
			}
		}
	}
}

// deliver hands rec to a watcher, dropping its oldest record if it lags.
func (s *clientSession) deliver(watchID string, rec models.PresenceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.watches[watchID]
	if !ok {
		return
	}
	select {
	case ch <- rec:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- rec:
	default:
	}
}

func (s *clientSession) dropWatch(watchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.watches[watchID]; ok {
		close(ch)
		delete(s.watches, watchID)
	}
}

var _ store.PresenceStore = (*PresenceClient)(nil)
