package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/store"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// Gateway exposes a presence store over websockets. Each socket is one
// presence connection: its on-disconnect records are applied when the
// socket goes away for any reason.
type Gateway struct {
	hub     *Hub
	backing store.PresenceStore
	auth    TokenValidator
	log     *zap.Logger
}

func NewGateway(hub *Hub, backing store.PresenceStore, auth TokenValidator, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{hub: hub, backing: backing, auth: auth, log: log}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates and upgrades the connection.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := bearerToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	userID, err := g.auth.ValidateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	connCtx, cancel := context.WithCancel(context.Background())
	pconn, err := g.backing.Connect(connCtx, userID)
	if err != nil {
		cancel()
		g.log.Error("presence connect failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "presence unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		_ = pconn.Close()
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	g.hub.AddClient(info)

	s := &serverSession{
		gw:      g,
		conn:    conn,
		pconn:   pconn,
		info:    info,
		ctx:     connCtx,
		cancel:  cancel,
		watches: make(map[string]context.CancelFunc),
	}
	go s.run()
}

type serverSession struct {
	gw    *Gateway
	conn  *websocket.Conn
	pconn store.PresenceConn
	info  ConnInfo

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	watches map[string]context.CancelFunc
}

func (s *serverSession) run() {
	var closeReason string
	defer func() {
		s.cancel()
		// applies the on-disconnect records
		if err := s.pconn.Close(); err != nil {
			s.gw.log.Warn("presence close failed", zap.String("user_id", s.info.UserID), zap.Error(err))
		}
		s.gw.hub.RemoveClient(s.info.ConnID, closeReason)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.ping()

	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.gw.hub.ReportError(s.info.ConnID, err)
			}
			return
		}
		s.handle(f)
	}
}

func (s *serverSession) ping() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *serverSession) handle(f frame) {
	switch f.Op {
	case opSet, opOnDisconnect:
		if f.Record == nil {
			s.reply(frame{Op: opError, Req: f.Req, Error: "record is required"})
			return
		}
		rec := *f.Record
		rec.UserID = s.info.UserID
		var err error
		if f.Op == opSet {
			err = s.pconn.Set(s.ctx, rec)
		} else {
			err = s.pconn.OnDisconnect(s.ctx, rec)
		}
		if err != nil {
			s.reply(frame{Op: opError, Req: f.Req, Error: err.Error()})
			return
		}
		s.reply(frame{Op: opAck, Req: f.Req})

	case opGet:
		recs, err := s.gw.backing.Get(s.ctx, f.UserIDs)
		if err != nil {
			s.reply(frame{Op: opError, Req: f.Req, Error: err.Error()})
			return
		}
		s.reply(frame{Op: opSnapshot, Req: f.Req, Records: recs})

	case opWatch:
		if f.WatchID == "" {
			s.reply(frame{Op: opError, Req: f.Req, Error: "watch_id is required"})
			return
		}
		wctx, cancel := context.WithCancel(s.ctx)
		updates, err := s.gw.backing.Watch(wctx, f.UserIDs)
		if err != nil {
			cancel()
			s.reply(frame{Op: opError, Req: f.Req, Error: err.Error()})
			return
		}
		s.mu.Lock()
		if prev, ok := s.watches[f.WatchID]; ok {
			prev()
		}
		s.watches[f.WatchID] = cancel
		s.mu.Unlock()
		s.reply(frame{Op: opAck, Req: f.Req})
		go s.forward(f.WatchID, updates)

	case opUnwatch:
		s.mu.Lock()
		if cancel, ok := s.watches[f.WatchID]; ok {
			cancel()
			delete(s.watches, f.WatchID)
		}
		s.mu.Unlock()
		s.reply(frame{Op: opAck, Req: f.Req})

	default:
		s.reply(frame{Op: opError, Req: f.Req, Error: "unknown op " + f.Op})
	}
}

func (s *serverSession) forward(watchID string, updates <-chan models.PresenceRecord) {
	for rec := range updates {
		rec := rec
		if err := s.write(frame{Op: opPresence, WatchID: watchID, Record: &rec}); err != nil {
			return
		}
	}
}

func (s *serverSession) reply(f frame) {
	if err := s.write(f); err != nil {
		s.gw.log.Debug("websocket reply failed", zap.String("conn_id", s.info.ConnID), zap.Error(err))
	}
}

var errSessionClosed = errors.New("session closed")

func (s *serverSession) write(f frame) error {
	if s.ctx.Err() != nil {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}
