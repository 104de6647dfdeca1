package realtime

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/docmark/annotator/internal/color"
	"github.com/docmark/annotator/internal/id"
	"github.com/docmark/annotator/internal/models"
	"github.com/docmark/annotator/internal/ratelimit"
)

const peerBuffer = 64

// HubOptions configures a Hub.
type HubOptions struct {
	HandshakeTimeout time.Duration
	// CursorRate caps cursor messages per connection per second.
	CursorRate  float64
	CursorBurst int
}

// Hub is the server side of the channel: one room per document, relaying
// messages between the peers connected to it.
type Hub struct {
	broker  Broker
	limiter *ratelimit.KeyedRateLimiter
	logger  *zap.Logger
	opts    HubOptions

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	documentID  string
	peers       map[string]*peer
	roster      map[string]models.ActiveUser
	unsubscribe func()
}

type peer struct {
	id   string
	user models.ActiveUser
	send chan Envelope
	once sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.send) })
}

// NewHub creates a hub relaying through broker.
func NewHub(broker Broker, opts HubOptions, logger *zap.Logger) *Hub {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.CursorRate <= 0 {
		opts.CursorRate = 20
	}
	if opts.CursorBurst <= 0 {
		opts.CursorBurst = 5
	}
	return &Hub{
		broker:  broker,
		limiter: ratelimit.New(opts.CursorRate, opts.CursorBurst, time.Minute),
		logger:  logger,
		opts:    opts,
		rooms:   make(map[string]*room),
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Hub) RegisterRoutes(rg gin.IRouter) {
	rg.GET("/ws/documents/:documentId", h.ServeWS)
}

// ServeWS upgrades the request and serves one peer until it disconnects.
func (h *Hub) ServeWS(c *gin.Context) {
	documentID := c.Param("documentId")
	srv := websocket.Server{
		// Identity comes from the ambient session, not from the Origin header.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			h.servePeer(c.Request.Context(), documentID, ws)
		},
	}
	srv.ServeHTTP(c.Writer, c.Request)
}

func (h *Hub) servePeer(ctx context.Context, documentID string, ws *websocket.Conn) {
	defer ws.Close()
	conn := NewWebsocketConn(ws)

	_ = ws.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout))
	user, err := h.accept(conn, documentID, ws.Request().Header.Get(HeaderUserID))
	if err != nil {
		h.logger.Warn("Rejected realtime connection",
			zap.String("document_id", documentID), zap.Error(err))
		_ = conn.Send(Envelope{Type: TypeError, DocumentID: documentID, Error: err.Error()})
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	p := &peer{
		id:   id.MustGenerate("conn"),
		user: user,
		send: make(chan Envelope, peerBuffer),
	}

	roster, err := h.join(ctx, documentID, p)
	if err != nil {
		h.logger.Error("Failed to join room", zap.String("document_id", documentID), zap.Error(err))
		_ = conn.Send(Envelope{Type: TypeError, DocumentID: documentID, Error: "realtime channel unavailable"})
		return
	}

	logger := h.logger.With(
		zap.String("document_id", documentID),
		zap.String("connection_id", p.id),
		zap.String("user_id", user.ID))
	logger.Info("Peer connected")

	if err := conn.Send(Envelope{
		Type:         TypeConnected,
		DocumentID:   documentID,
		ConnectionID: p.id,
		User:         &user,
		Users:        roster,
	}); err != nil {
		h.leave(documentID, p)
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for env := range p.send {
			if err := conn.Send(env); err != nil {
				logger.Debug("Write failed", zap.Error(err))
				_ = ws.Close()
				for range p.send {
				}
				return
			}
		}
	}()

	joined, left := h.readPeer(ctx, documentID, p, conn, logger)
	if joined && !left {
		h.publish(context.Background(), documentID, Envelope{
			Type:         TypeUserLeft,
			DocumentID:   documentID,
			SenderID:     user.ID,
			ConnectionID: p.id,
			User:         &user,
		})
	}

	h.leave(documentID, p)
	<-writerDone
	h.limiter.Forget(p.id)
	logger.Info("Peer disconnected")
}

// accept validates the CONNECT message. When the upgrade request carries a
// session identity it must match the one announced.
func (h *Hub) accept(conn Conn, documentID, sessionUserID string) (models.ActiveUser, error) {
	var hello Envelope
	if err := conn.Receive(&hello); err != nil {
		return models.ActiveUser{}, err
	}
	if hello.Type != TypeConnect {
		return models.ActiveUser{}, errUnexpected(hello.Type)
	}
	if hello.DocumentID != "" && hello.DocumentID != documentID {
		return models.ActiveUser{}, errHandshake("document mismatch")
	}
	if hello.User == nil || strings.TrimSpace(hello.User.ID) == "" || strings.TrimSpace(hello.User.Name) == "" {
		return models.ActiveUser{}, errHandshake("not authenticated")
	}
	if sessionUserID != "" && sessionUserID != hello.User.ID {
		return models.ActiveUser{}, errHandshake("identity does not match session")
	}

	user := *hello.User
	if user.Color == "" {
		user.Color = color.ForUser(user.ID)
	}
	return user, nil
}

type handshakeError string

func (e handshakeError) Error() string { return string(e) }

func errHandshake(msg string) error { return handshakeError(msg) }

func errUnexpected(t MessageType) error {
	return handshakeError("expected " + string(TypeConnect) + ", got " + string(t))
}

// readPeer relays the peer's messages until the connection ends. It reports
// whether the peer announced itself and whether it said goodbye.
func (h *Hub) readPeer(ctx context.Context, documentID string, p *peer, conn Conn, logger *zap.Logger) (joined, left bool) {
	for {
		var env Envelope
		if err := conn.Receive(&env); err != nil {
			return joined, left
		}

		env.DocumentID = documentID
		env.ConnectionID = p.id
		env.SenderID = p.user.ID

		switch env.Type.Stream() {
		case StreamAnnotation:
			if _, ok := env.Event(); !ok {
				logger.Warn("Dropping malformed annotation message", zap.String("type", string(env.Type)))
				continue
			}
		case StreamPresence:
			switch env.Type {
			case TypeUserJoined:
				if joined {
					continue
				}
				joined = true
			case TypeUserLeft:
				if !joined || left {
					continue
				}
				left = true
			default:
				continue
			}
			user := p.user
			env.User = &user
		case StreamCursor:
			if env.Cursor == nil || !h.limiter.Allow(p.id) {
				continue
			}
			env.Cursor.UserID = p.user.ID
			env.Cursor.UserName = p.user.Name
			env.Cursor.Color = p.user.Color
			if env.Cursor.Timestamp.IsZero() {
				env.Cursor.Timestamp = time.Now()
			}
		default:
			logger.Debug("Ignoring control message", zap.String("type", string(env.Type)))
			continue
		}

		h.publish(ctx, documentID, env)
	}
}

func (h *Hub) publish(ctx context.Context, documentID string, env Envelope) {
	if err := h.broker.Publish(ctx, documentID, env); err != nil {
		h.logger.Warn("Failed to publish message",
			zap.String("document_id", documentID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
	}
}

func (h *Hub) join(ctx context.Context, documentID string, p *peer) ([]models.ActiveUser, error) {
	h.mu.Lock()
	r, ok := h.rooms[documentID]
	if ok {
		r.peers[p.id] = p
		roster := r.users()
		h.mu.Unlock()
		return roster, nil
	}
	h.mu.Unlock()

	// Subscribing may block on the network; do it without holding the lock.
	unsubscribe, err := h.broker.Subscribe(ctx, documentID, func(env Envelope) {
		h.deliver(documentID, env)
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if existing, ok := h.rooms[documentID]; ok {
		existing.peers[p.id] = p
		roster := existing.users()
		h.mu.Unlock()
		unsubscribe()
		return roster, nil
	}
	r = &room{
		documentID:  documentID,
		peers:       map[string]*peer{p.id: p},
		roster:      make(map[string]models.ActiveUser),
		unsubscribe: unsubscribe,
	}
	h.rooms[documentID] = r
	h.mu.Unlock()

	h.logger.Debug("Room opened", zap.String("document_id", documentID))
	return nil, nil
}

func (h *Hub) leave(documentID string, p *peer) {
	h.mu.Lock()
	r, ok := h.rooms[documentID]
	if !ok {
		h.mu.Unlock()
		p.close()
		return
	}
	delete(r.peers, p.id)
	p.close()

	var unsubscribe func()
	if len(r.peers) == 0 {
		delete(h.rooms, documentID)
		unsubscribe = r.unsubscribe
	}
	h.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		h.logger.Debug("Room closed", zap.String("document_id", documentID))
	}
}

// deliver fans a brokered message out to the local peers of its room.
// Annotation and presence messages skip the originating connection; cursor
// messages go to everyone and clients drop their own.
func (h *Hub) deliver(documentID string, env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[documentID]
	if !ok {
		return
	}

	switch env.Type.Stream() {
	case StreamAnnotation:
		r.fanout(env, env.ConnectionID, h.logger)
	case StreamCursor:
		r.fanout(env, "", h.logger)
	case StreamPresence:
		switch env.Type {
		case TypeUserJoined:
			if env.User != nil {
				r.roster[env.ConnectionID] = *env.User
			}
		case TypeUserLeft:
			delete(r.roster, env.ConnectionID)
		}
		r.fanout(env, env.ConnectionID, h.logger)
		r.fanout(Envelope{Type: TypeUsersList, DocumentID: documentID, Users: r.users()}, "", h.logger)
	}
}

func (r *room) fanout(env Envelope, skip string, logger *zap.Logger) {
	for _, p := range r.peers {
		if p.id == skip {
			continue
		}
		select {
		case p.send <- env:
		default:
			logger.Warn("Dropped message for slow peer",
				zap.String("connection_id", p.id),
				zap.String("type", string(env.Type)))
		}
	}
}

// users returns the roster with one entry per user, ordered by name.
func (r *room) users() []models.ActiveUser {
	seen := make(map[string]bool, len(r.roster))
	out := make([]models.ActiveUser, 0, len(r.roster))
	for _, u := range r.roster {
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b models.ActiveUser) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Rooms returns the number of open rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Peers returns the number of local peers connected to documentID.
func (h *Hub) Peers(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[documentID]; ok {
		return len(r.peers)
	}
	return 0
}
