package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	domainerrors "github.com/docmark/annotator/internal/errors"
	"github.com/docmark/annotator/internal/models"
)

// ErrNotConnected is returned by sends while the channel is down. Messages are
// not buffered.
var ErrNotConnected = errors.New("realtime: not connected")

// Identity headers carried by the upgrade request.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserName = "X-User-Name"
)

// Conn is one framed, JSON-encoded connection.
type Conn interface {
	Send(env Envelope) error
	Receive(env *Envelope) error
	Close() error
}

// Dialer opens connections to the hub.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// WebsocketDialer dials the hub over golang.org/x/net/websocket.
type WebsocketDialer struct{}

// Dial implements Dialer.
func (WebsocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	cfg, err := websocket.NewConfig(rawURL, originFor(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	cfg.Header = header

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	return NewWebsocketConn(ws), nil
}

func originFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "http://localhost/"
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host + "/"
}

type websocketConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewWebsocketConn adapts a websocket connection to Conn.
func NewWebsocketConn(ws *websocket.Conn) Conn {
	return &websocketConn{ws: ws}
}

func (c *websocketConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.JSON.Send(c.ws, env)
}

func (c *websocketConn) Receive(env *Envelope) error {
	return websocket.JSON.Receive(c.ws, env)
}

func (c *websocketConn) Close() error {
	return c.ws.Close()
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// URL is the hub base, e.g. ws://localhost:8080/ws/documents.
	URL              string
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
}

// Client is one collaborator's connection to the channel of a document. It is
// constructed and owned by the viewer session; there is no shared instance.
type Client struct {
	dialer Dialer
	opts   ClientOptions
	logger *zap.Logger
	now    func() time.Time

	mu           sync.Mutex
	conn         Conn
	documentID   string
	self         models.ActiveUser
	connectionID string
	started      bool
	stop         chan struct{}
	wg           sync.WaitGroup

	handlersMu   sync.RWMutex
	onAnnotation func(models.AnnotationEvent)
	onPresence   func(Envelope)
	onCursor     func(models.Cursor)
	onReconnect  func()
}

// NewClient creates a disconnected client.
func NewClient(dialer Dialer, opts ClientOptions, logger *zap.Logger) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		dialer: dialer,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// OnAnnotation sets the handler for remote annotation events.
func (c *Client) OnAnnotation(fn func(models.AnnotationEvent)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onAnnotation = fn
}

// OnPresence sets the handler for join, leave and roster messages.
func (c *Client) OnPresence(fn func(Envelope)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onPresence = fn
}

// OnCursor sets the handler for remote cursor moves. Our own echoes are
// filtered before the handler runs.
func (c *Client) OnCursor(fn func(models.Cursor)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onCursor = fn
}

// OnReconnect sets the hook run after the channel is re-established.
func (c *Client) OnReconnect(fn func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onReconnect = fn
}

// Connect establishes the channel for documentID, authenticates the user and
// announces their presence. Handlers should be set before calling Connect.
func (c *Client) Connect(ctx context.Context, documentID, userID, userName string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(userName) == "" {
		return domainerrors.Unauthorized("a signed-in user is required to join the document")
	}
	if documentID == "" {
		return domainerrors.Validation("document id is required")
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return domainerrors.ErrConflict.WithCause(errors.New("realtime client already connected"))
	}
	c.started = true
	c.documentID = documentID
	c.self = models.ActiveUser{ID: userID, Name: userName}
	c.stop = make(chan struct{})
	c.mu.Unlock()

	conn, err := c.establish(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

// establish dials, performs the CONNECT handshake and announces the user.
func (c *Client) establish(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	documentID, self := c.documentID, c.self
	c.mu.Unlock()

	header := http.Header{}
	header.Set(HeaderUserID, self.ID)
	header.Set(HeaderUserName, self.Name)

	target := strings.TrimRight(c.opts.URL, "/") + "/" + url.PathEscape(documentID)
	conn, err := c.dialer.Dial(ctx, target, header)
	if err != nil {
		return nil, domainerrors.Connection("could not connect to the realtime channel", err)
	}

	reply, err := c.handshake(ctx, conn, Envelope{Type: TypeConnect, DocumentID: documentID, User: &self})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.connectionID = reply.ConnectionID
	if reply.User != nil && reply.User.Color != "" {
		c.self.Color = reply.User.Color
	}
	self = c.self
	c.mu.Unlock()

	if len(reply.Users) > 0 {
		c.dispatch(Envelope{Type: TypeUsersList, DocumentID: documentID, Users: reply.Users})
	}

	if err := c.send(Envelope{Type: TypeUserJoined, User: &self}); err != nil {
		c.dropConn(conn)
		return nil, domainerrors.Connection("could not announce presence", err)
	}

	c.logger.Info("Realtime channel connected",
		zap.String("document_id", documentID),
		zap.String("connection_id", reply.ConnectionID))
	return conn, nil
}

func (c *Client) handshake(ctx context.Context, conn Conn, hello Envelope) (Envelope, error) {
	if err := conn.Send(hello); err != nil {
		return Envelope{}, domainerrors.Connection("handshake failed", err)
	}

	type result struct {
		env Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		var env Envelope
		err := conn.Receive(&env)
		done <- result{env, err}
	}()

	timer := time.NewTimer(c.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return Envelope{}, domainerrors.Connection("handshake failed", r.err)
		}
		switch r.env.Type {
		case TypeConnected:
			return r.env, nil
		case TypeError:
			return Envelope{}, domainerrors.Connection("connection rejected", errors.New(r.env.Error))
		default:
			return Envelope{}, domainerrors.Connection("handshake failed",
				fmt.Errorf("unexpected %s before %s", r.env.Type, TypeConnected))
		}
	case <-timer.C:
		return Envelope{}, domainerrors.Connection("handshake timed out", context.DeadlineExceeded)
	case <-ctx.Done():
		return Envelope{}, domainerrors.Connection("handshake cancelled", ctx.Err())
	}
}

// run reads from conn until it fails, then reconnects with a constant delay
// until Disconnect is called.
func (c *Client) run(conn Conn) {
	defer c.wg.Done()

	for {
		err := c.readLoop(conn)
		if c.stopped() {
			return
		}
		c.logger.Warn("Realtime connection lost", zap.Error(err))
		c.dropConn(conn)

		conn = c.reconnect()
		if conn == nil {
			return
		}

		c.handlersMu.RLock()
		hook := c.onReconnect
		c.handlersMu.RUnlock()
		if hook != nil {
			hook()
		}
	}
}

func (c *Client) reconnect() Conn {
	for attempt := 1; ; attempt++ {
		select {
		case <-c.stop:
			return nil
		case <-time.After(c.opts.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
		conn, err := c.establish(ctx)
		cancel()
		if err != nil {
			c.logger.Warn("Realtime reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if c.stopped() {
			c.dropConn(conn)
			return nil
		}
		return conn
	}
}

func (c *Client) readLoop(conn Conn) error {
	for {
		var env Envelope
		if err := conn.Receive(&env); err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	selfID, connectionID := c.self.ID, c.connectionID
	c.mu.Unlock()

	c.handlersMu.RLock()
	onAnnotation, onPresence, onCursor := c.onAnnotation, c.onPresence, c.onCursor
	c.handlersMu.RUnlock()

	switch env.Type.Stream() {
	case StreamAnnotation:
		if env.ConnectionID != "" && env.ConnectionID == connectionID {
			return
		}
		evt, ok := env.Event()
		if !ok {
			c.logger.Warn("Dropping malformed annotation message", zap.String("type", string(env.Type)))
			return
		}
		if onAnnotation != nil {
			onAnnotation(evt)
		}
	case StreamPresence:
		if onPresence != nil {
			onPresence(env)
		}
	case StreamCursor:
		if env.Cursor == nil || env.Cursor.UserID == selfID {
			return
		}
		if onCursor != nil {
			onCursor(*env.Cursor)
		}
	default:
		if env.Type == TypeError {
			c.logger.Warn("Realtime error from hub", zap.String("error", env.Error))
		}
	}
}

func (c *Client) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) dropConn(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// Disconnect announces that the user left, stops reconnecting and closes the
// connection. It must not be called from a handler.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	close(c.stop)
	conn := c.conn
	self := c.self
	c.mu.Unlock()

	if conn != nil {
		if sendErr := c.send(Envelope{Type: TypeUserLeft, User: &self}); sendErr != nil {
			c.logger.Debug("Could not announce leave", zap.Error(sendErr))
		}
		c.dropConn(conn)
	}
	c.wg.Wait()

	c.logger.Info("Realtime channel disconnected", zap.String("document_id", c.documentID))
	return nil
}

// Connected reports whether the channel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Self returns the identity announced to the hub, including its colour.
func (c *Client) Self() models.ActiveUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// BroadcastAnnotation sends a local mutation to the other collaborators.
func (c *Client) BroadcastAnnotation(evt models.AnnotationEvent) error {
	env, err := EnvelopeFromEvent(evt)
	if err != nil {
		return err
	}
	return c.send(env)
}

// SendCursor broadcasts our pointer position in percent-of-page coordinates.
func (c *Client) SendCursor(x, y float64, pageNumber int) error {
	self := c.Self()
	return c.send(Envelope{Type: TypeCursorMove, Cursor: &models.Cursor{
		UserID:     self.ID,
		UserName:   self.Name,
		Color:      self.Color,
		X:          x,
		Y:          y,
		PageNumber: pageNumber,
		Timestamp:  c.now(),
	}})
}

func (c *Client) send(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	env.DocumentID = c.documentID
	env.SenderID = c.self.ID
	env.ConnectionID = c.connectionID
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(env)
}
