package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/docmark/annotator/internal/models"
)

func setupTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(NewLocalBroker(), HubOptions{HandshakeTimeout: time.Second}, zap.NewNop())
	router := gin.New()
	hub.RegisterRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/documents"
}

type recorder struct {
	events   chan models.AnnotationEvent
	presence chan Envelope
	cursors  chan models.Cursor
}

func connectPeer(t *testing.T, url, userID, userName string) (*Client, *recorder) {
	t.Helper()
	c := NewClient(WebsocketDialer{}, ClientOptions{URL: url, ReconnectDelay: time.Hour}, zap.NewNop())
	rec := &recorder{
		events:   make(chan models.AnnotationEvent, 16),
		presence: make(chan Envelope, 16),
		cursors:  make(chan models.Cursor, 16),
	}
	c.OnAnnotation(func(evt models.AnnotationEvent) { rec.events <- evt })
	c.OnPresence(func(env Envelope) { rec.presence <- env })
	c.OnCursor(func(cur models.Cursor) { rec.cursors <- cur })

	require.NoError(t, c.Connect(context.Background(), "doc-1", userID, userName))
	return c, rec
}

func waitPresence(t *testing.T, rec *recorder, typ MessageType, match func(Envelope) bool) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-rec.presence:
			if env.Type == typ && match(env) {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s received", typ)
		}
	}
}

func TestHub_RelaysAnnotationsToOtherPeers(t *testing.T) {
	hub, url := setupTestHub(t)

	alice, aliceRec := connectPeer(t, url, "alice", "Alice")
	defer alice.Disconnect()
	bob, bobRec := connectPeer(t, url, "bob", "Bob")
	defer bob.Disconnect()

	assert.Equal(t, 1, hub.Rooms())
	assert.Equal(t, 2, hub.Peers("doc-1"))

	annotation := models.Annotation{
		ID:          "srv-1",
		Type:        models.TypeArrow,
		PageNumber:  1,
		Coordinates: models.ArrowLine{X1: 1, Y1: 2, X2: 3, Y2: 4},
		Style:       models.DefaultArrowStyle,
		CreatedBy:   models.UserRef{ID: "alice", Name: "Alice"},
	}
	require.NoError(t, alice.BroadcastAnnotation(models.AnnotationEvent{Kind: models.EventCreate, Annotation: &annotation}))

	select {
	case evt := <-bobRec.events:
		assert.Equal(t, models.EventCreate, evt.Kind)
		assert.Equal(t, "srv-1", evt.Annotation.ID)
		assert.Equal(t, models.ArrowLine{X1: 1, Y1: 2, X2: 3, Y2: 4}, evt.Annotation.Coordinates)
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive the annotation")
	}

	select {
	case <-aliceRec.events:
		t.Fatal("sender received its own annotation")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_CursorsAndPresence(t *testing.T) {
	_, url := setupTestHub(t)

	alice, aliceRec := connectPeer(t, url, "alice", "Alice")
	bob, bobRec := connectPeer(t, url, "bob", "Bob")
	defer bob.Disconnect()

	waitPresence(t, aliceRec, TypeUsersList, func(env Envelope) bool { return len(env.Users) == 2 })

	require.NoError(t, alice.SendCursor(12.5, 40, 2))
	select {
	case cur := <-bobRec.cursors:
		assert.Equal(t, "alice", cur.UserID)
		assert.Equal(t, "Alice", cur.UserName)
		assert.NotEmpty(t, cur.Color)
		assert.Equal(t, 12.5, cur.X)
		assert.Equal(t, 2, cur.PageNumber)
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive the cursor")
	}

	require.NoError(t, alice.Disconnect())
	left := waitPresence(t, bobRec, TypeUserLeft, func(env Envelope) bool { return env.User != nil })
	assert.Equal(t, "alice", left.User.ID)
	waitPresence(t, bobRec, TypeUsersList, func(env Envelope) bool { return len(env.Users) == 1 })

	assert.Empty(t, aliceRec.cursors)
}

func TestHub_RejectsIdentityMismatch(t *testing.T) {
	_, url := setupTestHub(t)

	cfg, err := websocket.NewConfig(url+"/doc-1", "http://localhost/")
	require.NoError(t, err)
	cfg.Header = http.Header{HeaderUserID: []string{"mallory"}}

	ws, err := websocket.DialConfig(cfg)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, websocket.JSON.Send(ws, Envelope{
		Type: TypeConnect,
		User: &models.ActiveUser{ID: "alice", Name: "Alice"},
	}))

	var reply Envelope
	require.NoError(t, websocket.JSON.Receive(ws, &reply))
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, reply.Error, "identity")
}

func TestHub_RoomClosesWhenEmpty(t *testing.T) {
	hub, url := setupTestHub(t)

	c, _ := connectPeer(t, url, "alice", "Alice")
	require.Equal(t, 1, hub.Rooms())
	require.NoError(t, c.Disconnect())

	assert.Eventually(t, func() bool { return hub.Rooms() == 0 }, 2*time.Second, 10*time.Millisecond)
}
