package viewer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/editor"
	domainerrors "github.com/docmark/annotator/internal/errors"
	"github.com/docmark/annotator/internal/geometry"
	"github.com/docmark/annotator/internal/models"
	"github.com/docmark/annotator/internal/realtime"
	"github.com/docmark/annotator/internal/render"
	"github.com/docmark/annotator/internal/store"
)

// MockPersister implements store.Persister for testing
type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) List(ctx context.Context, versionID string) ([]models.Annotation, error) {
	args := m.Called(ctx, versionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Annotation), args.Error(1)
}

func (m *MockPersister) Create(ctx context.Context, versionID string, draft models.Annotation) (*models.Annotation, error) {
	args := m.Called(ctx, versionID, draft)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Annotation), args.Error(1)
}

func (m *MockPersister) Update(ctx context.Context, id string, patch models.AnnotationPatch) (*models.Annotation, error) {
	args := m.Called(ctx, id, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Annotation), args.Error(1)
}

func (m *MockPersister) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// fakeChannel records what the session registers and sends.
type fakeChannel struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	disconnects int
	cursors     []models.Cursor
	events      []models.AnnotationEvent

	onAnnotation func(models.AnnotationEvent)
	onPresence   func(realtime.Envelope)
	onCursor     func(models.Cursor)
	onReconnect  func()
}

func (f *fakeChannel) Connect(ctx context.Context, documentID, userID, userName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeChannel) OnAnnotation(fn func(models.AnnotationEvent)) { f.onAnnotation = fn }
func (f *fakeChannel) OnPresence(fn func(realtime.Envelope))       { f.onPresence = fn }
func (f *fakeChannel) OnCursor(fn func(models.Cursor))             { f.onCursor = fn }
func (f *fakeChannel) OnReconnect(fn func())                       { f.onReconnect = fn }

func (f *fakeChannel) BroadcastAnnotation(evt models.AnnotationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeChannel) SendCursor(x, y float64, pageNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, models.Cursor{X: x, Y: y, PageNumber: pageNumber})
	return nil
}

type fakeLoader struct {
	pages []render.Page
	errs  []error
	calls int
}

func (l *fakeLoader) Load(ctx context.Context, data []byte) ([]render.Page, error) {
	l.calls++
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return l.pages, nil
}

var (
	alice = models.UserRef{ID: "alice", Name: "Alice"}
	bob   = models.UserRef{ID: "bob", Name: "Bob"}
)

func threePages() []render.Page {
	return []render.Page{
		{PageNumber: 1, ImageURL: "/pages/1.png", Width: 1000, Height: 1400},
		{PageNumber: 2, ImageURL: "/pages/2.png", Width: 1000, Height: 1400},
		{PageNumber: 3, ImageURL: "/pages/3.png", Width: 1400, Height: 1000},
	}
}

func note(id string, page int, author models.UserRef) models.Annotation {
	return models.Annotation{
		ID:          id,
		VersionID:   "version-1",
		Type:        models.TypeText,
		PageNumber:  page,
		Content:     "note " + id,
		Coordinates: models.TextBox{X: 10, Y: 10, Width: 100, Height: 30},
		Style:       models.DefaultTextStyle,
		CreatedBy:   author,
	}
}

type annotationList []models.Annotation

func (l annotationList) ListByPage(n int) []models.Annotation {
	var out []models.Annotation
	for _, a := range l {
		if a.PageNumber == n {
			out = append(out, a)
		}
	}
	return out
}

func newTestEditor() *editor.Editor {
	s := store.New("version-1", new(MockPersister), zap.NewNop())
	return editor.New(s, alice, editor.Callbacks{}, zap.NewNop())
}

func TestShell_LoadAndNavigate(t *testing.T) {
	ed := newTestEditor()
	sh := NewShell(&fakeLoader{pages: threePages()}, annotationList{note("a", 1, alice), note("b", 2, bob)}, ed, zap.NewNop())

	assert.Equal(t, StatusEmpty, sh.Status())
	assert.Nil(t, sh.VisibleAnnotations())

	require.NoError(t, sh.Load(context.Background(), []byte("%PDF-")))
	assert.Equal(t, StatusReady, sh.Status())
	assert.Equal(t, 3, sh.NumPages())
	assert.Equal(t, 1, sh.CurrentPage())
	assert.Equal(t, 1000.0, ed.Viewport().PageWidth)

	visible := sh.VisibleAnnotations()
	require.Len(t, visible, 1)
	assert.Equal(t, "a", visible[0].ID)

	assert.False(t, sh.PrevPage())
	assert.True(t, sh.NextPage())
	assert.Equal(t, "b", sh.VisibleAnnotations()[0].ID)

	assert.True(t, sh.GoToPage(3))
	assert.Equal(t, 1400.0, ed.Viewport().PageWidth)
	assert.False(t, sh.NextPage())
	assert.False(t, sh.GoToPage(0))
	assert.Empty(t, sh.VisibleAnnotations())
}

func TestShell_ZoomUpdatesEditorViewport(t *testing.T) {
	ed := newTestEditor()
	sh := NewShell(&fakeLoader{pages: threePages()}, annotationList{}, ed, nil)
	require.NoError(t, sh.Load(context.Background(), nil))

	sh.ZoomIn()
	assert.Equal(t, 110, sh.Zoom())
	assert.Equal(t, 110, ed.Viewport().Zoom)

	sh.SetZoom(500)
	assert.Equal(t, geometry.MaxZoom, sh.Zoom())

	sh.SetZoom(0)
	sh.ZoomOut()
	assert.Equal(t, geometry.MinZoom, sh.Zoom())
	assert.Equal(t, geometry.MinZoom, ed.Viewport().Zoom)
	assert.InDelta(t, 200, sh.Viewport().ScaledWidth(), 1e-9)
}

func TestShell_PanOnlyWithCursorTool(t *testing.T) {
	ed := newTestEditor()
	sh := NewShell(&fakeLoader{pages: threePages()}, annotationList{}, ed, nil)
	require.NoError(t, sh.Load(context.Background(), nil))

	require.True(t, sh.BeginPan(geometry.Point{X: 10, Y: 10}))
	sh.PanTo(geometry.Point{X: 30, Y: 5})
	sh.EndPan()
	assert.Equal(t, geometry.Point{X: 20, Y: -5}, sh.Offset())

	require.True(t, sh.BeginPan(geometry.Point{X: 0, Y: 0}))
	sh.PanTo(geometry.Point{X: 5, Y: 5})
	sh.EndPan()
	assert.Equal(t, geometry.Point{X: 25, Y: 0}, sh.Offset(), "pans accumulate")

	require.True(t, ed.SelectTool(editor.ToolShape))
	assert.False(t, sh.BeginPan(geometry.Point{}))
	assert.False(t, sh.Panning())

	require.True(t, ed.SelectTool(editor.ToolCursor))
	assert.True(t, sh.NextPage())
	assert.Equal(t, geometry.Point{}, sh.Offset(), "page change resets the pan")
}

func TestShell_NoNavigationWhileEditing(t *testing.T) {
	ed := newTestEditor()
	sh := NewShell(&fakeLoader{pages: threePages()}, annotationList{}, ed, nil)
	require.NoError(t, sh.Load(context.Background(), nil))

	require.True(t, ed.SelectTool(editor.ToolText))
	ed.PointerDown(geometry.Point{X: 100, Y: 100}, editor.Canvas)
	require.Equal(t, editor.Editing, ed.State())

	assert.False(t, sh.NextPage())
	assert.Equal(t, 1, sh.CurrentPage())

	ed.Cancel()
	assert.True(t, sh.NextPage())
}

func TestShell_NoNavigationDuringArrowDrag(t *testing.T) {
	ed := newTestEditor()
	sh := NewShell(&fakeLoader{pages: threePages()}, annotationList{}, ed, nil)
	require.NoError(t, sh.Load(context.Background(), nil))

	require.True(t, ed.SelectTool(editor.ToolArrow))
	ed.PointerDown(geometry.Point{X: 100, Y: 100}, editor.Canvas)
	require.Equal(t, editor.ToolArmed, ed.State())
	require.True(t, ed.IsInteracting())

	assert.False(t, sh.GoToPage(2))
	assert.False(t, sh.NextPage())
	assert.Equal(t, 1, sh.CurrentPage())

	ed.Cancel()
	assert.True(t, sh.GoToPage(2))
	assert.Equal(t, 2, sh.CurrentPage())
}

func TestShell_ErrorStateAndRetry(t *testing.T) {
	loader := &fakeLoader{
		pages: threePages(),
		errs:  []error{&render.TimeoutError{Op: "open document", After: time.Second}},
	}
	sh := NewShell(loader, annotationList{}, newTestEditor(), nil)

	err := sh.Load(context.Background(), []byte("pdf"))
	require.Error(t, err)
	assert.Equal(t, StatusFailed, sh.Status())

	state, ok := sh.Error()
	require.True(t, ok)
	assert.Equal(t, render.Timeout, state.Category)
	assert.Equal(t, render.Timeout.Message(), state.Message)
	assert.Empty(t, sh.Pages())

	require.NoError(t, sh.Retry(context.Background()))
	assert.Equal(t, StatusReady, sh.Status())
	_, ok = sh.Error()
	assert.False(t, ok)
	assert.Equal(t, 2, loader.calls)
}

func setupTestSession(t *testing.T) (*Session, *fakeChannel, *MockPersister) {
	t.Helper()
	channel := &fakeChannel{}
	persister := new(MockPersister)
	s := NewSession(channel, persister, &fakeLoader{pages: threePages()}, SessionOptions{}, zap.NewNop())
	return s, channel, persister
}

func TestSession_OpenWiresChannel(t *testing.T) {
	s, channel, persister := setupTestSession(t)
	persister.On("List", mock.Anything, "version-1").Return([]models.Annotation{note("a", 1, bob)}, nil)

	require.NoError(t, s.Open(context.Background(), "doc-1", "version-1", alice))
	require.True(t, s.IsOpen())
	require.NotNil(t, s.Store())
	assert.Len(t, s.Store().List(), 1)

	// remote delete flows into the store
	channel.onAnnotation(models.AnnotationEvent{Kind: models.EventDelete, AnnotationID: "a"})
	assert.Empty(t, s.Store().List())

	// presence and cursors
	channel.onPresence(realtime.Envelope{Type: realtime.TypeUserJoined, User: &models.ActiveUser{ID: "bob", Name: "Bob"}})
	assert.Len(t, s.Presence().Users(), 1)

	now := time.Now()
	channel.onCursor(models.Cursor{UserID: "bob", X: 10, Y: 20, PageNumber: 1, Timestamp: now})
	c, ok := s.Presence().Cursor("bob")
	require.True(t, ok)
	assert.Equal(t, 20.0, c.Y)

	persister.AssertNumberOfCalls(t, "List", 1)
}

func TestSession_StaleCursorsHiddenAndSwept(t *testing.T) {
	channel := &fakeChannel{}
	persister := new(MockPersister)
	ttl := 30 * time.Millisecond
	s := NewSession(channel, persister, &fakeLoader{pages: threePages()}, SessionOptions{CursorTTL: ttl}, zap.NewNop())
	persister.On("List", mock.Anything, "version-1").Return([]models.Annotation{}, nil)

	assert.Nil(t, s.Cursors(time.Now()))

	require.NoError(t, s.Open(context.Background(), "doc-1", "version-1", alice))
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now()
	channel.onCursor(models.Cursor{UserID: "bob", X: 10, Y: 20, PageNumber: 1, Timestamp: now})

	require.Len(t, s.Cursors(now), 1)
	assert.Empty(t, s.Cursors(now.Add(ttl)))

	assert.Eventually(t, func() bool {
		_, ok := s.Presence().Cursor("bob")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestSession_ReconnectReloads(t *testing.T) {
	s, channel, persister := setupTestSession(t)
	persister.On("List", mock.Anything, "version-1").Return([]models.Annotation{}, nil).Once()
	persister.On("List", mock.Anything, "version-1").Return([]models.Annotation{note("late", 2, bob)}, nil).Once()

	require.NoError(t, s.Open(context.Background(), "doc-1", "version-1", alice))
	assert.Empty(t, s.Store().List())

	channel.onReconnect()
	list := s.Store().List()
	require.Len(t, list, 1)
	assert.Equal(t, "late", list[0].ID)
}

func TestSession_ConnectFailureIsBlocking(t *testing.T) {
	s, channel, persister := setupTestSession(t)
	channel.connectErr = domainerrors.Connection("realtime connection failed", errors.New("dial refused"))

	err := s.Open(context.Background(), "doc-1", "version-1", alice)
	require.Error(t, err)
	assert.ErrorIs(t, err, domainerrors.ErrConnection)
	assert.ErrorIs(t, s.Err(), domainerrors.ErrConnection)
	assert.False(t, s.IsOpen())
	assert.Nil(t, s.Store())
	persister.AssertNotCalled(t, "List", mock.Anything, mock.Anything)

	assert.ErrorIs(t, s.MoveCursor(geometry.Point{}), realtime.ErrNotConnected)
}

func TestSession_LoadFailureDisconnects(t *testing.T) {
	s, channel, persister := setupTestSession(t)
	persister.On("List", mock.Anything, "version-1").Return(nil, errors.New("503"))

	require.Error(t, s.Open(context.Background(), "doc-1", "version-1", alice))
	assert.False(t, s.IsOpen())
	assert.Equal(t, 1, channel.disconnects)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, channel, persister := setupTestSession(t)
	persister.On("List", mock.Anything, "version-1").Return([]models.Annotation{}, nil)

	require.NoError(t, s.Open(context.Background(), "doc-1", "version-1", alice))
	require.Error(t, s.Open(context.Background(), "doc-1", "version-1", alice), "already open")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, channel.disconnects)
	assert.Nil(t, channel.onAnnotation)
	assert.Nil(t, channel.onReconnect)
	assert.False(t, s.IsOpen())
}

func TestSession_MoveCursorSendsPercent(t *testing.T) {
	s, channel, persister := setupTestSession(t)
	persister.On("List", mock.Anything, "version-1").Return([]models.Annotation{}, nil)
	require.NoError(t, s.Open(context.Background(), "doc-1", "version-1", alice))
	require.NoError(t, s.Shell().Load(context.Background(), nil))

	require.NoError(t, s.MoveCursor(geometry.Point{X: 500, Y: 700}))
	require.NoError(t, s.MoveCursor(geometry.Point{X: 5000, Y: 700}), "off-page points are dropped")

	require.Len(t, channel.cursors, 1)
	assert.InDelta(t, 50, channel.cursors[0].X, 1e-9)
	assert.InDelta(t, 50, channel.cursors[0].Y, 1e-9)
	assert.Equal(t, 1, channel.cursors[0].PageNumber)
}

func TestSession_DeleteBroadcastsAndGuardsAuthor(t *testing.T) {
	s, channel, persister := setupTestSession(t)
	persister.On("List", mock.Anything, "version-1").
		Return([]models.Annotation{note("mine", 1, alice), note("theirs", 1, bob)}, nil)
	persister.On("Delete", mock.Anything, "mine").Return(nil)
	require.NoError(t, s.Open(context.Background(), "doc-1", "version-1", alice))

	assert.ErrorIs(t, s.Delete(context.Background(), "theirs"), domainerrors.ErrForbidden)
	require.NoError(t, s.Delete(context.Background(), "mine"))

	require.Len(t, channel.events, 1)
	assert.Equal(t, models.EventDelete, channel.events[0].Kind)
	assert.Equal(t, "mine", channel.events[0].AnnotationID)
	assert.Len(t, s.Store().List(), 1)
}
