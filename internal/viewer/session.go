package viewer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/editor"
	domainerrors "github.com/docmark/annotator/internal/errors"
	"github.com/docmark/annotator/internal/geometry"
	"github.com/docmark/annotator/internal/models"
	"github.com/docmark/annotator/internal/realtime"
	"github.com/docmark/annotator/internal/store"
)

// Channel is the realtime connection a session drives. *realtime.Client
// implements it.
type Channel interface {
	Connect(ctx context.Context, documentID, userID, userName string) error
	Disconnect() error
	OnAnnotation(fn func(models.AnnotationEvent))
	OnPresence(fn func(realtime.Envelope))
	OnCursor(fn func(models.Cursor))
	OnReconnect(fn func())
	BroadcastAnnotation(evt models.AnnotationEvent) error
	SendCursor(x, y float64, pageNumber int) error
}

// SessionOptions configures a Session.
type SessionOptions struct {
	CursorTTL     time.Duration
	ReloadTimeout time.Duration
	Callbacks     editor.Callbacks
}

// Session owns everything needed to collaborate on one document version: the
// realtime channel, the annotation store, presence, the editor and the shell.
// It is created when a document is opened and torn down with Close.
type Session struct {
	channel   Channel
	persister store.Persister
	loader    PageLoader
	opts      SessionOptions
	logger    *zap.Logger

	mu       sync.Mutex
	open     bool
	failure  error
	store    *store.Store
	presence *realtime.Presence
	editor   *editor.Editor
	shell    *Shell
	user     models.UserRef

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewSession creates a closed session.
func NewSession(channel Channel, persister store.Persister, loader PageLoader, opts SessionOptions, logger *zap.Logger) *Session {
	if opts.CursorTTL <= 0 {
		opts.CursorTTL = realtime.DefaultCursorTTL
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		channel:   channel,
		persister: persister,
		loader:    loader,
		opts:      opts,
		logger:    logger,
	}
}

// Open connects to documentID as user and loads the annotations of versionID.
// A connection failure is fatal for the session: the error is kept and
// returned, and nothing is usable until the session is opened again.
func (s *Session) Open(ctx context.Context, documentID, versionID string, user models.UserRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return &domainerrors.Error{Code: domainerrors.CodeConflict, Message: "session already open"}
	}
	s.failure = nil

	logger := s.logger.With(
		zap.String("document_id", documentID),
		zap.String("version_id", versionID),
		zap.String("user_id", user.ID),
	)

	st := store.New(versionID, s.persister, logger, store.WithBroadcaster(s.channel))
	presence := realtime.NewPresence(s.opts.CursorTTL)

	s.channel.OnAnnotation(func(evt models.AnnotationEvent) {
		st.ApplyRemote(evt)
	})
	s.channel.OnPresence(presence.Apply)
	s.channel.OnCursor(func(c models.Cursor) {
		presence.UpdateCursor(c)
	})
	s.channel.OnReconnect(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReloadTimeout)
		defer cancel()
		if err := st.Reload(ctx); err != nil {
			logger.Warn("Failed to reload annotations after reconnect", zap.Error(err))
		}
	})

	if err := s.channel.Connect(ctx, documentID, user.ID, user.Name); err != nil {
		s.failure = err
		logger.Error("Failed to join document", zap.Error(err))
		return err
	}

	if err := st.Load(ctx); err != nil {
		s.failure = err
		_ = s.channel.Disconnect()
		logger.Error("Failed to load annotations", zap.Error(err))
		return err
	}

	ed := editor.New(st, user, s.opts.Callbacks, logger)
	s.store = st
	s.presence = presence
	s.editor = ed
	s.shell = NewShell(s.loader, st, ed, logger)
	s.user = user
	s.open = true
	s.stopSweep = make(chan struct{})
	s.sweepDone = make(chan struct{})
	go s.sweep(presence, s.stopSweep, s.sweepDone)

	logger.Info("Session opened", zap.Int("annotations", len(st.List())))
	return nil
}

// Close leaves the document. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	close(s.stopSweep)
	<-s.sweepDone

	if s.editor != nil && s.editor.State() != editor.Idle {
		s.editor.Cancel()
	}
	s.channel.OnAnnotation(nil)
	s.channel.OnPresence(nil)
	s.channel.OnCursor(nil)
	s.channel.OnReconnect(nil)
	return s.channel.Disconnect()
}

// sweep evicts stale remote cursors every TTL until stop is closed.
func (s *Session) sweep(presence *realtime.Presence, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.CursorTTL)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if n := presence.Sweep(now); n > 0 {
				s.logger.Debug("Evicted stale cursors", zap.Int("count", n))
			}
		}
	}
}

// Cursors returns the remote cursors still fresh at now.
func (s *Session) Cursors(now time.Time) []models.Cursor {
	s.mu.Lock()
	presence := s.presence
	s.mu.Unlock()

	if presence == nil {
		return nil
	}
	return presence.Visible(now)
}

// Err returns the error that put the session into its failed state.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// IsOpen reports whether the session is usable.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Store returns the annotation store, or nil before Open succeeds.
func (s *Session) Store() *store.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Editor returns the overlay editor.
func (s *Session) Editor() *editor.Editor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editor
}

// Shell returns the viewer shell.
func (s *Session) Shell() *Shell {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shell
}

// Presence returns the collaborator roster and cursors.
func (s *Session) Presence() *realtime.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// MoveCursor broadcasts the local pointer at screen point p on the current
// page. Points outside the page are not sent.
func (s *Session) MoveCursor(p geometry.Point) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return realtime.ErrNotConnected
	}
	shell := s.shell
	s.mu.Unlock()

	x, y, ok := shell.Viewport().PointToPercent(p)
	if !ok || x < 0 || x > 100 || y < 0 || y > 100 {
		return nil
	}
	return s.channel.SendCursor(x, y, shell.CurrentPage())
}

// Delete removes an annotation authored by the session user.
func (s *Session) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return realtime.ErrNotConnected
	}
	st, userID := s.store, s.user.ID
	s.mu.Unlock()

	return st.Delete(ctx, userID, id)
}
