// Package viewer assembles rendered pages, the overlay editor and the
// annotation store into one document view, and owns the collaboration
// session that connects them to the realtime channel.
package viewer

import (
	"context"

	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/editor"
	"github.com/docmark/annotator/internal/geometry"
	"github.com/docmark/annotator/internal/models"
	"github.com/docmark/annotator/internal/render"
)

// Status is the load state of the shell.
type Status int

const (
	StatusEmpty Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	}
	return "empty"
}

// ErrorState is the full-viewer error panel shown when a document cannot be
// displayed. Retry is always offered.
type ErrorState struct {
	Category render.Category
	Message  string
	Err      error
}

// PageLoader produces the pages of a PDF.
type PageLoader interface {
	Load(ctx context.Context, data []byte) ([]render.Page, error)
}

// AnnotationSource lists the annotations anchored to a page.
type AnnotationSource interface {
	ListByPage(pageNumber int) []models.Annotation
}

// Shell is page navigation, zoom and panning around one editor. Like the
// editor it drives, it is used from a single event loop.
type Shell struct {
	loader      PageLoader
	annotations AnnotationSource
	editor      *editor.Editor
	logger      *zap.Logger

	data    []byte
	status  Status
	failure *ErrorState
	pages   []render.Page
	current int
	zoom    int

	offset    geometry.Point
	panning   bool
	panStart  geometry.Point
	panOrigin geometry.Point
}

// NewShell creates an empty shell.
func NewShell(loader PageLoader, annotations AnnotationSource, ed *editor.Editor, logger *zap.Logger) *Shell {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shell{
		loader:      loader,
		annotations: annotations,
		editor:      ed,
		logger:      logger,
		zoom:        geometry.DefaultZoom,
	}
}

// Load renders data and shows its first page. On failure the shell enters the
// error state and the classified error is returned.
func (s *Shell) Load(ctx context.Context, data []byte) error {
	s.data = data
	s.status = StatusLoading
	s.failure = nil

	pages, err := s.loader.Load(ctx, data)
	if err != nil {
		cat := render.Classify(err)
		s.status = StatusFailed
		s.failure = &ErrorState{Category: cat, Message: cat.Message(), Err: err}
		s.pages = nil
		s.logger.Warn("Document load failed",
			zap.String("category", cat.String()),
			zap.Error(err),
		)
		return err
	}

	s.pages = pages
	s.status = StatusReady
	s.current = 0
	s.GoToPage(1)
	return nil
}

// Retry reloads the last document.
func (s *Shell) Retry(ctx context.Context) error {
	return s.Load(ctx, s.data)
}

// Status returns the load state.
func (s *Shell) Status() Status { return s.status }

// Error returns the error panel, if any.
func (s *Shell) Error() (ErrorState, bool) {
	if s.failure == nil {
		return ErrorState{}, false
	}
	return *s.failure, true
}

// Pages returns the rendered pages.
func (s *Shell) Pages() []render.Page { return s.pages }

// NumPages returns the page count.
func (s *Shell) NumPages() int { return len(s.pages) }

// CurrentPage returns the 1-based page on screen, or 0 before a load.
func (s *Shell) CurrentPage() int { return s.current }

// Page returns the page on screen.
func (s *Shell) Page() (render.Page, bool) {
	if s.current < 1 || s.current > len(s.pages) {
		return render.Page{}, false
	}
	return s.pages[s.current-1], true
}

// GoToPage shows page n. It refuses out of range pages and any change while
// an annotation is being edited or drawn.
func (s *Shell) GoToPage(n int) bool {
	if n < 1 || n > len(s.pages) || n == s.current {
		return false
	}
	if s.editor != nil && (s.editor.IsInteracting() ||
		(s.editor.State() != editor.Idle && s.editor.State() != editor.ToolArmed)) {
		return false
	}
	s.current = n
	s.offset = geometry.Point{}
	s.panning = false
	s.syncEditor()
	return true
}

// NextPage advances one page.
func (s *Shell) NextPage() bool { return s.GoToPage(s.current + 1) }

// PrevPage goes back one page.
func (s *Shell) PrevPage() bool { return s.GoToPage(s.current - 1) }

// Zoom returns the zoom percentage.
func (s *Shell) Zoom() int { return s.zoom }

// SetZoom sets the zoom percentage, clamped to the supported range.
func (s *Shell) SetZoom(z int) {
	s.zoom = geometry.ClampZoom(z)
	s.syncEditor()
}

// ZoomIn steps the zoom up.
func (s *Shell) ZoomIn() { s.SetZoom(geometry.ZoomIn(s.zoom)) }

// ZoomOut steps the zoom down.
func (s *Shell) ZoomOut() { s.SetZoom(geometry.ZoomOut(s.zoom)) }

func (s *Shell) syncEditor() {
	if s.editor == nil {
		return
	}
	page, ok := s.Page()
	if !ok {
		return
	}
	v := geometry.NewViewport(page.Width, page.Height).WithZoom(s.zoom)
	s.editor.SetViewport(v)
	s.editor.SetPage(page.PageNumber)
}

// Viewport returns the geometry of the page on screen.
func (s *Shell) Viewport() geometry.Viewport {
	page, _ := s.Page()
	return geometry.NewViewport(page.Width, page.Height).WithZoom(s.zoom)
}

// CanPan reports whether a drag on the canvas should pan the view.
func (s *Shell) CanPan() bool {
	if s.editor == nil {
		return true
	}
	return s.editor.Tool() == editor.ToolCursor && !s.editor.IsInteracting()
}

// BeginPan starts panning at p.
func (s *Shell) BeginPan(p geometry.Point) bool {
	if !s.CanPan() {
		return false
	}
	s.panning = true
	s.panStart = p
	s.panOrigin = s.offset
	return true
}

// PanTo moves the view with the pointer.
func (s *Shell) PanTo(p geometry.Point) {
	if !s.panning {
		return
	}
	if !s.CanPan() {
		s.panning = false
		return
	}
	s.offset = geometry.Point{
		X: s.panOrigin.X + p.X - s.panStart.X,
		Y: s.panOrigin.Y + p.Y - s.panStart.Y,
	}
}

// EndPan stops panning.
func (s *Shell) EndPan() { s.panning = false }

// Panning reports whether a pan is in progress.
func (s *Shell) Panning() bool { return s.panning }

// Offset returns the pan offset in screen pixels.
func (s *Shell) Offset() geometry.Point { return s.offset }

// VisibleAnnotations returns the annotations of the page on screen.
func (s *Shell) VisibleAnnotations() []models.Annotation {
	if s.annotations == nil || s.current == 0 {
		return nil
	}
	return s.annotations.ListByPage(s.current)
}
