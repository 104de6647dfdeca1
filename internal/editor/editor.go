// Package editor is the interaction state machine of the annotation overlay:
// tool selection, click and drag creation, move and resize from a drag-start
// snapshot, in-place content and style edits, save and cancel.
//
// An Editor is driven by UI events and is not safe for concurrent use.
package editor

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/geometry"
	"github.com/docmark/annotator/internal/models"
)

// ErrNotEditing is returned by Save when no annotation is in edit mode.
var ErrNotEditing = errors.New("editor: no annotation in edit mode")

// State is the interaction state.
type State int

const (
	Idle State = iota
	ToolArmed
	Editing
	DraggingMove
	DraggingResize
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ToolArmed:
		return "toolArmed"
	case Editing:
		return "editing"
	case DraggingMove:
		return "dragging-move"
	case DraggingResize:
		return "dragging-resize"
	}
	return "unknown"
}

// Tool is the active drawing tool.
type Tool string

const (
	ToolCursor Tool = "cursor"
	ToolText   Tool = "text"
	ToolArrow  Tool = "arrow"
	ToolShape  Tool = "shape"
)

func (t Tool) annotationType() (models.AnnotationType, bool) {
	switch t {
	case ToolText:
		return models.TypeText, true
	case ToolArrow:
		return models.TypeArrow, true
	case ToolShape:
		return models.TypeShape, true
	}
	return "", false
}

// Store is the part of the annotation store the editor drives.
type Store interface {
	Create(ctx context.Context, draft models.Annotation) (*models.Annotation, error)
	Update(ctx context.Context, userID, id string, patch models.AnnotationPatch) (*models.Annotation, error)
	Get(id string) (models.Annotation, bool)
	NewTempID() string
	BeginEdit(id string) bool
	EndEdit(id string)
}

// Callbacks notify the viewer of editor activity. Any of them may be nil.
type Callbacks struct {
	OnAddAnnotation         func(draft models.Annotation)
	OnSaveAnnotation        func(saved models.Annotation)
	OnCancelEdit            func()
	OnEditAnnotation        func(a models.Annotation)
	OnAnnotationChange      func(draft models.Annotation)
	OnAnnotationInteraction func(interacting bool)
}

// Editor is the overlay interaction state machine for one viewer.
type Editor struct {
	store  Store
	user   models.UserRef
	logger *zap.Logger
	cb     Callbacks

	state    State
	tool     Tool
	viewport geometry.Viewport
	page     int

	draft    *models.Annotation
	original models.Annotation
	isNew    bool

	dragStart    geometry.Point
	dragSnapshot models.Geometry
	dragHandle   geometry.Handle
	arrowStart   *geometry.Point
	lastPoint    geometry.Point
	interacting  bool
}

// New creates an idle editor acting on behalf of user.
func New(store Store, user models.UserRef, cb Callbacks, logger *zap.Logger) *Editor {
	return &Editor{
		store:    store,
		user:     user,
		logger:   logger,
		cb:       cb,
		state:    Idle,
		tool:     ToolCursor,
		viewport: geometry.NewViewport(0, 0),
		page:     1,
	}
}

// State returns the current state.
func (e *Editor) State() State { return e.state }

// Tool returns the active tool.
func (e *Editor) Tool() Tool { return e.tool }

// Draft returns the annotation in edit mode.
func (e *Editor) Draft() (models.Annotation, bool) {
	if e.draft == nil {
		return models.Annotation{}, false
	}
	return *e.draft, true
}

// IsInteracting reports whether the pointer is engaged with an annotation.
// The viewer does not pan while this is true.
func (e *Editor) IsInteracting() bool { return e.interacting }

// SetViewport updates the page geometry used for coordinate mapping.
func (e *Editor) SetViewport(v geometry.Viewport) { e.viewport = v }

// Viewport returns the page geometry in use.
func (e *Editor) Viewport() geometry.Viewport { return e.viewport }

// SetPage sets the page new drafts are anchored to.
func (e *Editor) SetPage(n int) {
	if n >= 1 {
		e.page = n
	}
}

// SelectTool arms a creation tool, or disarms with ToolCursor. It is ignored
// while an annotation is in edit mode.
func (e *Editor) SelectTool(t Tool) bool {
	if e.editing() {
		return false
	}
	if _, ok := t.annotationType(); !ok && t != ToolCursor {
		return false
	}
	e.tool = t
	e.dropArrow()
	e.state = e.restingState()
	return true
}

// BeginEdit opens an existing annotation for editing. It is a no-op returning
// false while another annotation is in edit mode, for annotations the user did
// not author, and for annotations still being saved.
func (e *Editor) BeginEdit(id string) bool {
	if e.editing() {
		return false
	}
	a, ok := e.store.Get(id)
	if !ok || !a.OwnedBy(e.user.ID) || models.IsTempID(a.ID) {
		return false
	}
	if !e.store.BeginEdit(id) {
		return false
	}

	e.dropArrow()
	e.draft = &a
	e.original = a
	e.isNew = false
	e.state = Editing

	if e.cb.OnEditAnnotation != nil {
		e.cb.OnEditAnnotation(a)
	}
	return true
}

// PointerDown handles a press at p on target.
func (e *Editor) PointerDown(p geometry.Point, target Target) {
	e.lastPoint = p

	switch e.state {
	case Idle, ToolArmed:
		if target.Kind != TargetCanvas && target.AnnotationID != "" {
			e.BeginEdit(target.AnnotationID)
			return
		}
		if e.state == ToolArmed {
			e.createAt(p)
		}
	case Editing:
		if target.AnnotationID != e.draft.ID {
			return
		}
		switch target.Kind {
		case TargetHandle:
			e.startDrag(p, DraggingResize, target.Handle)
		case TargetBody:
			e.startDrag(p, DraggingMove, "")
		}
	}
}

func (e *Editor) createAt(p geometry.Point) {
	t, _ := e.tool.annotationType()

	var coords models.Geometry
	switch t {
	case models.TypeArrow:
		start := p
		e.arrowStart = &start
		e.setInteracting(true)
		return
	case models.TypeText:
		box, ok := geometry.DefaultTextBox(p, e.viewport)
		if !ok {
			return
		}
		coords = box
	case models.TypeShape:
		box, ok := geometry.DefaultShapeBox(p, e.viewport)
		if !ok {
			return
		}
		coords = box
	}
	e.openDraft(t, coords)
}

func (e *Editor) openDraft(t models.AnnotationType, coords models.Geometry) {
	style := models.DefaultStyle(t)
	draft := models.Annotation{
		ID:          e.store.NewTempID(),
		Type:        t,
		PageNumber:  e.page,
		Coordinates: coords,
		Style:       style,
		Color:       models.DeriveColor(style),
		CreatedBy:   e.user,
	}
	if !e.store.BeginEdit(draft.ID) {
		e.logger.Debug("Draft discarded, another annotation is in edit mode")
		return
	}

	e.draft = &draft
	e.original = draft
	e.isNew = true
	e.state = Editing

	if e.cb.OnAddAnnotation != nil {
		e.cb.OnAddAnnotation(draft)
	}
}

func (e *Editor) startDrag(p geometry.Point, s State, h geometry.Handle) {
	e.dragStart = p
	e.dragSnapshot = e.draft.Coordinates
	e.dragHandle = h
	e.state = s
	e.setInteracting(true)
}

// PointerMove updates an active drag. Geometry is always recomputed from the
// drag-start snapshot and the total delta.
func (e *Editor) PointerMove(p geometry.Point) {
	e.lastPoint = p
	if e.state != DraggingMove && e.state != DraggingResize {
		return
	}
	e.applyDrag(p)
}

func (e *Editor) applyDrag(p geometry.Point) {
	dx, dy := p.X-e.dragStart.X, p.Y-e.dragStart.Y

	var next models.Geometry
	if e.state == DraggingMove {
		next = geometry.Move(e.dragSnapshot, dx, dy, e.viewport)
	} else {
		next = geometry.Resize(e.dragSnapshot, e.dragHandle, dx, dy, e.viewport)
	}
	e.draft.Coordinates = next

	if e.cb.OnAnnotationChange != nil {
		e.cb.OnAnnotationChange(*e.draft)
	}
}

// PointerUp ends a drag or completes an arrow.
func (e *Editor) PointerUp(p geometry.Point) {
	e.lastPoint = p

	switch e.state {
	case DraggingMove, DraggingResize:
		e.applyDrag(p)
		e.endDrag()
	case ToolArmed:
		if e.arrowStart == nil {
			return
		}
		start := *e.arrowStart
		e.arrowStart = nil
		e.setInteracting(false)

		arrow, ok := geometry.ArrowFromDrag(start, p, e.viewport)
		if !ok {
			return
		}
		e.openDraft(models.TypeArrow, arrow)
	}
}

// PointerLeave is an implicit pointer-up at the last known position, so a
// drag never stays stuck when the pointer leaves the surface.
func (e *Editor) PointerLeave() {
	switch e.state {
	case DraggingMove, DraggingResize:
		e.endDrag()
	case ToolArmed:
		if e.arrowStart != nil {
			e.PointerUp(e.lastPoint)
		}
	}
}

func (e *Editor) endDrag() {
	e.state = Editing
	e.dragSnapshot = nil
	e.dragHandle = ""
	e.setInteracting(false)
}

// SetContent edits the draft's text.
func (e *Editor) SetContent(content string) bool {
	if e.draft == nil {
		return false
	}
	e.draft.Content = content
	e.changed()
	return true
}

// SetStyle replaces the draft's style. The variant must match the draft type.
func (e *Editor) SetStyle(s models.Style) bool {
	if e.draft == nil || s == nil || s.AnnotationType() != e.draft.Type {
		return false
	}
	e.draft.Style = s
	e.draft.Color = models.DeriveColor(s)
	e.changed()
	return true
}

// SetCoordinates replaces the draft's geometry, e.g. from a numeric input.
func (e *Editor) SetCoordinates(g models.Geometry) bool {
	if e.draft == nil || g == nil || g.AnnotationType() != e.draft.Type || e.dragging() {
		return false
	}
	e.draft.Coordinates = g
	e.changed()
	return true
}

func (e *Editor) changed() {
	if e.cb.OnAnnotationChange != nil {
		e.cb.OnAnnotationChange(*e.draft)
	}
}

// Save commits the draft through the store. A TEXT draft with blank content is
// cancelled instead and Save returns (nil, nil). A failed create keeps the
// draft in edit mode so it can be saved again; a failed update ends the edit,
// the store having reloaded the server state.
func (e *Editor) Save(ctx context.Context) (*models.Annotation, error) {
	if e.draft == nil {
		return nil, ErrNotEditing
	}
	if e.dragging() {
		e.endDrag()
	}

	if e.draft.Type == models.TypeText && strings.TrimSpace(e.draft.Content) == "" {
		e.Cancel()
		return nil, nil
	}

	if e.isNew {
		return e.saveNew(ctx)
	}
	return e.saveExisting(ctx)
}

func (e *Editor) saveNew(ctx context.Context) (*models.Annotation, error) {
	tempID := e.draft.ID
	saved, err := e.store.Create(ctx, *e.draft)
	if err != nil {
		e.logger.Warn("Failed to save new annotation", zap.String("temp_id", tempID), zap.Error(err))
		return nil, err
	}

	e.store.EndEdit(saved.ID)
	e.store.EndEdit(tempID)
	e.tool = ToolCursor
	e.finish()

	if e.cb.OnSaveAnnotation != nil {
		e.cb.OnSaveAnnotation(*saved)
	}
	return saved, nil
}

func (e *Editor) saveExisting(ctx context.Context) (*models.Annotation, error) {
	id := e.draft.ID
	patch := models.Diff(e.original, *e.draft)
	if patch.IsEmpty() {
		e.store.EndEdit(id)
		e.finish()
		cur, ok := e.store.Get(id)
		if !ok {
			return nil, nil
		}
		if e.cb.OnSaveAnnotation != nil {
			e.cb.OnSaveAnnotation(cur)
		}
		return &cur, nil
	}

	saved, err := e.store.Update(ctx, e.user.ID, id, patch)
	e.store.EndEdit(id)
	e.finish()
	if err != nil {
		e.logger.Warn("Failed to save annotation", zap.String("annotation_id", id), zap.Error(err))
		return nil, err
	}

	if e.cb.OnSaveAnnotation != nil {
		e.cb.OnSaveAnnotation(*saved)
	}
	return saved, nil
}

// Cancel leaves edit mode without saving. An unsaved draft is discarded.
func (e *Editor) Cancel() {
	if e.draft == nil {
		e.dropArrow()
		e.setInteracting(false)
		return
	}
	e.store.EndEdit(e.draft.ID)
	e.finish()

	if e.cb.OnCancelEdit != nil {
		e.cb.OnCancelEdit()
	}
}

func (e *Editor) finish() {
	e.draft = nil
	e.original = models.Annotation{}
	e.isNew = false
	e.dragSnapshot = nil
	e.dragHandle = ""
	e.state = e.restingState()
	e.setInteracting(false)
}

// dropArrow abandons an arrow drag in flight.
func (e *Editor) dropArrow() {
	if e.arrowStart == nil {
		return
	}
	e.arrowStart = nil
	e.setInteracting(false)
}

func (e *Editor) restingState() State {
	if e.tool == ToolCursor {
		return Idle
	}
	return ToolArmed
}

func (e *Editor) editing() bool {
	return e.state == Editing || e.dragging()
}

func (e *Editor) dragging() bool {
	return e.state == DraggingMove || e.state == DraggingResize
}

func (e *Editor) setInteracting(v bool) {
	if e.interacting == v {
		return
	}
	e.interacting = v
	if e.cb.OnAnnotationInteraction != nil {
		e.cb.OnAnnotationInteraction(v)
	}
}
