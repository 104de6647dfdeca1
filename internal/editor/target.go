package editor

import (
	"github.com/docmark/annotator/internal/geometry"
	"github.com/docmark/annotator/internal/models"
)

// Hit-testing tolerances, in screen pixels.
const (
	HandleRadius   = 6.0
	ArrowTolerance = 5.0
)

// TargetKind is what a pointer event landed on.
type TargetKind int

const (
	TargetCanvas TargetKind = iota
	TargetBody
	TargetHandle
)

// Target is the object under the pointer.
type Target struct {
	Kind         TargetKind
	AnnotationID string
	Handle       geometry.Handle
}

// Canvas is the empty page background.
var Canvas = Target{Kind: TargetCanvas}

// TargetAt resolves what lies under p. Handles of the draft win, then the
// draft's body, then the topmost of the static annotations on the page.
func (e *Editor) TargetAt(p geometry.Point, annotations []models.Annotation) Target {
	if !e.viewport.Ready() {
		return Canvas
	}
	if e.draft != nil {
		if h, ok := geometry.HandleAt(e.draft.Coordinates, p, e.viewport, HandleRadius); ok {
			return Target{Kind: TargetHandle, AnnotationID: e.draft.ID, Handle: h}
		}
		if geometry.HitTest(e.draft.Coordinates, p, e.viewport, ArrowTolerance) {
			return Target{Kind: TargetBody, AnnotationID: e.draft.ID}
		}
	}
	for i := len(annotations) - 1; i >= 0; i-- {
		a := annotations[i]
		if a.PageNumber != e.page || a.Coordinates == nil {
			continue
		}
		if e.draft != nil && a.ID == e.draft.ID {
			continue
		}
		if geometry.HitTest(a.Coordinates, p, e.viewport, ArrowTolerance) {
			return Target{Kind: TargetBody, AnnotationID: a.ID}
		}
	}
	return Canvas
}
