package geometry

import (
	"fmt"
	"math"
	"strings"

	"github.com/docmark/annotator/internal/models"
)

// Default draft sizes, in screen pixels at the zoom level of creation.
const (
	DefaultTextWidthPx  = 250.0
	DefaultTextHeightPx = 40.0
	DefaultShapeSizePx  = 30.0
)

// Handle names a drag handle on an annotation being edited.
type Handle string

// Box handles follow compass directions; arrows have start and end.
const (
	HandleN     Handle = "n"
	HandleS     Handle = "s"
	HandleE     Handle = "e"
	HandleW     Handle = "w"
	HandleNE    Handle = "ne"
	HandleNW    Handle = "nw"
	HandleSE    Handle = "se"
	HandleSW    Handle = "sw"
	HandleStart Handle = "start"
	HandleEnd   Handle = "end"
)

// BoxHandles lists the eight handles of a TEXT or SHAPE box.
var BoxHandles = []Handle{HandleNW, HandleN, HandleNE, HandleE, HandleSE, HandleS, HandleSW, HandleW}

// ArrowHandles lists the two handles of an ARROW.
var ArrowHandles = []Handle{HandleStart, HandleEnd}

func (h Handle) isBox() bool {
	return h != HandleStart && h != HandleEnd && h != ""
}

func (h Handle) north() bool { return h.isBox() && strings.Contains(string(h), "n") }
func (h Handle) south() bool { return h.isBox() && strings.Contains(string(h), "s") }
func (h Handle) east() bool  { return h.isBox() && strings.Contains(string(h), "e") }
func (h Handle) west() bool  { return h.isBox() && strings.Contains(string(h), "w") }

// DefaultTextBox places a new TEXT box with its top-left corner at click.
func DefaultTextBox(click Point, v Viewport) (models.TextBox, bool) {
	x, y, ok := v.PointToPercent(click)
	if !ok {
		return models.TextBox{}, false
	}
	return models.TextBox{
		X:      x,
		Y:      y,
		Width:  ScaledToBase(DefaultTextWidthPx, v.Scale()),
		Height: ScaledToBase(DefaultTextHeightPx, v.Scale()),
	}, true
}

// DefaultShapeBox places a new square SHAPE with its top-left corner at click.
func DefaultShapeBox(click Point, v Viewport) (models.ShapeBox, bool) {
	x, y, ok := v.PointToPercent(click)
	if !ok {
		return models.ShapeBox{}, false
	}
	size := DefaultShapeSizePx / v.ScaledWidth() * 100
	return models.ShapeBox{X: x, Y: y, Width: size, Height: size}, true
}

// ArrowFromDrag builds an arrow from a drag. Zero-length drags yield ok=false.
func ArrowFromDrag(start, end Point, v Viewport) (models.ArrowLine, bool) {
	if start == end {
		return models.ArrowLine{}, false
	}
	x1, y1, ok := v.PointToPercent(start)
	if !ok {
		return models.ArrowLine{}, false
	}
	x2, y2, _ := v.PointToPercent(end)
	return models.ArrowLine{X1: x1, Y1: y1, X2: x2, Y2: y2}, true
}

// Bounds returns the on-screen rectangle covered by g.
func Bounds(g models.Geometry, v Viewport) Rect {
	sw, sh := v.ScaledWidth(), v.ScaledHeight()
	switch g := g.(type) {
	case models.TextBox:
		x, y := ToScreen(g.X, g.Y, sw, sh)
		return Rect{X: x, Y: y, Width: BaseToScaled(g.Width, v.Scale()), Height: BaseToScaled(g.Height, v.Scale())}
	case models.ShapeBox:
		x, y := ToScreen(g.X, g.Y, sw, sh)
		return Rect{X: x, Y: y, Width: g.Width / 100 * sw, Height: g.Height / 100 * sw}
	case models.ArrowLine:
		x1, y1 := ToScreen(g.X1, g.Y1, sw, sh)
		x2, y2 := ToScreen(g.X2, g.Y2, sw, sh)
		return Rect{X: math.Min(x1, x2), Y: math.Min(y1, y2), Width: math.Abs(x2 - x1), Height: math.Abs(y2 - y1)}
	}
	panic(fmt.Sprintf("geometry: unknown variant %T", g))
}

// HandlePoints returns the on-screen position of every handle of g.
func HandlePoints(g models.Geometry, v Viewport) map[Handle]Point {
	if a, ok := g.(models.ArrowLine); ok {
		return map[Handle]Point{
			HandleStart: v.PercentToPoint(a.X1, a.Y1),
			HandleEnd:   v.PercentToPoint(a.X2, a.Y2),
		}
	}
	r := Bounds(g, v)
	midX, midY := r.X+r.Width/2, r.Y+r.Height/2
	right, bottom := r.X+r.Width, r.Y+r.Height
	return map[Handle]Point{
		HandleNW: {r.X, r.Y}, HandleN: {midX, r.Y}, HandleNE: {right, r.Y},
		HandleE: {right, midY}, HandleSE: {right, bottom}, HandleS: {midX, bottom},
		HandleSW: {r.X, bottom}, HandleW: {r.X, midY},
	}
}

// HandleAt returns the handle of g within radius pixels of p, if any.
func HandleAt(g models.Geometry, p Point, v Viewport, radius float64) (Handle, bool) {
	order := BoxHandles
	if _, ok := g.(models.ArrowLine); ok {
		order = ArrowHandles
	}
	points := HandlePoints(g, v)
	for _, h := range order {
		hp := points[h]
		if math.Hypot(hp.X-p.X, hp.Y-p.Y) <= radius {
			return h, true
		}
	}
	return "", false
}

// HitTest reports whether p touches g. Arrows are hit within tolerance pixels
// of the segment.
func HitTest(g models.Geometry, p Point, v Viewport, tolerance float64) bool {
	if a, ok := g.(models.ArrowLine); ok {
		s := v.PercentToPoint(a.X1, a.Y1)
		e := v.PercentToPoint(a.X2, a.Y2)
		return distanceToSegment(p, s, e) <= tolerance
	}
	return Bounds(g, v).Contains(p)
}

func distanceToSegment(p, a, b Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p.X-(a.X+t*dx), p.Y-(a.Y+t*dy))
}

// Move translates the drag-start geometry by a total screen-pixel delta.
func Move(start models.Geometry, dx, dy float64, v Viewport) models.Geometry {
	px, py, ok := ToPercent(dx, dy, v.ScaledWidth(), v.ScaledHeight())
	if !ok {
		return start
	}
	switch g := start.(type) {
	case models.TextBox:
		g.X += px
		g.Y += py
		return g
	case models.ShapeBox:
		g.X += px
		g.Y += py
		return g
	case models.ArrowLine:
		g.X1 += px
		g.Y1 += py
		g.X2 += px
		g.Y2 += py
		return g
	}
	panic(fmt.Sprintf("geometry: unknown variant %T", start))
}

// Resize applies a handle drag of a total screen-pixel delta to the
// drag-start geometry. Minimum sizes are enforced; for north and west handles
// the opposite edge stays fixed.
func Resize(start models.Geometry, h Handle, dx, dy float64, v Viewport) models.Geometry {
	if !v.Ready() {
		return start
	}
	switch g := start.(type) {
	case models.TextBox:
		return resizeText(g, h, dx, dy, v)
	case models.ShapeBox:
		return resizeShape(g, h, dx, dy, v)
	case models.ArrowLine:
		return moveEndpoint(g, h, dx, dy, v)
	}
	panic(fmt.Sprintf("geometry: unknown variant %T", start))
}

func resizeText(g models.TextBox, h Handle, dx, dy float64, v Viewport) models.TextBox {
	scale := v.Scale()
	sw, sh := v.ScaledWidth(), v.ScaledHeight()
	dw, dh := ScaledToBase(dx, scale), ScaledToBase(dy, scale)

	out := g
	switch {
	case h.east():
		out.Width = math.Max(models.MinTextWidth, g.Width+dw)
	case h.west():
		out.Width = math.Max(models.MinTextWidth, g.Width-dw)
		out.X = g.X + BaseToScaled(g.Width-out.Width, scale)/sw*100
	}
	switch {
	case h.south():
		out.Height = math.Max(models.MinTextHeight, g.Height+dh)
	case h.north():
		out.Height = math.Max(models.MinTextHeight, g.Height-dh)
		out.Y = g.Y + BaseToScaled(g.Height-out.Height, scale)/sh*100
	}
	return out
}

func resizeShape(g models.ShapeBox, h Handle, dx, dy float64, v Viewport) models.ShapeBox {
	sw, sh := v.ScaledWidth(), v.ScaledHeight()
	// Width and height are both percentages of page width.
	dw, dh := dx/sw*100, dy/sw*100

	out := g
	switch {
	case h.east():
		out.Width = math.Max(models.MinShapeSizePercent, g.Width+dw)
	case h.west():
		out.Width = math.Max(models.MinShapeSizePercent, g.Width-dw)
		out.X = g.X + (g.Width - out.Width)
	}
	switch {
	case h.south():
		out.Height = math.Max(models.MinShapeSizePercent, g.Height+dh)
	case h.north():
		out.Height = math.Max(models.MinShapeSizePercent, g.Height-dh)
		out.Y = g.Y + (g.Height-out.Height)/100*sw/sh*100
	}
	return out
}

func moveEndpoint(g models.ArrowLine, h Handle, dx, dy float64, v Viewport) models.ArrowLine {
	px, py, _ := ToPercent(dx, dy, v.ScaledWidth(), v.ScaledHeight())
	switch h {
	case HandleStart:
		g.X1 += px
		g.Y1 += py
	case HandleEnd:
		g.X2 += px
		g.Y2 += py
	}
	return g
}
