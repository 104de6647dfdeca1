// Package geometry converts between the three coordinate spaces of the
// overlay: percent-of-page (persisted), base page units at render scale 1, and
// on-screen pixels at the active zoom level.
package geometry

// Zoom bounds, in percent.
const (
	MinZoom     = 20
	MaxZoom     = 200
	ZoomStep    = 10
	DefaultZoom = 100
)

// DefaultRenderScale is the scale at which the page renderer rasterises pages.
const DefaultRenderScale = 1.5

// Point is a screen-space position in pixels.
type Point struct {
	X float64
	Y float64
}

// Rect is a screen-space rectangle in pixels.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.X+r.Width && p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// ToScreen converts a percent-of-page position to pixels on a page drawn at
// scaledWidth x scaledHeight.
func ToScreen(pctX, pctY, scaledWidth, scaledHeight float64) (float64, float64) {
	return pctX / 100 * scaledWidth, pctY / 100 * scaledHeight
}

// ToPercent is the inverse of ToScreen. When the page has no size yet the
// input is returned unchanged with ok=false.
func ToPercent(px, py, scaledWidth, scaledHeight float64) (pctX, pctY float64, ok bool) {
	if scaledWidth <= 0 || scaledHeight <= 0 {
		return px, py, false
	}
	return px / scaledWidth * 100, py / scaledHeight * 100, true
}

// BaseToScaled converts a base-unit length to screen pixels.
func BaseToScaled(base, scale float64) float64 {
	return base * scale
}

// ScaledToBase converts screen pixels to base units. A non-positive scale
// returns the input unchanged.
func ScaledToBase(scaled, scale float64) float64 {
	if scale <= 0 {
		return scaled
	}
	return scaled / scale
}

// ClampZoom bounds z to [MinZoom, MaxZoom].
func ClampZoom(z int) int {
	return max(MinZoom, min(MaxZoom, z))
}

// ZoomIn returns the next zoom level up.
func ZoomIn(z int) int {
	return ClampZoom(z + ZoomStep)
}

// ZoomOut returns the next zoom level down.
func ZoomOut(z int) int {
	return ClampZoom(z - ZoomStep)
}

// Viewport describes how one page is currently drawn. PageWidth and
// PageHeight are the rendered image size at RenderScale; Zoom is a percentage.
type Viewport struct {
	PageWidth   float64
	PageHeight  float64
	RenderScale float64
	Zoom        int
}

// NewViewport returns a viewport at default zoom and render scale.
func NewViewport(pageWidth, pageHeight float64) Viewport {
	return Viewport{
		PageWidth:   pageWidth,
		PageHeight:  pageHeight,
		RenderScale: DefaultRenderScale,
		Zoom:        DefaultZoom,
	}
}

// ScaledWidth is the on-screen page width.
func (v Viewport) ScaledWidth() float64 {
	return v.PageWidth * float64(v.Zoom) / 100
}

// ScaledHeight is the on-screen page height.
func (v Viewport) ScaledHeight() float64 {
	return v.PageHeight * float64(v.Zoom) / 100
}

// Scale is the number of screen pixels per base unit.
func (v Viewport) Scale() float64 {
	rs := v.RenderScale
	if rs <= 0 {
		rs = 1
	}
	return rs * float64(v.Zoom) / 100
}

// Ready reports whether the page has been laid out.
func (v Viewport) Ready() bool {
	return v.ScaledWidth() > 0 && v.ScaledHeight() > 0
}

// WithZoom returns a copy of v at zoom z.
func (v Viewport) WithZoom(z int) Viewport {
	v.Zoom = ClampZoom(z)
	return v
}

// PointToPercent converts a screen point to percent-of-page.
func (v Viewport) PointToPercent(p Point) (x, y float64, ok bool) {
	return ToPercent(p.X, p.Y, v.ScaledWidth(), v.ScaledHeight())
}

// PercentToPoint converts percent-of-page to a screen point.
func (v Viewport) PercentToPoint(x, y float64) Point {
	px, py := ToScreen(x, y, v.ScaledWidth(), v.ScaledHeight())
	return Point{X: px, Y: py}
}
