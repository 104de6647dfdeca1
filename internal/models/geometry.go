package models

import (
	"encoding/json"
	"fmt"
)

// Minimum sizes enforced while resizing so annotations never degenerate.
const (
	// MinShapeSizePercent is the smallest SHAPE width/height, in percent of page width.
	MinShapeSizePercent = 1.0
	// MinTextWidth is the smallest TEXT width in base units.
	MinTextWidth = 50.0
	// MinTextHeight is the smallest TEXT height in base units.
	MinTextHeight = 20.0
)

// Geometry is the position record of an annotation. The concrete variant is
// dictated by the annotation type: TextBox, ShapeBox or ArrowLine.
type Geometry interface {
	AnnotationType() AnnotationType
	isGeometry()
}

// TextBox places a TEXT annotation. X and Y are percentages of page width and
// height; Width and Height are base (unscaled) units so text stays crisp at
// every zoom level.
type TextBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ShapeBox places a SHAPE annotation. X and Y are percentages of page width
// and height; Width and Height are both percentages of page width so the
// shape keeps its aspect ratio while scaling with the page.
type ShapeBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ArrowLine places an ARROW annotation; both endpoints are percentages of
// page width and height.
type ArrowLine struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (TextBox) AnnotationType() AnnotationType   { return TypeText }
func (ShapeBox) AnnotationType() AnnotationType  { return TypeShape }
func (ArrowLine) AnnotationType() AnnotationType { return TypeArrow }

func (TextBox) isGeometry()   {}
func (ShapeBox) isGeometry()  {}
func (ArrowLine) isGeometry() {}

// ShapeKind selects the outline drawn for a SHAPE annotation.
type ShapeKind string

const (
	ShapeSquare ShapeKind = "SQUARE"
	ShapeCircle ShapeKind = "CIRCLE"
)

// Style is the presentation record of an annotation: TextStyle, ArrowStyle or
// ShapeStyle, matching the annotation type.
type Style interface {
	AnnotationType() AnnotationType
	isStyle()
}

// TextStyle styles a TEXT annotation. FontSize and BorderWidth are base units.
type TextStyle struct {
	FontSize        float64 `json:"fontSize"`
	FontFamily      string  `json:"fontFamily"`
	Color           string  `json:"color"`
	BackgroundColor string  `json:"backgroundColor"`
	BorderWidth     float64 `json:"borderWidth"`
	BorderColor     string  `json:"borderColor"`
}

// ArrowStyle styles an ARROW annotation.
type ArrowStyle struct {
	Color       string  `json:"color"`
	StrokeWidth float64 `json:"strokeWidth"`
}

// ShapeStyle styles a SHAPE annotation.
type ShapeStyle struct {
	ShapeType   ShapeKind `json:"shapeType"`
	FillColor   string    `json:"fillColor"`
	FillOpacity float64   `json:"fillOpacity"`
	StrokeColor string    `json:"strokeColor"`
	StrokeWidth float64   `json:"strokeWidth"`
}

func (TextStyle) AnnotationType() AnnotationType  { return TypeText }
func (ArrowStyle) AnnotationType() AnnotationType { return TypeArrow }
func (ShapeStyle) AnnotationType() AnnotationType { return TypeShape }

func (TextStyle) isStyle()  {}
func (ArrowStyle) isStyle() {}
func (ShapeStyle) isStyle() {}

// Default styles used for freshly created drafts.
var (
	DefaultTextStyle = TextStyle{
		FontSize:        14,
		FontFamily:      "Arial",
		Color:           "#000000",
		BackgroundColor: "#FFFFFF",
		BorderWidth:     1,
		BorderColor:     "#333333",
	}
	DefaultArrowStyle = ArrowStyle{
		Color:       "#FF0000",
		StrokeWidth: 2,
	}
	DefaultShapeStyle = ShapeStyle{
		ShapeType:   ShapeSquare,
		FillColor:   "#808080",
		FillOpacity: 0.3,
		StrokeColor: "#404040",
		StrokeWidth: 2,
	}
)

// DefaultStyle returns the draft style for an annotation type.
func DefaultStyle(t AnnotationType) Style {
	switch t {
	case TypeText:
		return DefaultTextStyle
	case TypeArrow:
		return DefaultArrowStyle
	case TypeShape:
		return DefaultShapeStyle
	}
	return nil
}

// DecodeGeometry decodes a coordinates record for the given annotation type.
// An empty or null record decodes to nil.
func DecodeGeometry(t AnnotationType, raw []byte) (Geometry, error) {
	if isNull(raw) {
		return nil, nil
	}
	switch t {
	case TypeText:
		var g TextBox
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("decode TEXT coordinates: %w", err)
		}
		return g, nil
	case TypeShape:
		var g ShapeBox
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("decode SHAPE coordinates: %w", err)
		}
		return g, nil
	case TypeArrow:
		var g ArrowLine
		if err := json.Unmarshal(raw, &g); err != nil {
			return nil, fmt.Errorf("decode ARROW coordinates: %w", err)
		}
		return g, nil
	}
	return nil, fmt.Errorf("decode coordinates: unknown annotation type %q", t)
}

// DecodeStyle decodes a style record for the given annotation type.
// An empty or null record decodes to nil.
func DecodeStyle(t AnnotationType, raw []byte) (Style, error) {
	if isNull(raw) {
		return nil, nil
	}
	switch t {
	case TypeText:
		var s TextStyle
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode TEXT style: %w", err)
		}
		return s, nil
	case TypeArrow:
		var s ArrowStyle
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode ARROW style: %w", err)
		}
		return s, nil
	case TypeShape:
		var s ShapeStyle
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode SHAPE style: %w", err)
		}
		if s.ShapeType != ShapeSquare && s.ShapeType != ShapeCircle {
			return nil, fmt.Errorf("decode SHAPE style: unknown shape type %q", s.ShapeType)
		}
		return s, nil
	}
	return nil, fmt.Errorf("decode style: unknown annotation type %q", t)
}

// DeriveColor returns the list-display colour for a style.
func DeriveColor(s Style) string {
	switch s := s.(type) {
	case TextStyle:
		return s.Color
	case ArrowStyle:
		return s.Color
	case ShapeStyle:
		return s.StrokeColor
	}
	return ""
}

func isNull(raw []byte) bool {
	return len(raw) == 0 || string(raw) == "null"
}
