// Package models contains the data models for the application.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AnnotationType is the variant tag of an annotation.
type AnnotationType string

const (
	TypeText  AnnotationType = "TEXT"
	TypeArrow AnnotationType = "ARROW"
	TypeShape AnnotationType = "SHAPE"
)

// ParseAnnotationType accepts the canonical overlay types only. The legacy
// highlight and note variants of the old viewer are rejected.
func ParseAnnotationType(s string) (AnnotationType, error) {
	switch t := AnnotationType(strings.ToUpper(s)); t {
	case TypeText, TypeArrow, TypeShape:
		return t, nil
	}
	return "", fmt.Errorf("unsupported annotation type %q", s)
}

// TempIDPrefix marks client-generated ids that have not been persisted yet.
const TempIDPrefix = "temp-"

// IsTempID reports whether id is a client-generated temporary id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// UserRef identifies the author of a change.
type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Annotation is a positioned, styled markup object anchored to one page of a
// document version.
type Annotation struct {
	ID          string         `json:"id,omitempty"`
	VersionID   string         `json:"versionId,omitempty"`
	Type        AnnotationType `json:"annotationType" validate:"required,oneof=TEXT ARROW SHAPE"`
	PageNumber  int            `json:"pageNumber" validate:"gte=1"`
	Content     string         `json:"content" validate:"max=4096"`
	Coordinates Geometry       `json:"coordinates" validate:"required"`
	Style       Style          `json:"styleProperties" validate:"required"`
	Color       string         `json:"color,omitempty"`
	CreatedBy   UserRef        `json:"createdBy"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	UpdatedBy   string         `json:"updatedBy,omitempty"`
}

// annotationJSON is the wire shape; coordinates and style are decoded once the
// type tag is known.
type annotationJSON struct {
	ID          string          `json:"id,omitempty"`
	VersionID   string          `json:"versionId,omitempty"`
	Type        AnnotationType  `json:"annotationType"`
	PageNumber  int             `json:"pageNumber"`
	Content     string          `json:"content"`
	Coordinates json.RawMessage `json:"coordinates"`
	Style       json.RawMessage `json:"styleProperties"`
	Color       string          `json:"color,omitempty"`
	CreatedBy   UserRef         `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	UpdatedBy   string          `json:"updatedBy,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a Annotation) MarshalJSON() ([]byte, error) {
	coords, err := json.Marshal(a.Coordinates)
	if err != nil {
		return nil, err
	}
	style, err := json.Marshal(a.Style)
	if err != nil {
		return nil, err
	}
	return json.Marshal(annotationJSON{
		ID:          a.ID,
		VersionID:   a.VersionID,
		Type:        a.Type,
		PageNumber:  a.PageNumber,
		Content:     a.Content,
		Coordinates: coords,
		Style:       style,
		Color:       a.Color,
		CreatedBy:   a.CreatedBy,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
		UpdatedBy:   a.UpdatedBy,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Annotation) UnmarshalJSON(data []byte) error {
	var raw annotationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	coords, err := DecodeGeometry(raw.Type, raw.Coordinates)
	if err != nil {
		return err
	}
	style, err := DecodeStyle(raw.Type, raw.Style)
	if err != nil {
		return err
	}
	*a = Annotation{
		ID:          raw.ID,
		VersionID:   raw.VersionID,
		Type:        raw.Type,
		PageNumber:  raw.PageNumber,
		Content:     raw.Content,
		Coordinates: coords,
		Style:       style,
		Color:       raw.Color,
		CreatedBy:   raw.CreatedBy,
		CreatedAt:   raw.CreatedAt,
		UpdatedAt:   raw.UpdatedAt,
		UpdatedBy:   raw.UpdatedBy,
	}
	return nil
}

// Validate checks that the geometry and style variants agree with the type tag.
func (a Annotation) Validate() error {
	if _, err := ParseAnnotationType(string(a.Type)); err != nil {
		return err
	}
	if a.PageNumber < 1 {
		return fmt.Errorf("page number must be >= 1, got %d", a.PageNumber)
	}
	if a.Coordinates == nil || a.Coordinates.AnnotationType() != a.Type {
		return fmt.Errorf("coordinates do not match annotation type %s", a.Type)
	}
	if a.Style == nil || a.Style.AnnotationType() != a.Type {
		return fmt.Errorf("style does not match annotation type %s", a.Type)
	}
	return nil
}

// OwnedBy reports whether userID authored the annotation.
func (a Annotation) OwnedBy(userID string) bool {
	return a.CreatedBy.ID != "" && a.CreatedBy.ID == userID
}

// AnnotationPatch carries a partial update. Type is required whenever
// Coordinates or Style are set so the records can be decoded.
type AnnotationPatch struct {
	Type        AnnotationType
	PageNumber  *int
	Content     *string
	Coordinates Geometry
	Style       Style
	UpdatedAt   time.Time
	UpdatedBy   string
}

type patchJSON struct {
	Type        AnnotationType  `json:"annotationType,omitempty"`
	PageNumber  *int            `json:"pageNumber,omitempty"`
	Content     *string         `json:"content,omitempty"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
	Style       json.RawMessage `json:"styleProperties,omitempty"`
	UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
	UpdatedBy   string          `json:"updatedBy,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p AnnotationPatch) MarshalJSON() ([]byte, error) {
	out := patchJSON{
		Type:       p.Type,
		PageNumber: p.PageNumber,
		Content:    p.Content,
		UpdatedBy:  p.UpdatedBy,
	}
	if !p.UpdatedAt.IsZero() {
		out.UpdatedAt = &p.UpdatedAt
	}
	if p.Coordinates != nil {
		raw, err := json.Marshal(p.Coordinates)
		if err != nil {
			return nil, err
		}
		out.Coordinates = raw
	}
	if p.Style != nil {
		raw, err := json.Marshal(p.Style)
		if err != nil {
			return nil, err
		}
		out.Style = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *AnnotationPatch) UnmarshalJSON(data []byte) error {
	var raw patchJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if (!isNull(raw.Coordinates) || !isNull(raw.Style)) && raw.Type == "" {
		return fmt.Errorf("annotationType is required to update coordinates or style")
	}
	coords, err := DecodeGeometry(raw.Type, raw.Coordinates)
	if err != nil {
		return err
	}
	style, err := DecodeStyle(raw.Type, raw.Style)
	if err != nil {
		return err
	}
	*p = AnnotationPatch{
		Type:        raw.Type,
		PageNumber:  raw.PageNumber,
		Content:     raw.Content,
		Coordinates: coords,
		Style:       style,
		UpdatedBy:   raw.UpdatedBy,
	}
	if raw.UpdatedAt != nil {
		p.UpdatedAt = *raw.UpdatedAt
	}
	return nil
}

// Validate checks the patch against the type of the annotation it targets.
func (p AnnotationPatch) Validate(target AnnotationType) error {
	if p.Type != "" && p.Type != target {
		return fmt.Errorf("annotation type cannot change from %s to %s", target, p.Type)
	}
	if p.PageNumber != nil && *p.PageNumber < 1 {
		return fmt.Errorf("page number must be >= 1, got %d", *p.PageNumber)
	}
	if p.Coordinates != nil && p.Coordinates.AnnotationType() != target {
		return fmt.Errorf("coordinates do not match annotation type %s", target)
	}
	if p.Style != nil && p.Style.AnnotationType() != target {
		return fmt.Errorf("style does not match annotation type %s", target)
	}
	return nil
}

// Apply returns a copy of a with the patch merged in.
func (p AnnotationPatch) Apply(a Annotation) Annotation {
	if p.PageNumber != nil {
		a.PageNumber = *p.PageNumber
	}
	if p.Content != nil {
		a.Content = *p.Content
	}
	if p.Coordinates != nil {
		a.Coordinates = p.Coordinates
	}
	if p.Style != nil {
		a.Style = p.Style
		a.Color = DeriveColor(p.Style)
	}
	if !p.UpdatedAt.IsZero() {
		a.UpdatedAt = p.UpdatedAt
	}
	if p.UpdatedBy != "" {
		a.UpdatedBy = p.UpdatedBy
	}
	return a
}

// Diff builds the patch that turns before into after.
func Diff(before, after Annotation) AnnotationPatch {
	p := AnnotationPatch{Type: after.Type}
	if before.PageNumber != after.PageNumber {
		page := after.PageNumber
		p.PageNumber = &page
	}
	if before.Content != after.Content {
		content := after.Content
		p.Content = &content
	}
	if before.Coordinates != after.Coordinates {
		p.Coordinates = after.Coordinates
	}
	if before.Style != after.Style {
		p.Style = after.Style
	}
	return p
}

// IsEmpty reports whether the patch changes nothing visible.
func (p AnnotationPatch) IsEmpty() bool {
	return p.PageNumber == nil && p.Content == nil && p.Coordinates == nil && p.Style == nil
}

// AnnotationResponse wraps a single annotation in the API response.
type AnnotationResponse struct {
	Data Annotation `json:"data"`
}

// AnnotationsResponse wraps multiple annotations in the API response.
type AnnotationsResponse struct {
	Data []Annotation `json:"data"`
}

// ErrorResponse represents an error response from the API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}
