package models

import "time"

// EventKind identifies an annotation mutation carried between collaborators.
type EventKind string

const (
	EventCreate EventKind = "CREATE"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
	EventSync   EventKind = "SYNC"
)

// AnnotationEvent is a mutation of the annotation set of one document version.
// Which fields are set depends on Kind: Annotation for CREATE, AnnotationID
// and Updates for UPDATE, AnnotationID for DELETE, Annotations for SYNC.
type AnnotationEvent struct {
	Kind         EventKind
	Annotation   *Annotation
	AnnotationID string
	Updates      *AnnotationPatch
	Annotations  []Annotation
}

// ActiveUser is a collaborator currently connected to a document.
type ActiveUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Cursor is a transient pointer position broadcast by a collaborator.
// X and Y are percentages of the page.
type Cursor struct {
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	Color      string    `json:"color"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	PageNumber int       `json:"pageNumber"`
	Timestamp  time.Time `json:"timestamp"`
}
