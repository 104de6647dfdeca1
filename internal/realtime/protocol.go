// Package realtime implements the push channel shared by the collaborators of
// one document: annotation mutations, presence and live cursors multiplexed
// over a single websocket per client.
package realtime

import (
	"fmt"

	"github.com/docmark/annotator/internal/models"
)

// MessageType is the type tag of an Envelope.
type MessageType string

const (
	TypeConnect   MessageType = "CONNECT"
	TypeConnected MessageType = "CONNECTED"
	TypeError     MessageType = "ERROR"

	TypeCreateAnnotation MessageType = "CREATE_ANNOTATION"
	TypeUpdateAnnotation MessageType = "UPDATE_ANNOTATION"
	TypeDeleteAnnotation MessageType = "DELETE_ANNOTATION"
	TypeAnnotationsSync  MessageType = "ANNOTATIONS_SYNC"

	TypeUserJoined MessageType = "USER_JOINED"
	TypeUserLeft   MessageType = "USER_LEFT"
	TypeUsersList  MessageType = "USERS_LIST"

	TypeCursorMove MessageType = "CURSOR_MOVE"
)

// Stream is one of the logical streams multiplexed on a connection.
type Stream int

const (
	StreamControl Stream = iota
	StreamAnnotation
	StreamPresence
	StreamCursor
)

// Stream classifies the message type.
func (t MessageType) Stream() Stream {
	switch t {
	case TypeCreateAnnotation, TypeUpdateAnnotation, TypeDeleteAnnotation, TypeAnnotationsSync:
		return StreamAnnotation
	case TypeUserJoined, TypeUserLeft, TypeUsersList:
		return StreamPresence
	case TypeCursorMove:
		return StreamCursor
	default:
		return StreamControl
	}
}

// Envelope is the JSON frame exchanged on the channel.
type Envelope struct {
	Type         MessageType             `json:"type"`
	DocumentID   string                  `json:"documentId,omitempty"`
	SenderID     string                  `json:"senderId,omitempty"`
	ConnectionID string                  `json:"connectionId,omitempty"`
	Annotation   *models.Annotation      `json:"annotation,omitempty"`
	AnnotationID string                  `json:"annotationId,omitempty"`
	Updates      *models.AnnotationPatch `json:"updates,omitempty"`
	Annotations  []models.Annotation     `json:"annotations,omitempty"`
	User         *models.ActiveUser      `json:"user,omitempty"`
	Users        []models.ActiveUser     `json:"users,omitempty"`
	Cursor       *models.Cursor          `json:"cursor,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// EnvelopeFromEvent wraps a store event for the wire.
func EnvelopeFromEvent(evt models.AnnotationEvent) (Envelope, error) {
	switch evt.Kind {
	case models.EventCreate:
		if evt.Annotation == nil {
			return Envelope{}, fmt.Errorf("create event without annotation")
		}
		return Envelope{Type: TypeCreateAnnotation, Annotation: evt.Annotation}, nil
	case models.EventUpdate:
		if evt.AnnotationID == "" || evt.Updates == nil {
			return Envelope{}, fmt.Errorf("update event without id or updates")
		}
		return Envelope{Type: TypeUpdateAnnotation, AnnotationID: evt.AnnotationID, Updates: evt.Updates}, nil
	case models.EventDelete:
		if evt.AnnotationID == "" {
			return Envelope{}, fmt.Errorf("delete event without id")
		}
		return Envelope{Type: TypeDeleteAnnotation, AnnotationID: evt.AnnotationID}, nil
	case models.EventSync:
		annotations := evt.Annotations
		if annotations == nil {
			annotations = []models.Annotation{}
		}
		return Envelope{Type: TypeAnnotationsSync, Annotations: annotations}, nil
	}
	return Envelope{}, fmt.Errorf("unknown event kind %q", evt.Kind)
}

// Event converts an annotation-stream envelope back into a store event.
func (e Envelope) Event() (models.AnnotationEvent, bool) {
	switch e.Type {
	case TypeCreateAnnotation:
		if e.Annotation == nil {
			return models.AnnotationEvent{}, false
		}
		return models.AnnotationEvent{Kind: models.EventCreate, Annotation: e.Annotation}, true
	case TypeUpdateAnnotation:
		if e.AnnotationID == "" || e.Updates == nil {
			return models.AnnotationEvent{}, false
		}
		return models.AnnotationEvent{Kind: models.EventUpdate, AnnotationID: e.AnnotationID, Updates: e.Updates}, true
	case TypeDeleteAnnotation:
		if e.AnnotationID == "" {
			return models.AnnotationEvent{}, false
		}
		return models.AnnotationEvent{Kind: models.EventDelete, AnnotationID: e.AnnotationID}, true
	case TypeAnnotationsSync:
		return models.AnnotationEvent{Kind: models.EventSync, Annotations: e.Annotations}, true
	}
	return models.AnnotationEvent{}, false
}
