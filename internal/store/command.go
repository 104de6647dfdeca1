package store

import (
	"slices"

	"github.com/docmark/annotator/internal/models"
)

// Command records one local mutation so it can be undone if persistence
// fails. Before is nil for a create; After is nil for a delete.
type Command struct {
	Kind   models.EventKind
	Before *models.Annotation
	After  *models.Annotation
}

// Apply returns set with cmd applied. The input slice is not modified.
func Apply(set []models.Annotation, cmd Command) []models.Annotation {
	switch cmd.Kind {
	case models.EventCreate:
		return upsert(set, *cmd.After)
	case models.EventUpdate:
		return replace(set, cmd.After.ID, *cmd.After)
	case models.EventDelete:
		return remove(set, cmd.Before.ID)
	}
	return slices.Clone(set)
}

// Rollback returns set with cmd undone. The input slice is not modified.
func Rollback(set []models.Annotation, cmd Command) []models.Annotation {
	switch cmd.Kind {
	case models.EventCreate:
		return remove(set, cmd.After.ID)
	case models.EventUpdate:
		return replace(set, cmd.After.ID, *cmd.Before)
	case models.EventDelete:
		return upsert(set, *cmd.Before)
	}
	return slices.Clone(set)
}

func indexOf(set []models.Annotation, id string) int {
	return slices.IndexFunc(set, func(a models.Annotation) bool { return a.ID == id })
}

func upsert(set []models.Annotation, a models.Annotation) []models.Annotation {
	out := slices.Clone(set)
	if i := indexOf(out, a.ID); i >= 0 {
		out[i] = a
		return out
	}
	return append(out, a)
}

func replace(set []models.Annotation, id string, a models.Annotation) []models.Annotation {
	out := slices.Clone(set)
	if i := indexOf(out, id); i >= 0 {
		out[i] = a
	}
	return out
}

func remove(set []models.Annotation, id string) []models.Annotation {
	return slices.DeleteFunc(slices.Clone(set), func(a models.Annotation) bool { return a.ID == id })
}
