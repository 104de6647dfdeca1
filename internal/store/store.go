// Package store is the client-side cache of the annotations of one document
// version. Local mutations are applied optimistically, broadcast to
// collaborators and persisted through the REST collaborator; remote events
// are merged by id with last-write-wins semantics.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	domainerrors "github.com/docmark/annotator/internal/errors"
	"github.com/docmark/annotator/internal/models"
)

// errMismatchedRecord marks a persist call that succeeded without returning
// the record it was about.
var errMismatchedRecord = errors.New("persisted record missing or mismatched")

// Persister is the REST collaborator owning the durable annotation set.
type Persister interface {
	List(ctx context.Context, versionID string) ([]models.Annotation, error)
	Create(ctx context.Context, versionID string, draft models.Annotation) (*models.Annotation, error)
	Update(ctx context.Context, id string, patch models.AnnotationPatch) (*models.Annotation, error)
	Delete(ctx context.Context, id string) error
}

// Broadcaster pushes local mutations to the other collaborators.
type Broadcaster interface {
	BroadcastAnnotation(evt models.AnnotationEvent) error
}

// Change describes one logical change of the annotation set.
type Change struct {
	Kind          models.EventKind
	AnnotationIDs []string
	Remote        bool
}

// Listener is notified after every logical change.
type Listener func(Change)

// Stats summarises the annotation set.
type Stats struct {
	Total  int
	ByType map[models.AnnotationType]int
	ByUser map[string]int
	ByPage map[int]int
}

// Store holds the annotations of one document version.
type Store struct {
	versionID   string
	persister   Persister
	broadcaster Broadcaster
	logger      *zap.Logger
	now         func() time.Time

	mu          sync.RWMutex
	annotations []models.Annotation
	editTarget  string
	lastTempID  int64

	listenersMu  sync.Mutex
	listeners    []listenerEntry
	nextListener int
}

type listenerEntry struct {
	id int
	fn Listener
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBroadcaster sets the channel local mutations are pushed to.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Store) { s.broadcaster = b }
}

// New creates an empty store for a document version.
func New(versionID string, persister Persister, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		versionID: versionID,
		persister: persister,
		logger:    logger.With(zap.String("version_id", versionID)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VersionID returns the document version this store belongs to.
func (s *Store) VersionID() string {
	return s.versionID
}

// NewTempID returns a fresh temporary id. Ids are time based and strictly
// increasing within a store, so two drafts never share one.
func (s *Store) NewTempID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTempIDLocked()
}

func (s *Store) nextTempIDLocked() string {
	ms := s.now().UnixMilli()
	if ms <= s.lastTempID {
		ms = s.lastTempID + 1
	}
	s.lastTempID = ms
	return fmt.Sprintf("%s%d", models.TempIDPrefix, ms)
}

// Load replaces the local set with the server's.
func (s *Store) Load(ctx context.Context) error {
	list, err := s.persister.List(ctx, s.versionID)
	if err != nil {
		s.logger.Error("Failed to load annotations", zap.Error(err))
		return domainerrors.Persistence("could not load annotations", err)
	}

	s.mu.Lock()
	s.annotations = slices.Clone(list)
	s.mu.Unlock()

	s.logger.Debug("Loaded annotations", zap.Int("count", len(list)))
	s.notify(Change{Kind: models.EventSync})
	return nil
}

// Reload is Load under the name used by the recovery paths.
func (s *Store) Reload(ctx context.Context) error {
	return s.Load(ctx)
}

// Create inserts a draft optimistically under a temporary id, persists it and
// swaps the temporary entry for the server record. On failure the optimistic
// entry is rolled back.
func (s *Store) Create(ctx context.Context, draft models.Annotation) (*models.Annotation, error) {
	if err := draft.Validate(); err != nil {
		return nil, domainerrors.Validation(err.Error())
	}

	s.mu.Lock()
	now := s.now()
	if !models.IsTempID(draft.ID) {
		draft.ID = s.nextTempIDLocked()
	}
	draft.VersionID = s.versionID
	draft.Color = models.DeriveColor(draft.Style)
	draft.CreatedAt = now
	draft.UpdatedAt = now
	optimistic := draft
	cmd := Command{Kind: models.EventCreate, After: &optimistic}
	s.annotations = Apply(s.annotations, cmd)
	s.mu.Unlock()

	tempID := draft.ID
	s.notify(Change{Kind: models.EventCreate, AnnotationIDs: []string{tempID}})

	payload := draft
	payload.ID = ""
	saved, err := s.persister.Create(ctx, s.versionID, payload)
	if err == nil && (saved == nil || saved.ID == "" || models.IsTempID(saved.ID)) {
		err = errMismatchedRecord
	}
	if err != nil {
		s.mu.Lock()
		s.annotations = Rollback(s.annotations, cmd)
		s.mu.Unlock()
		s.notify(Change{Kind: models.EventDelete, AnnotationIDs: []string{tempID}})

		s.logger.Warn("Create failed, rolled back optimistic annotation",
			zap.String("temp_id", tempID), zap.Error(err))
		return nil, domainerrors.Persistence("could not save annotation, try again", err)
	}

	s.mu.Lock()
	s.swapTempLocked(tempID, *saved)
	s.mu.Unlock()
	s.notify(Change{Kind: models.EventCreate, AnnotationIDs: []string{tempID, saved.ID}})

	s.logger.Info("Created annotation",
		zap.String("temp_id", tempID), zap.String("annotation_id", saved.ID))

	s.broadcast(models.AnnotationEvent{Kind: models.EventCreate, Annotation: saved})
	return saved, nil
}

// swapTempLocked replaces the temporary entry with the server record, keeping
// its position. A copy of the record delivered earlier by a remote event is
// dropped so the server id appears exactly once.
func (s *Store) swapTempLocked(tempID string, saved models.Annotation) {
	s.annotations = slices.DeleteFunc(s.annotations, func(a models.Annotation) bool {
		return a.ID == saved.ID
	})
	pos := indexOf(s.annotations, tempID)
	if pos < 0 {
		s.annotations = append(s.annotations, saved)
	} else {
		s.annotations[pos] = saved
	}
	if s.editTarget == tempID {
		s.editTarget = saved.ID
	}
}

// Update merges patch into the annotation id on behalf of userID. Only the
// author may update; the check happens before anything is mutated or sent.
// If persistence fails the whole set is reloaded from the server.
func (s *Store) Update(ctx context.Context, userID, id string, patch models.AnnotationPatch) (*models.Annotation, error) {
	s.mu.Lock()
	existing, err := s.guardLocked(userID, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := patch.Validate(existing.Type); err != nil {
		s.mu.Unlock()
		return nil, domainerrors.Validation(err.Error())
	}

	patch.Type = existing.Type
	patch.UpdatedAt = s.now()
	patch.UpdatedBy = userID
	after := patch.Apply(existing)
	before := existing
	cmd := Command{Kind: models.EventUpdate, Before: &before, After: &after}
	s.annotations = Apply(s.annotations, cmd)
	s.mu.Unlock()

	s.notify(Change{Kind: models.EventUpdate, AnnotationIDs: []string{id}})
	s.broadcast(models.AnnotationEvent{Kind: models.EventUpdate, AnnotationID: id, Updates: &patch})

	saved, err := s.persister.Update(ctx, id, patch)
	if err == nil && (saved == nil || saved.ID != id) {
		err = errMismatchedRecord
	}
	if err != nil {
		s.logger.Warn("Update failed, reloading annotations",
			zap.String("annotation_id", id), zap.Error(err))
		s.recover(ctx, cmd)
		return nil, domainerrors.Persistence("could not save annotation, try again", err)
	}

	s.mu.Lock()
	changed := false
	if i := indexOf(s.annotations, id); i >= 0 && !cmp.Equal(s.annotations[i], *saved) {
		s.annotations[i] = *saved
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.notify(Change{Kind: models.EventUpdate, AnnotationIDs: []string{id}})
	}

	s.logger.Info("Updated annotation", zap.String("annotation_id", id))
	return saved, nil
}

// Delete removes the annotation id on behalf of userID. Only the author may
// delete. If persistence fails the whole set is reloaded from the server.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	existing, err := s.guardLocked(userID, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	before := existing
	cmd := Command{Kind: models.EventDelete, Before: &before}
	s.annotations = Apply(s.annotations, cmd)
	s.mu.Unlock()

	s.notify(Change{Kind: models.EventDelete, AnnotationIDs: []string{id}})
	s.broadcast(models.AnnotationEvent{Kind: models.EventDelete, AnnotationID: id})

	if err := s.persister.Delete(ctx, id); err != nil {
		s.logger.Warn("Delete failed, reloading annotations",
			zap.String("annotation_id", id), zap.Error(err))
		s.recover(ctx, cmd)
		return domainerrors.Persistence("could not delete annotation, try again", err)
	}

	s.logger.Info("Deleted annotation", zap.String("annotation_id", id))
	return nil
}

func (s *Store) guardLocked(userID, id string) (models.Annotation, error) {
	i := indexOf(s.annotations, id)
	if i < 0 {
		return models.Annotation{}, domainerrors.NotFoundf("annotation %s not found", id)
	}
	existing := s.annotations[i]
	if !existing.OwnedBy(userID) {
		return models.Annotation{}, domainerrors.Forbiddenf("only %s can modify this annotation", existing.CreatedBy.Name)
	}
	if models.IsTempID(id) {
		return models.Annotation{}, domainerrors.ErrConflict.WithCause(fmt.Errorf("annotation %s is still being saved", id))
	}
	return existing, nil
}

// recover restores consistency with the server after a failed update or
// delete: a full reload, or the recorded rollback if the server is unreachable.
func (s *Store) recover(ctx context.Context, cmd Command) {
	err := s.Reload(ctx)
	if err == nil {
		return
	}
	s.logger.Error("Reload after failure failed, rolling back locally", zap.Error(err))

	s.mu.Lock()
	s.annotations = Rollback(s.annotations, cmd)
	s.mu.Unlock()
	s.notify(Change{Kind: cmd.Kind})
}

func (s *Store) broadcast(evt models.AnnotationEvent) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.BroadcastAnnotation(evt); err != nil {
		// Delivery is at-most-once; collaborators resync on reconnect.
		s.logger.Warn("Failed to broadcast annotation event",
			zap.String("kind", string(evt.Kind)), zap.Error(err))
	}
}

// ApplyRemote merges an event received from a collaborator. It never
// re-broadcasts. It reports whether the local set changed.
func (s *Store) ApplyRemote(evt models.AnnotationEvent) bool {
	s.mu.Lock()
	var ids []string
	changed := false

	switch evt.Kind {
	case models.EventCreate:
		if evt.Annotation != nil {
			a := *evt.Annotation
			i := indexOf(s.annotations, a.ID)
			if i < 0 || !cmp.Equal(s.annotations[i], a) {
				s.annotations = upsert(s.annotations, a)
				changed = true
			}
			ids = []string{a.ID}
		}
	case models.EventUpdate:
		i := indexOf(s.annotations, evt.AnnotationID)
		if i >= 0 && evt.Updates != nil {
			if err := evt.Updates.Validate(s.annotations[i].Type); err != nil {
				s.logger.Warn("Ignoring invalid remote update",
					zap.String("annotation_id", evt.AnnotationID), zap.Error(err))
				break
			}
			merged := evt.Updates.Apply(s.annotations[i])
			if !cmp.Equal(s.annotations[i], merged) {
				s.annotations[i] = merged
				changed = true
			}
		}
		ids = []string{evt.AnnotationID}
	case models.EventDelete:
		if indexOf(s.annotations, evt.AnnotationID) >= 0 {
			s.annotations = remove(s.annotations, evt.AnnotationID)
			changed = true
		}
		ids = []string{evt.AnnotationID}
	case models.EventSync:
		s.annotations = slices.Clone(evt.Annotations)
		changed = true
	default:
		s.logger.Warn("Ignoring unknown remote event", zap.String("kind", string(evt.Kind)))
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: evt.Kind, AnnotationIDs: ids, Remote: true})
	}
	return changed
}

// BeginEdit marks id as the single annotation in edit mode. It returns false,
// changing nothing, when another annotation is already being edited.
func (s *Store) BeginEdit(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editTarget != "" && s.editTarget != id {
		return false
	}
	s.editTarget = id
	return true
}

// EndEdit releases the edit lock if id holds it.
func (s *Store) EndEdit(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.editTarget == id {
		s.editTarget = ""
	}
}

// EditTarget returns the id in edit mode, or "".
func (s *Store) EditTarget() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.editTarget
}

// Subscribe registers a listener and returns a function removing it.
func (s *Store) Subscribe(fn Listener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(e listenerEntry) bool { return e.id == id })
	}
}

func (s *Store) notify(c Change) {
	s.listenersMu.Lock()
	listeners := slices.Clone(s.listeners)
	s.listenersMu.Unlock()

	for _, l := range listeners {
		l.fn(c)
	}
}

// List returns a copy of all annotations.
func (s *Store) List() []models.Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.annotations)
}

// Get returns the annotation id.
func (s *Store) Get(id string) (models.Annotation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.annotations, id); i >= 0 {
		return s.annotations[i], true
	}
	return models.Annotation{}, false
}

// ListByPage returns the annotations anchored to page n.
func (s *Store) ListByPage(n int) []models.Annotation {
	return s.filter(func(a models.Annotation) bool { return a.PageNumber == n })
}

// FilterByType returns the annotations of one type.
func (s *Store) FilterByType(t models.AnnotationType) []models.Annotation {
	return s.filter(func(a models.Annotation) bool { return a.Type == t })
}

// FilterByUser returns the annotations authored by userID.
func (s *Store) FilterByUser(userID string) []models.Annotation {
	return s.filter(func(a models.Annotation) bool { return a.CreatedBy.ID == userID })
}

// Search matches text case-insensitively against content and author name.
// An empty query matches everything.
func (s *Store) Search(text string) []models.Annotation {
	q := strings.ToLower(strings.TrimSpace(text))
	return s.filter(func(a models.Annotation) bool {
		return q == "" ||
			strings.Contains(strings.ToLower(a.Content), q) ||
			strings.Contains(strings.ToLower(a.CreatedBy.Name), q)
	})
}

func (s *Store) filter(keep func(models.Annotation) bool) []models.Annotation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Annotation
	for _, a := range s.annotations {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// Stats counts annotations by type, author and page.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Total:  len(s.annotations),
		ByType: make(map[models.AnnotationType]int),
		ByUser: make(map[string]int),
		ByPage: make(map[int]int),
	}
	for _, a := range s.annotations {
		st.ByType[a.Type]++
		st.ByUser[a.CreatedBy.ID]++
		st.ByPage[a.PageNumber]++
	}
	return st
}
