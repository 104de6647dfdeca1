package realtime

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/docmark/annotator/internal/models"
)

// DefaultCursorTTL is how long a remote cursor stays visible without a newer
// update from the same user.
const DefaultCursorTTL = 3 * time.Second

// Presence tracks the collaborators of a document and their live cursors.
type Presence struct {
	mu      sync.RWMutex
	ttl     time.Duration
	users   map[string]models.ActiveUser
	cursors map[string]models.Cursor
}

// NewPresence creates an empty roster. A non-positive ttl uses DefaultCursorTTL.
func NewPresence(ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultCursorTTL
	}
	return &Presence{
		ttl:     ttl,
		users:   make(map[string]models.ActiveUser),
		cursors: make(map[string]models.Cursor),
	}
}

// Apply folds a presence-stream message into the roster.
func (p *Presence) Apply(env Envelope) {
	switch env.Type {
	case TypeUsersList:
		p.SetUsers(env.Users)
	case TypeUserJoined:
		if env.User != nil {
			p.Join(*env.User)
		}
	case TypeUserLeft:
		if env.User != nil {
			p.Leave(env.User.ID)
		} else if env.SenderID != "" {
			p.Leave(env.SenderID)
		}
	}
}

// SetUsers replaces the roster.
func (p *Presence) SetUsers(users []models.ActiveUser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.users = make(map[string]models.ActiveUser, len(users))
	for _, u := range users {
		p.users[u.ID] = u
	}
	for id := range p.cursors {
		if _, ok := p.users[id]; !ok {
			delete(p.cursors, id)
		}
	}
}

// Join adds or refreshes a user.
func (p *Presence) Join(u models.ActiveUser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[u.ID] = u
}

// Leave removes a user and their cursor.
func (p *Presence) Leave(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, userID)
	delete(p.cursors, userID)
}

// Users returns the roster ordered by name.
func (p *Presence) Users() []models.ActiveUser {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.ActiveUser, 0, len(p.users))
	for _, u := range p.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b models.ActiveUser) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// UpdateCursor stores c unless a newer position for the same user is already
// known. It reports whether c was stored.
func (p *Presence) UpdateCursor(c models.Cursor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur, ok := p.cursors[c.UserID]; ok && c.Timestamp.Before(cur.Timestamp) {
		return false
	}
	p.cursors[c.UserID] = c
	return true
}

// Cursor returns the last known cursor of userID.
func (p *Presence) Cursor(userID string) (models.Cursor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.cursors[userID]
	return c, ok
}

// Visible returns the cursors updated within the TTL before now.
func (p *Presence) Visible(now time.Time) []models.Cursor {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []models.Cursor
	for _, c := range p.cursors {
		if now.Sub(c.Timestamp) < p.ttl {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b models.Cursor) int { return strings.Compare(a.UserID, b.UserID) })
	return out
}

// Sweep evicts cursors older than the TTL and returns how many were removed.
func (p *Presence) Sweep(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for id, c := range p.cursors {
		if now.Sub(c.Timestamp) >= p.ttl {
			delete(p.cursors, id)
			n++
		}
	}
	return n
}
