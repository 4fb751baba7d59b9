// Package session tracks the live connections of authenticated users.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the outbound side of one live connection.
type Conn interface {
	// Deliver queues an encoded frame. It returns false when the connection
	// is closed or cannot keep up.
	Deliver(frame []byte) bool
	// Close stops all further delivery. It is idempotent.
	Close()
}

// Identity is the authenticated principal behind a session.
type Identity struct {
	UserID   int64
	Username string
}

type Session struct {
	ID          string
	UserID      int64
	Username    string
	Conn        Conn
	ConnectedAt time.Time
}

func (s *Session) Identity() Identity {
	return Identity{UserID: s.UserID, Username: s.Username}
}

// Transition reports that a user went from zero to one sessions (Online) or
// from one to zero (offline). Epoch increases with every transition so that
// late observers can discard outdated ones.
type Transition struct {
	UserID   int64
	Username string
	Online   bool
	Epoch    uint64
	At       time.Time
}

type Registry struct {
	mu        sync.RWMutex
	byUser    map[int64]map[string]*Session
	bySession map[string]*Session
	epoch     uint64
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byUser:    make(map[int64]map[string]*Session),
		bySession: make(map[string]*Session),
		now:       time.Now,
	}
}

// Register binds conn to the identity. The returned transition is non-nil
// when this is the user's first live session.
func (r *Registry) Register(id Identity, conn Conn) (*Session, *Transition) {
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      id.UserID,
		Username:    id.Username,
		Conn:        conn,
		ConnectedAt: r.now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.byUser[id.UserID]
	if !ok {
		sessions = make(map[string]*Session)
		r.byUser[id.UserID] = sessions
	}
	sessions[s.ID] = s
	r.bySession[s.ID] = s

	if len(sessions) != 1 {
		return s, nil
	}
	r.epoch++
	return s, &Transition{UserID: id.UserID, Username: id.Username, Online: true, Epoch: r.epoch, At: s.ConnectedAt}
}

// Unregister removes the session and closes its connection handle before
// returning. Unknown ids are ignored, so graceful and abrupt disconnects can
// both call it. The transition is non-nil when the last session closed.
func (r *Registry) Unregister(sessionID string) *Transition {
	r.mu.Lock()
	s, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.bySession, sessionID)

	var tr *Transition
	if sessions := r.byUser[s.UserID]; sessions != nil {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.byUser, s.UserID)
			r.epoch++
			tr = &Transition{UserID: s.UserID, Username: s.Username, Online: false, Epoch: r.epoch, At: r.now()}
		}
	}
	// Closed under the registry lock: a fan-out that has not yet taken its
	// snapshot can no longer see this handle, and one that already has will
	// find it closed.
	s.Conn.Close()
	r.mu.Unlock()
	return tr
}

// ConnectionsFor returns the live connection handles of a user.
func (r *Registry) ConnectionsFor(userID int64) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.byUser[userID]
	if len(sessions) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Conn)
	}
	return out
}

// Get returns the session with the given id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySession[sessionID]
	return s, ok
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// SessionCount is the number of live sessions a user holds.
func (r *Registry) SessionCount(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Count is the total number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// OnlineUsers returns the ids of every user holding a session.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	return out
}
