// Package typing keeps the short-lived "is typing" flags of users in rooms.
//
// Each (room, user) pair is either idle or typing. Start moves it to typing
// and pushes an expiry onto a min-heap; a single sweep goroutine pops due
// expiries. Explicit stops, message sends and expiries all produce the same
// notification, exactly once per typing period.
package typing

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Notifier announces typing changes to the members of a room.
type Notifier interface {
	TypingChanged(roomID string, userID int64, username string, typing bool)
}

type key struct {
	roomID string
	userID int64
}

type Entry struct {
	RoomID    string
	UserID    int64
	Username  string
	ExpiresAt time.Time
}

type Manager struct {
	mu       sync.Mutex
	entries  map[key]*Entry
	queue    timerQueue
	timeout  time.Duration
	notifier Notifier
	wake     chan struct{}
	now      func() time.Time
}

func NewManager(timeout time.Duration, notifier Notifier) *Manager {
	return &Manager{
		entries:  make(map[key]*Entry),
		timeout:  timeout,
		notifier: notifier,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Start marks the user as typing in roomID or refreshes the expiry of an
// existing entry. Only the idle to typing change is announced.
func (m *Manager) Start(roomID string, userID int64, username string) {
	k := key{roomID, userID}
	due := m.now().Add(m.timeout)

	m.mu.Lock()
	e, refreshed := m.entries[k]
	if refreshed {
		e.ExpiresAt = due
	} else {
		e = &Entry{RoomID: roomID, UserID: userID, Username: username, ExpiresAt: due}
		m.entries[k] = e
	}
	heap.Push(&m.queue, &timer{kind: expireTyping, key: k, dueAt: due})
	head := m.queue[0].dueAt.Equal(due)
	if !refreshed {
		m.notify(e, true)
	}
	m.mu.Unlock()

	if head {
		m.signal()
	}
}

// Stop ends the typing period of the user, if any.
func (m *Manager) Stop(roomID string, userID int64) bool {
	return m.end(key{roomID, userID}, time.Time{})
}

// Clear is Stop for the side effect of a sent message.
func (m *Manager) Clear(roomID string, userID int64) bool {
	return m.Stop(roomID, userID)
}

// ClearUser ends every typing period of userID.
func (m *Manager) ClearUser(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if k.userID == userID {
			delete(m.entries, k)
			m.notify(e, false)
		}
	}
}

// ClearRoom drops the entries of a deleted room without announcing them.
func (m *Manager) ClearRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if k.roomID == roomID {
			delete(m.entries, k)
		}
	}
}

// ActiveTypists returns the users currently typing in roomID.
func (m *Manager) ActiveTypists(roomID string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.FilterMap(lo.Keys(m.entries), func(k key, _ int) (int64, bool) {
		return k.userID, k.roomID == roomID
	})
}

// IsTyping reports whether the pair is in the typing state.
func (m *Manager) IsTyping(roomID string, userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key{roomID, userID}]
	return ok
}

// end removes the entry for k. A non-zero dueAt makes it an expiry, which
// only applies if the entry was not refreshed past dueAt.
func (m *Manager) end(k key, dueAt time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[k]
	if !ok {
		return false
	}
	if !dueAt.IsZero() && e.ExpiresAt.After(dueAt) {
		return false
	}
	delete(m.entries, k)
	m.notify(e, false)
	return true
}

// Run sweeps expired entries until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTimer(time.Hour)
	defer t.Stop()

	for {
		wait := m.sweep()
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
		case <-t.C:
		}
	}
}

// sweep expires everything due and returns how long to wait for the next item.
func (m *Manager) sweep() time.Duration {
	now := m.now()
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return time.Hour
		}
		next := m.queue[0]
		if next.dueAt.After(now) {
			m.mu.Unlock()
			return next.dueAt.Sub(now)
		}
		heap.Pop(&m.queue)
		m.mu.Unlock()

		if next.kind == expireTyping {
			m.end(next.key, next.dueAt)
		}
	}
}

func (m *Manager) notify(e *Entry, typing bool) {
	if m.notifier != nil {
		m.notifier.TypingChanged(e.RoomID, e.UserID, e.Username, typing)
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}
