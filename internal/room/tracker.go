// Package room keeps the in-memory association between users and the rooms
// or direct conversations they belong to. It does no access control.
package room

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

type Membership struct {
	UserID   int64
	RoomID   string
	JoinedAt time.Time
}

// DirectID is the room id of the conversation between two users. It does not
// depend on argument order.
func DirectID(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d", a, b)
}

// IsDirect reports whether roomID names a direct conversation.
func IsDirect(roomID string) bool {
	return strings.HasPrefix(roomID, "dm:")
}

// Participants returns the two user ids of a direct conversation id. Only
// the form built by DirectID is accepted, so one pair has exactly one id.
func Participants(roomID string) (int64, int64, bool) {
	var a, b int64
	if _, err := fmt.Sscanf(roomID, "dm:%d:%d", &a, &b); err != nil {
		return 0, 0, false
	}
	if a <= 0 || a >= b || DirectID(a, b) != roomID {
		return 0, 0, false
	}
	return a, b, true
}

// Op is the kind of a membership change.
type Op string

const (
	OpJoin       Op = "join"
	OpLeave      Op = "leave"
	OpRemoveRoom Op = "remove_room"
)

// Change is one effective membership change. UserID is zero for OpRemoveRoom.
type Change struct {
	Op     Op     `json:"op"`
	UserID int64  `json:"userId,omitempty"`
	RoomID string `json:"roomId"`
}

type Tracker struct {
	mu       sync.RWMutex
	members  map[string]map[int64]time.Time // room -> user -> joinedAt
	rooms    map[int64]map[string]struct{}  // user -> rooms
	observer func(Change)
	now      func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		members: make(map[string]map[int64]time.Time),
		rooms:   make(map[int64]map[string]struct{}),
		now:     time.Now,
	}
}

// Observe registers fn to receive every effective change made through Join,
// Leave and RemoveRoom. fn runs under the tracker lock, in the order the
// changes happened; it must not block or call back into the tracker.
// Changes made through Apply or Load are not observed.
func (t *Tracker) Observe(fn func(Change)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observer = fn
}

func (t *Tracker) emit(c Change) {
	if t.observer != nil {
		t.observer(c)
	}
}

// Join adds the membership. Joining twice is a no-op; added reports whether
// the membership is new.
func (t *Tracker) Join(userID int64, roomID string) (added bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.join(userID, roomID, t.now()) {
		return false
	}
	t.emit(Change{Op: OpJoin, UserID: userID, RoomID: roomID})
	return true
}

// Apply replays a change made elsewhere, typically on another instance.
func (t *Tracker) Apply(c Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch c.Op {
	case OpJoin:
		t.join(c.UserID, c.RoomID, t.now())
	case OpLeave:
		t.leave(c.UserID, c.RoomID)
	case OpRemoveRoom:
		t.removeRoom(c.RoomID)
	}
}

func (t *Tracker) join(userID int64, roomID string, at time.Time) bool {
	members, ok := t.members[roomID]
	if !ok {
		members = make(map[int64]time.Time)
		t.members[roomID] = members
	}
	if _, exists := members[userID]; exists {
		return false
	}
	members[userID] = at

	rooms, ok := t.rooms[userID]
	if !ok {
		rooms = make(map[string]struct{})
		t.rooms[userID] = rooms
	}
	rooms[roomID] = struct{}{}
	return true
}

// Leave removes the membership and reports whether it existed.
func (t *Tracker) Leave(userID int64, roomID string) (removed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.leave(userID, roomID) {
		return false
	}
	t.emit(Change{Op: OpLeave, UserID: userID, RoomID: roomID})
	return true
}

func (t *Tracker) leave(userID int64, roomID string) bool {
	members, ok := t.members[roomID]
	if !ok {
		return false
	}
	if _, exists := members[userID]; !exists {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(t.members, roomID)
	}
	if rooms := t.rooms[userID]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(t.rooms, userID)
		}
	}
	return true
}

// RemoveRoom drops every membership of roomID and returns the former members.
func (t *Tracker) RemoveRoom(roomID string) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	former := t.removeRoom(roomID)
	t.emit(Change{Op: OpRemoveRoom, RoomID: roomID})
	return former
}

func (t *Tracker) removeRoom(roomID string) []int64 {
	members, ok := t.members[roomID]
	if !ok {
		return nil
	}
	former := lo.Keys(members)
	for _, userID := range former {
		if rooms := t.rooms[userID]; rooms != nil {
			delete(rooms, roomID)
			if len(rooms) == 0 {
				delete(t.rooms, userID)
			}
		}
	}
	delete(t.members, roomID)
	return former
}

func (t *Tracker) IsMember(userID int64, roomID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.members[roomID][userID]
	return ok
}

// MembersOf returns a snapshot of the members of roomID.
func (t *Tracker) MembersOf(roomID string) []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.Keys(t.members[roomID])
}

// RoomsOf returns a snapshot of the rooms userID belongs to.
func (t *Tracker) RoomsOf(userID int64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.Keys(t.rooms[userID])
}

// Memberships returns the memberships of roomID with their join times.
func (t *Tracker) Memberships(roomID string) []Membership {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.MapToSlice(t.members[roomID], func(userID int64, at time.Time) Membership {
		return Membership{UserID: userID, RoomID: roomID, JoinedAt: at}
	})
}

// Load restores persisted memberships, typically once at startup.
func (t *Tracker) Load(memberships []Membership) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range memberships {
		at := m.JoinedAt
		if at.IsZero() {
			at = t.now()
		}
		t.join(m.UserID, m.RoomID, at)
	}
}
