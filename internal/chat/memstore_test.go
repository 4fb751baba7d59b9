package chat_test

import (
	"context"
	"slices"
	"sync"
	"time"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/room"
)

// memStore is an in-memory chat.Store for tests that run the whole stack.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	users       map[int64]string
	rooms       map[string]*chat.Room
	invites     map[string]map[int64]bool
	memberships map[string]map[int64]time.Time
	messages    map[int64]*chat.Message
	order       []int64
}

var _ chat.Store = (*memStore)(nil)

func newMemStore(users map[int64]string) *memStore {
	return &memStore{
		users:       users,
		rooms:       make(map[string]*chat.Room),
		invites:     make(map[string]map[int64]bool),
		memberships: make(map[string]map[int64]time.Time),
		messages:    make(map[int64]*chat.Message),
	}
}

func (s *memStore) CreateMessage(_ context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	msg.CreatedAt = time.Now()
	cp := *msg
	s.messages[msg.ID] = &cp
	s.order = append(s.order, msg.ID)
	return nil
}

func (s *memStore) UpdateMessage(_ context.Context, id int64, content string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted {
		return apperr.NotFound("message %d not found", id)
	}
	m.Content = content
	m.EditedAt = &editedAt
	return nil
}

func (s *memStore) DeleteMessage(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted {
		return apperr.NotFound("message %d not found", id)
	}
	m.Deleted = true
	m.Content = ""
	return nil
}

func (s *memStore) GetMessage(_ context.Context, id int64) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message %d not found", id)
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) RecentMessages(_ context.Context, roomID string, limit int) ([]*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*chat.Message
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[s.order[i]]
		if m.RoomID == roomID && !m.Deleted {
			cp := *m
			out = append([]*chat.Message{&cp}, out...)
		}
	}
	return out, nil
}

func (s *memStore) CountRecentMessages(_ context.Context, userID int64, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	since := time.Now().Add(-window)
	n := 0
	for _, m := range s.messages {
		if m.SenderID == userID && m.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) RateLimitResetIn(_ context.Context, userID int64, window time.Duration, limit int) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var times []time.Time
	for _, m := range s.messages {
		if m.SenderID == userID && m.CreatedAt.After(now.Add(-window)) {
			times = append(times, m.CreatedAt)
		}
	}
	if limit < 1 || len(times) < limit {
		return 0, nil
	}
	slices.SortFunc(times, func(a, b time.Time) int { return b.Compare(a) })
	return times[limit-1].Add(window).Sub(now), nil
}

func (s *memStore) CreateMembership(_ context.Context, userID int64, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memberships[roomID] == nil {
		s.memberships[roomID] = make(map[int64]time.Time)
	}
	if _, ok := s.memberships[roomID][userID]; !ok {
		s.memberships[roomID][userID] = time.Now()
	}
	return nil
}

func (s *memStore) DeleteMembership(_ context.Context, userID int64, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships[roomID], userID)
	return nil
}

func (s *memStore) ListMemberships(_ context.Context) ([]room.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []room.Membership
	for roomID, members := range s.memberships {
		for uid, at := range members {
			out = append(out, room.Membership{UserID: uid, RoomID: roomID, JoinedAt: at})
		}
	}
	return out, nil
}

func (s *memStore) CreateRoom(_ context.Context, r *chat.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[r.ID]; ok {
		return apperr.Validation("room %s already exists", r.ID)
	}
	cp := *r
	s.rooms[r.ID] = &cp
	return nil
}

func (s *memStore) GetRoom(_ context.Context, roomID string) (*chat.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, apperr.NotFound("room %s not found", roomID)
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return apperr.NotFound("room %s not found", roomID)
	}
	delete(s.rooms, roomID)
	delete(s.memberships, roomID)
	delete(s.invites, roomID)
	return nil
}

func (s *memStore) CreateInvite(_ context.Context, roomID string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invites[roomID] == nil {
		s.invites[roomID] = make(map[int64]bool)
	}
	s.invites[roomID][userID] = true
	return nil
}

func (s *memStore) IsInvited(_ context.Context, roomID string, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invites[roomID][userID], nil
}

func (s *memStore) UserExists(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok, nil
}

func (s *memStore) Usernames(_ context.Context, userIDs []int64) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make(map[int64]string, len(userIDs))
	for _, id := range userIDs {
		if name, ok := s.users[id]; ok {
			names[id] = name
		}
	}
	return names, nil
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}
