package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/protocol"
	"realtime-chat/internal/room"
	"realtime-chat/internal/session"
)

// RoomClearer drops the typing state of a deleted room.
type RoomClearer interface {
	ClearRoom(roomID string)
}

// Rooms owns the room directory: creation, deletion, invitations and the
// join policy that goes with them.
type Rooms struct {
	store  Store
	rooms  *room.Tracker
	typing RoomClearer
	fanout *Fanout
	log    *zap.Logger
}

func NewRooms(store Store, rooms *room.Tracker, typing RoomClearer, fanout *Fanout, log *zap.Logger) *Rooms {
	return &Rooms{
		store:  store,
		rooms:  rooms,
		typing: typing,
		fanout: fanout,
		log:    log.With(zap.String("component", "rooms")),
	}
}

type CreateRoomRequest struct {
	ID      string `json:"id" validate:"omitempty,max=128,excludes=:"`
	Name    string `json:"name" validate:"required,max=100"`
	Private bool   `json:"private"`
}

// Create adds a room owned by the caller, who also becomes its first member.
func (s *Rooms) Create(ctx context.Context, owner session.Identity, req CreateRoomRequest) (*Room, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	r := &Room{
		ID:        id,
		Name:      strings.TrimSpace(req.Name),
		OwnerID:   owner.UserID,
		Private:   req.Private,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRoom(ctx, r); err != nil {
		return nil, persistenceError("create room", err)
	}
	if err := s.store.CreateMembership(ctx, owner.UserID, r.ID); err != nil {
		return nil, persistenceError("join room", err)
	}
	s.rooms.Join(owner.UserID, r.ID)
	s.log.Info("room created", zap.String("room_id", r.ID), zap.Int64("owner_id", owner.UserID))
	return r, nil
}

// Delete removes the room with all of its memberships and typing state.
// Only the owner may delete a room.
func (s *Rooms) Delete(ctx context.Context, caller session.Identity, roomID string) error {
	r, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if r.OwnerID != caller.UserID {
		return apperr.Authorization("only the owner can delete room %s", roomID)
	}
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		return persistenceError("delete room", err)
	}
	former := s.rooms.RemoveRoom(roomID)
	s.typing.ClearRoom(roomID)

	// The room is gone either way; a failed lookup only costs the names.
	names, err := s.store.Usernames(ctx, former)
	if err != nil {
		s.log.Warn("load usernames", zap.String("room_id", roomID), zap.Error(err))
	}

	// Tell the former members they are out, in one frame each.
	for _, uid := range former {
		s.fanout.ToUsers([]int64{uid}, protocol.MustEncode(protocol.UserLeft, protocol.MembershipPayload{
			UserID:   uid,
			Username: names[uid],
			RoomID:   roomID,
		}))
	}
	s.log.Info("room deleted", zap.String("room_id", roomID), zap.Int("members", len(former)))
	return nil
}

// Invite lets userID join a private room. Only the owner may invite.
func (s *Rooms) Invite(ctx context.Context, caller session.Identity, roomID string, userID int64) error {
	r, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if r.OwnerID != caller.UserID {
		return apperr.Authorization("only the owner can invite to room %s", roomID)
	}
	ok, err := s.store.UserExists(ctx, userID)
	if err != nil {
		return persistenceError("look up user", err)
	}
	if !ok {
		return apperr.NotFound("user %d not found", userID)
	}
	if err := s.store.CreateInvite(ctx, roomID, userID); err != nil {
		return persistenceError("invite", err)
	}
	return nil
}

// StartConversation makes both users members of their direct room and
// returns its id. Sending the first message does the same implicitly.
func (s *Rooms) StartConversation(ctx context.Context, caller session.Identity, peer int64) (string, error) {
	if peer == caller.UserID {
		return "", apperr.Validation("cannot start a conversation with yourself")
	}
	ok, err := s.store.UserExists(ctx, peer)
	if err != nil {
		return "", persistenceError("look up user", err)
	}
	if !ok {
		return "", apperr.NotFound("user %d not found", peer)
	}
	roomID := room.DirectID(caller.UserID, peer)
	for _, uid := range []int64{caller.UserID, peer} {
		if s.rooms.IsMember(uid, roomID) {
			continue
		}
		if err := s.store.CreateMembership(ctx, uid, roomID); err != nil {
			return "", persistenceError("start conversation", err)
		}
		s.rooms.Join(uid, roomID)
	}
	return roomID, nil
}

// CanJoin applies the join policy: public rooms are open, private rooms
// admit their owner and invited users, direct rooms their two participants.
func (s *Rooms) CanJoin(ctx context.Context, userID int64, roomID string) error {
	if err := checkRoomID(roomID); err != nil {
		return err
	}
	if a, b, ok := room.Participants(roomID); ok {
		if userID != a && userID != b {
			return apperr.Authorization("not a participant of %s", roomID)
		}
		return nil
	}
	r, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !r.Private || r.OwnerID == userID {
		return nil
	}
	invited, err := s.store.IsInvited(ctx, roomID, userID)
	if err != nil {
		return persistenceError("check invitation", err)
	}
	if !invited {
		return apperr.Authorization("room %s is private", roomID)
	}
	return nil
}
