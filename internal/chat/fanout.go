package chat

import (
	"github.com/samber/lo"
	"go.uber.org/zap"

	"realtime-chat/internal/presence"
	"realtime-chat/internal/protocol"
	"realtime-chat/internal/room"
	"realtime-chat/internal/session"
)

// Relay forwards frames to the sessions of other server instances.
type Relay interface {
	Publish(userIDs []int64, frame []byte)
}

// Fanout resolves who should see an event and pushes the encoded frame to
// every live connection of those users. It is the presence and typing
// notifier as well as the dispatcher's broadcaster.
type Fanout struct {
	sessions *session.Registry
	rooms    *room.Tracker
	relay    Relay
	log      *zap.Logger
}

func NewFanout(sessions *session.Registry, rooms *room.Tracker, log *zap.Logger) *Fanout {
	return &Fanout{
		sessions: sessions,
		rooms:    rooms,
		log:      log.With(zap.String("component", "fanout")),
	}
}

// WithRelay also publishes every frame to the other instances.
func (f *Fanout) WithRelay(r Relay) *Fanout {
	f.relay = r
	return f
}

// Audience returns the users that receive events of roomID. The two
// participants of a direct conversation always do, tracked or not.
func (f *Fanout) Audience(roomID string) []int64 {
	if a, b, ok := room.Participants(roomID); ok {
		return lo.Uniq([]int64{a, b})
	}
	return f.rooms.MembersOf(roomID)
}

// ToUsers delivers frame to every connection of every listed user.
func (f *Fanout) ToUsers(userIDs []int64, frame []byte) {
	userIDs = lo.Uniq(userIDs)
	f.deliver(userIDs, frame)
	if f.relay != nil && len(userIDs) > 0 {
		f.relay.Publish(userIDs, frame)
	}
}

// ToRoom delivers frame to the audience of roomID.
func (f *Fanout) ToRoom(roomID string, frame []byte) {
	f.ToUsers(f.Audience(roomID), frame)
}

// deliver only reaches sessions held by this instance.
func (f *Fanout) deliver(userIDs []int64, frame []byte) {
	for _, uid := range userIDs {
		for _, c := range f.sessions.ConnectionsFor(uid) {
			if !c.Deliver(frame) {
				f.log.Debug("frame dropped", zap.Int64("user_id", uid))
			}
		}
	}
}

// StatusChanged implements presence.Notifier.
func (f *Fanout) StatusChanged(userID int64, status presence.Status) {
	var audience []int64
	for _, roomID := range f.rooms.RoomsOf(userID) {
		audience = append(audience, f.Audience(roomID)...)
	}
	audience = lo.Without(lo.Uniq(audience), userID)
	if len(audience) == 0 {
		return
	}
	f.ToUsers(audience, protocol.MustEncode(protocol.UserStatusChanged, protocol.StatusPayload{
		UserID: userID,
		Status: string(status),
	}))
}

// TypingChanged implements typing.Notifier. The typist is not told about
// their own indicator.
func (f *Fanout) TypingChanged(roomID string, userID int64, username string, typing bool) {
	audience := lo.Without(f.Audience(roomID), userID)
	if len(audience) == 0 {
		return
	}
	f.ToUsers(audience, protocol.MustEncode(protocol.TypingIndicator, protocol.TypingPayload{
		UserID:   userID,
		Username: username,
		RoomID:   roomID,
		IsTyping: typing,
	}))
}
