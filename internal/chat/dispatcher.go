package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/protocol"
	"realtime-chat/internal/room"
	"realtime-chat/internal/session"
)

const (
	DefaultMaxMessageLength = 4000
	DefaultEditWindow       = 15 * time.Minute
	DefaultRateLimit        = 30
	DefaultRateWindow       = time.Minute
	defaultHistoryLimit     = 50
	maxHistoryLimit         = 200
)

type Limits struct {
	MaxMessageLength int
	EditWindow       time.Duration
	RateLimit        int
	RateWindow       time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageLength: DefaultMaxMessageLength,
		EditWindow:       DefaultEditWindow,
		RateLimit:        DefaultRateLimit,
		RateWindow:       DefaultRateWindow,
	}
}

// Broadcaster delivers an encoded frame to the audience of a room.
type Broadcaster interface {
	ToRoom(roomID string, frame []byte)
}

// TypingClearer ends a typing period as a side effect of a send.
type TypingClearer interface {
	Clear(roomID string, userID int64) bool
}

// Dispatcher validates, persists and fans out messages. All work on one
// target happens under that target's lock, so every member sees the
// messages of a room in the order they were persisted.
//
// The rate limit is counted from the store inside the target lock. Two
// sends by one user to different targets can race past the limit by one
// message each.
type Dispatcher struct {
	store     Store
	rooms     *room.Tracker
	typing    TypingClearer
	broadcast Broadcaster
	locks     *targetLocks
	limits    Limits
	log       *zap.Logger
	now       func() time.Time
}

func NewDispatcher(store Store, rooms *room.Tracker, typing TypingClearer, broadcast Broadcaster, limits Limits, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		rooms:     rooms,
		typing:    typing,
		broadcast: broadcast,
		locks:     newTargetLocks(),
		limits:    limits,
		log:       log.With(zap.String("component", "dispatcher")),
		now:       time.Now,
	}
}

// Send delivers content from id to target.
func (d *Dispatcher) Send(ctx context.Context, id session.Identity, target Target, content string) (*Message, error) {
	content, err := d.checkContent(content)
	if err != nil {
		return nil, err
	}
	roomID, receiver, direct, err := target.resolve(id.UserID)
	if err != nil {
		return nil, err
	}
	if roomID == "" {
		return nil, apperr.Validation("missing target")
	}

	unlock := d.locks.Lock(roomID)
	defer unlock()

	if direct {
		if err := d.authorizeDirect(ctx, id.UserID, receiver); err != nil {
			return nil, err
		}
	} else if !d.rooms.IsMember(id.UserID, roomID) {
		return nil, apperr.Authorization("not a member of room %s", roomID)
	}

	if err := d.checkRate(ctx, id.UserID); err != nil {
		return nil, err
	}

	if direct {
		if err := d.startConversation(ctx, roomID, id.UserID, receiver); err != nil {
			return nil, err
		}
	}

	msg := &Message{
		Content:    content,
		SenderID:   id.UserID,
		SenderName: id.Username,
		RoomID:     roomID,
	}
	if direct {
		msg.ReceiverID = &receiver
	}
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		d.log.Error("persist message", zap.String("room_id", roomID), zap.Int64("user_id", id.UserID), zap.Error(err))
		return nil, persistenceError("save message", err)
	}

	d.typing.Clear(roomID, id.UserID)
	d.broadcast.ToRoom(roomID, protocol.MustEncode(protocol.MessageReceived, msg.payload()))
	return msg, nil
}

// Edit replaces the content of a message owned by id.
func (d *Dispatcher) Edit(ctx context.Context, id session.Identity, messageID int64, content string) (*Message, error) {
	content, err := d.checkContent(content)
	if err != nil {
		return nil, err
	}
	return d.mutate(ctx, id, messageID, func(msg *Message) error {
		at := d.now()
		if err := d.store.UpdateMessage(ctx, msg.ID, content, at); err != nil {
			return persistenceError("update message", err)
		}
		msg.Content = content
		msg.EditedAt = &at
		d.broadcast.ToRoom(msg.RoomID, protocol.MustEncode(protocol.MessageUpdated, msg.payload()))
		return nil
	})
}

// Delete removes a message owned by id.
func (d *Dispatcher) Delete(ctx context.Context, id session.Identity, messageID int64) (*Message, error) {
	return d.mutate(ctx, id, messageID, func(msg *Message) error {
		if err := d.store.DeleteMessage(ctx, msg.ID); err != nil {
			return persistenceError("delete message", err)
		}
		msg.Deleted = true
		d.broadcast.ToRoom(msg.RoomID, protocol.MustEncode(protocol.MessageDeleted, protocol.MessageDeletedPayload{
			MessageID: msg.ID,
			RoomID:    msg.RoomID,
		}))
		return nil
	})
}

// mutate runs apply on a message after the ownership, membership and edit
// window checks, holding the lock of the message's target.
func (d *Dispatcher) mutate(ctx context.Context, id session.Identity, messageID int64, apply func(*Message) error) (*Message, error) {
	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	unlock := d.locks.Lock(msg.RoomID)
	defer unlock()

	// Reload under the lock; a concurrent delete may have won.
	msg, err = d.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Deleted {
		return nil, apperr.NotFound("message %d not found", messageID)
	}
	if msg.SenderID != id.UserID {
		return nil, apperr.Authorization("message %d belongs to another user", messageID)
	}
	if !d.canSee(id.UserID, msg.RoomID) {
		return nil, apperr.Authorization("not a member of room %s", msg.RoomID)
	}
	if d.now().Sub(msg.CreatedAt) > d.limits.EditWindow {
		return nil, apperr.Validation("message %d can no longer be changed", messageID)
	}

	if err := apply(msg); err != nil {
		d.log.Error("mutate message", zap.Int64("message_id", messageID), zap.Error(err))
		return nil, err
	}
	return msg, nil
}

// History returns the latest messages of roomID, oldest first.
func (d *Dispatcher) History(ctx context.Context, id session.Identity, roomID string, limit int) ([]*Message, error) {
	if roomID == "" {
		return nil, apperr.Validation("missing room id")
	}
	if err := checkRoomID(roomID); err != nil {
		return nil, err
	}
	if !d.canSee(id.UserID, roomID) {
		return nil, apperr.Authorization("not a member of room %s", roomID)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	msgs, err := d.store.RecentMessages(ctx, roomID, limit)
	if err != nil {
		return nil, persistenceError("load history", err)
	}
	return msgs, nil
}

func (d *Dispatcher) checkContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperr.Validation("message content is empty")
	}
	if n := utf8.RuneCountInString(content); n > d.limits.MaxMessageLength {
		return "", apperr.Validation("message is %d characters long, the limit is %d", n, d.limits.MaxMessageLength)
	}
	return content, nil
}

func (d *Dispatcher) checkRate(ctx context.Context, userID int64) error {
	if d.limits.RateLimit <= 0 {
		return nil
	}
	n, err := d.store.CountRecentMessages(ctx, userID, d.limits.RateWindow)
	if err != nil {
		return persistenceError("check rate limit", err)
	}
	if n < d.limits.RateLimit {
		return nil
	}
	return apperr.RateLimited(d.retryAfter(ctx, userID))
}

// retryAfter is when the oldest message holding userID over the limit leaves
// the window, bounded by the window itself.
func (d *Dispatcher) retryAfter(ctx context.Context, userID int64) time.Duration {
	window := d.limits.RateWindow
	wait, err := d.store.RateLimitResetIn(ctx, userID, window, d.limits.RateLimit)
	if err != nil {
		d.log.Warn("rate limit reset", zap.Int64("user_id", userID), zap.Error(err))
		return window
	}
	return min(max(wait, time.Millisecond), window)
}

func (d *Dispatcher) authorizeDirect(ctx context.Context, sender, receiver int64) error {
	if receiver == 0 {
		return apperr.Authorization("not a participant of this conversation")
	}
	if receiver == sender {
		return apperr.Validation("cannot message yourself")
	}
	ok, err := d.store.UserExists(ctx, receiver)
	if err != nil {
		return persistenceError("look up user", err)
	}
	if !ok {
		return apperr.NotFound("user %d not found", receiver)
	}
	return nil
}

// startConversation makes both participants members of the direct room on
// the first message between them.
func (d *Dispatcher) startConversation(ctx context.Context, roomID string, a, b int64) error {
	for _, uid := range []int64{a, b} {
		if d.rooms.IsMember(uid, roomID) {
			continue
		}
		if err := d.store.CreateMembership(ctx, uid, roomID); err != nil {
			return persistenceError("start conversation", err)
		}
		d.rooms.Join(uid, roomID)
	}
	return nil
}

// canSee reports whether userID may read and act on roomID. Participants of
// a direct conversation always can.
func (d *Dispatcher) canSee(userID int64, roomID string) bool {
	if a, b, ok := room.Participants(roomID); ok {
		return userID == a || userID == b
	}
	return d.rooms.IsMember(userID, roomID)
}

// persistenceError keeps classified store errors and wraps the rest.
func persistenceError(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Persistence(op, err)
}
