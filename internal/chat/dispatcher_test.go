package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/chat/mocks"
	"realtime-chat/internal/protocol"
	"realtime-chat/internal/room"
	"realtime-chat/internal/session"
)

type sent struct {
	RoomID string
	Frame  protocol.Frame
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	frames []sent
}

func (b *fakeBroadcaster) ToRoom(roomID string, frame []byte) {
	var f protocol.Frame
	_ = json.Unmarshal(frame, &f)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, sent{RoomID: roomID, Frame: f})
}

func (b *fakeBroadcaster) all() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.frames...)
}

type fakeTyping struct {
	mu      sync.Mutex
	cleared []string
}

func (t *fakeTyping) Clear(roomID string, _ int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleared = append(t.cleared, roomID)
	return true
}

var (
	alice = session.Identity{UserID: 1, Username: "alice"}
	bob   = session.Identity{UserID: 2, Username: "bob"}
)

type dispatcherFixture struct {
	store     *mocks.MockStore
	rooms     *room.Tracker
	typing    *fakeTyping
	broadcast *fakeBroadcaster
	d         *chat.Dispatcher
}

func newDispatcherFixture(t *testing.T, limits chat.Limits) *dispatcherFixture {
	ctrl := gomock.NewController(t)
	f := &dispatcherFixture{
		store:     mocks.NewMockStore(ctrl),
		rooms:     room.NewTracker(),
		typing:    &fakeTyping{},
		broadcast: &fakeBroadcaster{},
	}
	f.d = chat.NewDispatcher(f.store, f.rooms, f.typing, f.broadcast, limits, zap.NewNop())
	return f
}

func TestDispatcher_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist and broadcast when sender is a member", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())
		f.rooms.Join(alice.UserID, "R1")

		// Given
		f.store.EXPECT().CountRecentMessages(gomock.Any(), alice.UserID, time.Minute).Return(0, nil)
		f.store.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, m *chat.Message) error {
				m.ID = 7
				m.CreatedAt = time.Now()
				return nil
			})

		// When
		msg, err := f.d.Send(ctx, alice, chat.Target{RoomID: "R1"}, "  hi  ")

		// Then
		req.NoError(err)
		req.Equal(int64(7), msg.ID)
		req.Equal("hi", msg.Content)
		req.Equal([]string{"R1"}, f.typing.cleared)

		frames := f.broadcast.all()
		req.Len(frames, 1)
		req.Equal(protocol.MessageReceived, frames[0].Frame.Event)
		var p protocol.MessagePayload
		req.NoError(json.Unmarshal(frames[0].Frame.Data, &p))
		req.Equal("hi", p.Content)
		req.Equal("alice", p.SenderName)
	})

	t.Run("should reject empty and oversized content without touching the store", func(t *testing.T) {
		req := require.New(t)
		limits := chat.DefaultLimits()
		limits.MaxMessageLength = 5
		f := newDispatcherFixture(t, limits)
		f.rooms.Join(alice.UserID, "R1")

		_, err := f.d.Send(ctx, alice, chat.Target{RoomID: "R1"}, "   ")
		req.ErrorIs(err, apperr.ErrValidation)

		_, err = f.d.Send(ctx, alice, chat.Target{RoomID: "R1"}, "123456")
		req.ErrorIs(err, apperr.ErrValidation)

		// Five runes, more than five bytes
		f.store.EXPECT().CountRecentMessages(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil)
		f.store.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(nil)
		_, err = f.d.Send(ctx, alice, chat.Target{RoomID: "R1"}, "héllo")
		req.NoError(err)
	})

	t.Run("should refuse non members", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())

		_, err := f.d.Send(ctx, alice, chat.Target{RoomID: "R1"}, "hi")

		req.ErrorIs(err, apperr.ErrAuthorization)
		req.Empty(f.broadcast.all())
	})

	t.Run("should rate limit without persisting or broadcasting", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())
		f.rooms.Join(alice.UserID, "R1")

		f.store.EXPECT().CountRecentMessages(gomock.Any(), alice.UserID, time.Minute).Return(30, nil)
		f.store.EXPECT().RateLimitResetIn(gomock.Any(), alice.UserID, time.Minute, 30).Return(12*time.Second, nil)
		f.store.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Times(0)

		_, err := f.d.Send(ctx, alice, chat.Target{RoomID: "R1"}, "hi")

		req.ErrorIs(err, apperr.ErrRateLimit)
		var ae *apperr.Error
		req.True(errors.As(err, &ae))
		req.Equal(12*time.Second, ae.RetryAfter)
		req.Empty(f.broadcast.all())
		req.Empty(f.typing.cleared)
	})

	t.Run("should bound the retry hint by the window", func(t *testing.T) {
		for name, tc := range map[string]struct {
			reset time.Duration
			err   error
			want  time.Duration
		}{
			"store failure": {err: errors.New("down"), want: time.Minute},
			"past reset":    {reset: -time.Second, want: time.Millisecond},
			"clock skew":    {reset: 2 * time.Minute, want: time.Minute},
		} {
			t.Run(name, func(t *testing.T) {
				req := require.New(t)
				f := newDispatcherFixture(t, chat.DefaultLimits())
				f.rooms.Join(alice.UserID, "R1")
				f.store.EXPECT().CountRecentMessages(gomock.Any(), gomock.Any(), gomock.Any()).Return(31, nil)
				f.store.EXPECT().RateLimitResetIn(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(tc.reset, tc.err)

				_, err := f.d.Send(ctx, alice, chat.Target{RoomID: "R1"}, "hi")

				var ae *apperr.Error
				req.True(errors.As(err, &ae))
				req.Equal(apperr.KindRateLimit, ae.Kind)
				req.Equal(tc.want, ae.RetryAfter)
			})
		}
	})

	t.Run("should not broadcast when persistence fails", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())
		f.rooms.Join(alice.UserID, "R1")

		f.store.EXPECT().CountRecentMessages(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil)
		f.store.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(errors.New("connection reset"))

		_, err := f.d.Send(ctx, alice, chat.Target{RoomID: "R1"}, "hi")

		req.ErrorIs(err, apperr.ErrPersistence)
		req.Empty(f.broadcast.all())
	})

	t.Run("should start a direct conversation on first message", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())
		dm := room.DirectID(alice.UserID, bob.UserID)

		f.store.EXPECT().UserExists(gomock.Any(), bob.UserID).Return(true, nil)
		f.store.EXPECT().CountRecentMessages(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil)
		f.store.EXPECT().CreateMembership(gomock.Any(), alice.UserID, dm).Return(nil)
		f.store.EXPECT().CreateMembership(gomock.Any(), bob.UserID, dm).Return(nil)
		f.store.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(nil)

		msg, err := f.d.Send(ctx, alice, chat.Target{ReceiverID: bob.UserID}, "hey")

		req.NoError(err)
		req.Equal(dm, msg.RoomID)
		req.NotNil(msg.ReceiverID)
		req.Equal(bob.UserID, *msg.ReceiverID)
		req.ElementsMatch([]int64{alice.UserID, bob.UserID}, f.rooms.MembersOf(dm))
	})

	t.Run("should return not found for an unknown receiver", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())

		f.store.EXPECT().UserExists(gomock.Any(), int64(99)).Return(false, nil)

		_, err := f.d.Send(ctx, alice, chat.Target{ReceiverID: 99}, "hey")

		req.ErrorIs(err, apperr.ErrNotFound)
	})

	t.Run("should refuse a direct room the sender is not part of", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())

		_, err := f.d.Send(ctx, alice, chat.Target{RoomID: room.DirectID(2, 3)}, "hey")

		req.ErrorIs(err, apperr.ErrAuthorization)
	})

	t.Run("should refuse other spellings of a conversation id", func(t *testing.T) {
		for _, id := range []string{"dm:2:1", "dm:1:2x", "dm:01:2", "dm:1:1", "dm:x"} {
			t.Run(id, func(t *testing.T) {
				req := require.New(t)
				// No store expectations: nothing may be persisted.
				f := newDispatcherFixture(t, chat.DefaultLimits())

				_, err := f.d.Send(ctx, alice, chat.Target{RoomID: id}, "hey")

				req.ErrorIs(err, apperr.ErrValidation)
				req.Empty(f.broadcast.all())
				req.Empty(f.rooms.RoomsOf(bob.UserID))
			})
		}
	})

	t.Run("should keep one conversation per pair whichever way it is addressed", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())
		dm := room.DirectID(bob.UserID, alice.UserID)

		f.store.EXPECT().UserExists(gomock.Any(), gomock.Any()).Return(true, nil).Times(3)
		f.store.EXPECT().CountRecentMessages(gomock.Any(), gomock.Any(), gomock.Any()).Return(0, nil).Times(3)
		f.store.EXPECT().CreateMembership(gomock.Any(), gomock.Any(), dm).Return(nil).Times(2)
		f.store.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).Return(nil).Times(3)

		for _, tc := range []struct {
			from   session.Identity
			target chat.Target
		}{
			{alice, chat.Target{ReceiverID: bob.UserID}},
			{bob, chat.Target{ReceiverID: alice.UserID}},
			{bob, chat.Target{RoomID: "dm:1:2"}},
		} {
			msg, err := f.d.Send(ctx, tc.from, tc.target, "hey")
			req.NoError(err)
			req.Equal("dm:1:2", msg.RoomID)
		}
		req.Equal([]string{"dm:1:2"}, f.rooms.RoomsOf(bob.UserID))
	})
}

func TestDispatcher_EditAndDelete(t *testing.T) {
	ctx := context.Background()
	recent := func() *chat.Message {
		return &chat.Message{ID: 5, Content: "hi", SenderID: alice.UserID, SenderName: "alice", RoomID: "R1", CreatedAt: time.Now()}
	}

	t.Run("should edit and broadcast an update", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())
		f.rooms.Join(alice.UserID, "R1")

		f.store.EXPECT().GetMessage(gomock.Any(), int64(5)).Return(recent(), nil).Times(2)
		f.store.EXPECT().UpdateMessage(gomock.Any(), int64(5), "hello", gomock.Any()).Return(nil)

		msg, err := f.d.Edit(ctx, alice, 5, "hello")

		req.NoError(err)
		req.Equal("hello", msg.Content)
		req.NotNil(msg.EditedAt)
		frames := f.broadcast.all()
		req.Len(frames, 1)
		req.Equal(protocol.MessageUpdated, frames[0].Frame.Event)
	})

	t.Run("should return not found for a missing message", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())

		f.store.EXPECT().GetMessage(gomock.Any(), int64(5)).Return(nil, apperr.NotFound("message 5 not found"))

		_, err := f.d.Delete(ctx, alice, 5)

		req.ErrorIs(err, apperr.ErrNotFound)
	})

	t.Run("should refuse edits by someone else", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())
		f.rooms.Join(bob.UserID, "R1")

		f.store.EXPECT().GetMessage(gomock.Any(), int64(5)).Return(recent(), nil).Times(2)
		f.store.EXPECT().UpdateMessage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

		_, err := f.d.Edit(ctx, bob, 5, "mine now")

		req.ErrorIs(err, apperr.ErrAuthorization)
		req.NotErrorIs(err, apperr.ErrNotFound)
	})

	t.Run("should refuse edits after the edit window", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())
		f.rooms.Join(alice.UserID, "R1")
		old := recent()
		old.CreatedAt = time.Now().Add(-time.Hour)

		f.store.EXPECT().GetMessage(gomock.Any(), int64(5)).Return(old, nil).Times(2)

		_, err := f.d.Edit(ctx, alice, 5, "late")

		req.ErrorIs(err, apperr.ErrValidation)
		req.Empty(f.broadcast.all())
	})

	t.Run("should treat a deleted message as not found", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())
		f.rooms.Join(alice.UserID, "R1")
		gone := recent()
		gone.Deleted = true

		f.store.EXPECT().GetMessage(gomock.Any(), int64(5)).Return(gone, nil).Times(2)

		_, err := f.d.Delete(ctx, alice, 5)

		req.ErrorIs(err, apperr.ErrNotFound)
	})

	t.Run("should refuse members who left the room", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())

		f.store.EXPECT().GetMessage(gomock.Any(), int64(5)).Return(recent(), nil).Times(2)

		_, err := f.d.Delete(ctx, alice, 5)

		req.ErrorIs(err, apperr.ErrAuthorization)
	})

	t.Run("should delete and broadcast the tombstone", func(t *testing.T) {
		req := require.New(t)
		f := newDispatcherFixture(t, chat.DefaultLimits())
		f.rooms.Join(alice.UserID, "R1")

		f.store.EXPECT().GetMessage(gomock.Any(), int64(5)).Return(recent(), nil).Times(2)
		f.store.EXPECT().DeleteMessage(gomock.Any(), int64(5)).Return(nil)

		msg, err := f.d.Delete(ctx, alice, 5)

		req.NoError(err)
		req.True(msg.Deleted)
		frames := f.broadcast.all()
		req.Len(frames, 1)
		req.Equal(protocol.MessageDeleted, frames[0].Frame.Event)
		var p protocol.MessageDeletedPayload
		req.NoError(json.Unmarshal(frames[0].Frame.Data, &p))
		req.Equal(protocol.MessageDeletedPayload{MessageID: 5, RoomID: "R1"}, p)
	})
}

// Concurrent sends to one room are broadcast in the order they were
// persisted.
func TestDispatcher_PerRoomOrder(t *testing.T) {
	req := require.New(t)
	store := newMemStore(map[int64]string{1: "alice", 2: "bob"})
	rooms := room.NewTracker()
	rooms.Join(1, "R1")
	rooms.Join(2, "R1")
	b := &fakeBroadcaster{}
	limits := chat.DefaultLimits()
	limits.RateLimit = 0
	d := chat.NewDispatcher(store, rooms, &fakeTyping{}, b, limits, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			who := alice
			if i%2 == 1 {
				who = bob
			}
			_, err := d.Send(context.Background(), who, chat.Target{RoomID: "R1"}, strings.Repeat("x", i+1))
			req.NoError(err)
		}(i)
	}
	wg.Wait()

	frames := b.all()
	req.Len(frames, 50)
	var last int64
	for _, f := range frames {
		var p protocol.MessagePayload
		req.NoError(json.Unmarshal(f.Frame.Data, &p))
		req.Greater(p.ID, last)
		last = p.ID
	}
}

func TestDispatcher_History(t *testing.T) {
	req := require.New(t)
	f := newDispatcherFixture(t, chat.DefaultLimits())

	_, err := f.d.History(context.Background(), alice, "R1", 10)
	req.ErrorIs(err, apperr.ErrAuthorization)

	_, err = f.d.History(context.Background(), alice, "dm:2:1", 10)
	req.ErrorIs(err, apperr.ErrValidation)

	f.rooms.Join(alice.UserID, "R1")
	f.store.EXPECT().RecentMessages(gomock.Any(), "R1", 200).Return([]*chat.Message{{ID: 1}}, nil)

	msgs, err := f.d.History(context.Background(), alice, "R1", 1000)
	req.NoError(err)
	req.Len(msgs, 1)
}
