package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"realtime-chat/internal/room"
	"realtime-chat/internal/session"
)

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) Deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return true
}

func (s *frameSink) Close() {}

func TestRedisRelay(t *testing.T) {
	newRelay := func() (*RedisRelay, *frameSink) {
		sessions := session.NewRegistry()
		sink := &frameSink{}
		sessions.Register(session.Identity{UserID: 7, Username: "gina"}, sink)
		return NewRedisRelay(nil, sessions, room.NewTracker(), zap.NewNop()), sink
	}

	t.Run("should queue frames stamped with its origin", func(t *testing.T) {
		req := require.New(t)
		r, _ := newRelay()

		r.Publish([]int64{7, 8}, []byte(`{"event":"pong"}`))

		env := <-r.queue
		req.Equal(r.origin, env.Origin)
		req.Equal([]int64{7, 8}, env.UserIDs)
		req.JSONEq(`{"event":"pong"}`, string(env.Frame))
	})

	t.Run("should deliver frames from other instances to local sessions", func(t *testing.T) {
		req := require.New(t)
		r, sink := newRelay()
		payload, err := json.Marshal(envelope{Origin: "other", UserIDs: []int64{7, 9}, Frame: []byte(`{"event":"pong"}`)})
		req.NoError(err)

		r.receive(payload)

		req.Len(sink.frames, 1)
		req.JSONEq(`{"event":"pong"}`, string(sink.frames[0]))
	})

	t.Run("should ignore its own frames", func(t *testing.T) {
		req := require.New(t)
		r, sink := newRelay()
		payload, err := json.Marshal(envelope{Origin: r.origin, UserIDs: []int64{7}, Frame: []byte(`{"event":"pong"}`)})
		req.NoError(err)

		r.receive(payload)
		r.receive([]byte("not json"))

		req.Empty(sink.frames)
	})

	t.Run("should drop frames when the queue is full", func(t *testing.T) {
		req := require.New(t)
		r, _ := newRelay()
		for i := 0; i < relayQueueLength+5; i++ {
			r.Publish([]int64{7}, []byte(`{}`))
		}
		req.Len(r.queue, relayQueueLength)
	})
}

// instance is one server's view of membership, wired the way main wires it.
type instance struct {
	rooms  *room.Tracker
	relay  *RedisRelay
	fanout *Fanout
}

func newInstance() *instance {
	sessions := session.NewRegistry()
	rooms := room.NewTracker()
	relay := NewRedisRelay(nil, sessions, rooms, zap.NewNop())
	rooms.Observe(relay.PublishChange)
	return &instance{
		rooms:  rooms,
		relay:  relay,
		fanout: NewFanout(sessions, rooms, zap.NewNop()).WithRelay(relay),
	}
}

// forward hands everything from's relay queued to to's relay, as Redis would.
func forward(t *testing.T, from, to *instance) {
	t.Helper()
	for {
		select {
		case env := <-from.relay.queue:
			payload, err := json.Marshal(env)
			require.NoError(t, err)
			to.relay.receive(payload)
		default:
			return
		}
	}
}

func TestRedisRelay_SharesMembership(t *testing.T) {
	t.Run("should let a member who joined elsewhere send here", func(t *testing.T) {
		req := require.New(t)
		a, b := newInstance(), newInstance()
		store := &countingStore{}
		d := NewDispatcher(store, b.rooms, noTyping{}, b.fanout, DefaultLimits(), zap.NewNop())

		a.rooms.Join(1, "R")
		forward(t, a, b)

		_, err := d.Send(context.Background(), session.Identity{UserID: 1, Username: "alice"}, Target{RoomID: "R"}, "hi")
		req.NoError(err)
		req.Equal(1, store.created)
	})

	t.Run("should include members who joined elsewhere in the audience", func(t *testing.T) {
		req := require.New(t)
		a, b := newInstance(), newInstance()

		a.rooms.Join(1, "R")
		b.rooms.Join(2, "R")
		forward(t, a, b)
		forward(t, b, a)

		req.ElementsMatch([]int64{1, 2}, a.fanout.Audience("R"))
		req.ElementsMatch([]int64{1, 2}, b.fanout.Audience("R"))
	})

	t.Run("should replay leaves and room removals", func(t *testing.T) {
		req := require.New(t)
		a, b := newInstance(), newInstance()
		a.rooms.Join(1, "R")
		a.rooms.Join(2, "R")
		a.rooms.Join(1, "S")
		forward(t, a, b)

		a.rooms.Leave(1, "S")
		a.rooms.RemoveRoom("R")
		forward(t, a, b)

		req.Empty(b.rooms.RoomsOf(1))
		req.Empty(b.rooms.MembersOf("R"))
	})

	t.Run("should not echo replayed changes", func(t *testing.T) {
		req := require.New(t)
		a, b := newInstance(), newInstance()

		a.rooms.Join(1, "R")
		forward(t, a, b)

		req.Empty(b.relay.queue)
	})
}

type noTyping struct{}

func (noTyping) Clear(string, int64) bool { return false }

// countingStore accepts every message and counts nothing else.
type countingStore struct {
	Store
	created int
}

func (s *countingStore) CountRecentMessages(context.Context, int64, time.Duration) (int, error) {
	return 0, nil
}

func (s *countingStore) CreateMessage(_ context.Context, m *Message) error {
	s.created++
	m.ID = int64(s.created)
	m.CreatedAt = time.Now()
	return nil
}
