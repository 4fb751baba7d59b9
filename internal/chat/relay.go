package chat

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"realtime-chat/internal/room"
	"realtime-chat/internal/session"
)

const (
	RelayChannel     = "chat-events"
	relayQueueLength = 1024
)

// envelope carries either a frame for the listed users or a membership
// change for every instance's tracker.
type envelope struct {
	Origin  string          `json:"origin"`
	UserIDs []int64         `json:"userIds,omitempty"`
	Frame   json.RawMessage `json:"frame,omitempty"`
	Change  *room.Change    `json:"change,omitempty"`
}

// RedisRelay carries frames and membership changes between server instances
// over Redis pub/sub. Publishing is queued and done by one goroutine, so
// everything leaves this instance in the order it happened: a join is
// applied elsewhere before the frames that follow it. No order is promised
// between instances.
type RedisRelay struct {
	rdb      *redis.Client
	sessions *session.Registry
	rooms    *room.Tracker
	origin   string
	queue    chan envelope
	log      *zap.Logger
}

func NewRedisRelay(rdb *redis.Client, sessions *session.Registry, rooms *room.Tracker, log *zap.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:      rdb,
		sessions: sessions,
		rooms:    rooms,
		origin:   uuid.NewString(),
		queue:    make(chan envelope, relayQueueLength),
		log:      log.With(zap.String("component", "relay")),
	}
}

// Publish implements Relay. It never blocks; a full queue drops the frame.
func (r *RedisRelay) Publish(userIDs []int64, frame []byte) {
	select {
	case r.queue <- envelope{Origin: r.origin, UserIDs: userIDs, Frame: frame}:
	default:
		r.log.Warn("relay queue full, frame dropped", zap.Int("users", len(userIDs)))
	}
}

// PublishChange shares a local membership change with the other instances.
// It has the signature of room.Tracker.Observe and never blocks.
func (r *RedisRelay) PublishChange(c room.Change) {
	select {
	case r.queue <- envelope{Origin: r.origin, Change: &c}:
	default:
		r.log.Error("relay queue full, membership change dropped",
			zap.String("op", string(c.Op)), zap.String("room_id", c.RoomID), zap.Int64("user_id", c.UserID))
	}
}

// Run publishes queued frames and delivers frames from other instances to
// local sessions until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, RelayChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil

		case env := <-r.queue:
			payload, err := json.Marshal(env)
			if err != nil {
				r.log.Error("encode envelope", zap.Error(err))
				continue
			}
			if err := r.rdb.Publish(ctx, RelayChannel, payload).Err(); err != nil {
				r.log.Warn("publish failed", zap.Error(err))
			}

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.receive([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn("malformed envelope", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	if env.Change != nil {
		r.rooms.Apply(*env.Change)
		return
	}
	for _, uid := range env.UserIDs {
		for _, c := range r.sessions.ConnectionsFor(uid) {
			c.Deliver(env.Frame)
		}
	}
}
