package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror stores the latest record of each user in a Redis hash
// "presence:<userId>" with fields status and last_seen (unix millis).
// Offline records expire after ttl so the keyspace does not grow forever.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

func mirrorKey(userID int64) string {
	return fmt.Sprintf("presence:%d", userID)
}

func (m *RedisMirror) Save(ctx context.Context, rec Record) error {
	key := mirrorKey(rec.UserID)
	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, key, "status", string(rec.Status), "last_seen", rec.LastSeen.UnixMilli())
	if rec.Status == Offline && m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	} else {
		pipe.Persist(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror presence %d: %w", rec.UserID, err)
	}
	return nil
}

// Load reads a mirrored record back.
func (m *RedisMirror) Load(ctx context.Context, userID int64) (Record, error) {
	vals, err := m.rdb.HGetAll(ctx, mirrorKey(userID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("load presence %d: %w", userID, err)
	}
	rec := Record{UserID: userID, Status: Offline}
	if s, ok := vals["status"]; ok {
		rec.Status = Status(s)
	}
	if ms, ok := vals["last_seen"]; ok {
		var n int64
		if _, err := fmt.Sscan(ms, &n); err == nil {
			rec.LastSeen = time.UnixMilli(n)
		}
	}
	return rec, nil
}
