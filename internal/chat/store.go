package chat

import (
	"context"
	"time"

	"realtime-chat/internal/room"
)

//go:generate mockgen -destination=mocks/store.go -package=mocks realtime-chat/internal/chat Store

// Store is the persistence surface the chat core depends on. Implementations
// return apperr.ErrNotFound for missing rows and apperr.ErrPersistence for
// every other failure; callers never look at driver errors.
type Store interface {
	CreateMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, id int64, content string, editedAt time.Time) error
	DeleteMessage(ctx context.Context, id int64) error
	GetMessage(ctx context.Context, id int64) (*Message, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]*Message, error)
	CountRecentMessages(ctx context.Context, userID int64, window time.Duration) (int, error)
	// RateLimitResetIn is how long until userID has fewer than limit
	// messages within window.
	RateLimitResetIn(ctx context.Context, userID int64, window time.Duration, limit int) (time.Duration, error)

	CreateMembership(ctx context.Context, userID int64, roomID string) error
	DeleteMembership(ctx context.Context, userID int64, roomID string) error
	ListMemberships(ctx context.Context) ([]room.Membership, error)

	CreateRoom(ctx context.Context, r *Room) error
	GetRoom(ctx context.Context, roomID string) (*Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
	CreateInvite(ctx context.Context, roomID string, userID int64) error
	IsInvited(ctx context.Context, roomID string, userID int64) (bool, error)

	UserExists(ctx context.Context, userID int64) (bool, error)
	Usernames(ctx context.Context, userIDs []int64) (map[int64]string, error)
}
