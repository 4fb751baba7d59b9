package chat

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/room"
)

const uniqueViolation = "23505"

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

var _ Store = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (room_id, sender_id, receiver_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	err := r.db.QueryRowContext(ctx, query, msg.RoomID, msg.SenderID, msg.ReceiverID, msg.Content).
		Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return apperr.Persistence("save message", err)
	}
	return nil
}

func (r *Repository) UpdateMessage(ctx context.Context, id int64, content string, editedAt time.Time) error {
	query := "UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1 AND NOT deleted"
	res, err := r.db.ExecContext(ctx, query, id, content, editedAt)
	if err != nil {
		return apperr.Persistence("update message", err)
	}
	return expectRow(res, "message %d not found", id)
}

// DeleteMessage keeps a tombstone so ids stay stable in history.
func (r *Repository) DeleteMessage(ctx context.Context, id int64) error {
	query := "UPDATE messages SET deleted = TRUE, content = '' WHERE id = $1 AND NOT deleted"
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return apperr.Persistence("delete message", err)
	}
	return expectRow(res, "message %d not found", id)
}

const messageColumns = `
	m.id, m.content, m.sender_id, u.username, m.room_id, m.receiver_id,
	m.created_at, m.edited_at, m.deleted`

func (r *Repository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	query := `SELECT` + messageColumns + `
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.id = $1`
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("message %d not found", id)
	}
	if err != nil {
		return nil, apperr.Persistence("load message", err)
	}
	return msg, nil
}

// RecentMessages returns up to limit live messages of roomID, oldest first.
func (r *Repository) RecentMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	query := `SELECT` + messageColumns + `
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.room_id = $1 AND NOT m.deleted
		ORDER BY m.id DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, apperr.Persistence("load history", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.Persistence("load history", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("load history", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

// CountRecentMessages counts what userID sent within window, deleted
// messages included. The window is measured on the database clock.
func (r *Repository) CountRecentMessages(ctx context.Context, userID int64, window time.Duration) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE sender_id = $1 AND created_at > now() - ($2 * interval '1 millisecond')`
	var n int
	if err := r.db.QueryRowContext(ctx, query, userID, window.Milliseconds()).Scan(&n); err != nil {
		return 0, apperr.Persistence("count messages", err)
	}
	return n, nil
}

// RateLimitResetIn finds the limit-th newest message in the window: once it
// leaves the window the count drops below limit. Also on the database clock.
func (r *Repository) RateLimitResetIn(ctx context.Context, userID int64, window time.Duration, limit int) (time.Duration, error) {
	query := `
		SELECT CEIL(EXTRACT(EPOCH FROM created_at + ($2 * interval '1 millisecond') - now()) * 1000)::BIGINT
		FROM messages
		WHERE sender_id = $1 AND created_at > now() - ($2 * interval '1 millisecond')
		ORDER BY created_at DESC
		OFFSET $3 LIMIT 1`
	var ms int64
	err := r.db.QueryRowContext(ctx, query, userID, window.Milliseconds(), max(limit-1, 0)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Persistence("compute rate limit reset", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (r *Repository) CreateMembership(ctx context.Context, userID int64, roomID string) error {
	query := `
		INSERT INTO memberships (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return apperr.Persistence("save membership", err)
	}
	return nil
}

func (r *Repository) DeleteMembership(ctx context.Context, userID int64, roomID string) error {
	query := "DELETE FROM memberships WHERE room_id = $1 AND user_id = $2"
	if _, err := r.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return apperr.Persistence("delete membership", err)
	}
	return nil
}

func (r *Repository) ListMemberships(ctx context.Context) ([]room.Membership, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT user_id, room_id, joined_at FROM memberships")
	if err != nil {
		return nil, apperr.Persistence("load memberships", err)
	}
	defer rows.Close()

	var out []room.Membership
	for rows.Next() {
		var m room.Membership
		if err := rows.Scan(&m.UserID, &m.RoomID, &m.JoinedAt); err != nil {
			return nil, apperr.Persistence("load memberships", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("load memberships", err)
	}
	return out, nil
}

func (r *Repository) CreateRoom(ctx context.Context, rm *Room) error {
	query := `
		INSERT INTO rooms (id, name, owner_id, private, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, query, rm.ID, rm.Name, rm.OwnerID, rm.Private, rm.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperr.Validation("room %s already exists", rm.ID)
	}
	if err != nil {
		return apperr.Persistence("create room", err)
	}
	return nil
}

func (r *Repository) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	rm := &Room{}
	query := "SELECT id, name, owner_id, private, created_at FROM rooms WHERE id = $1"
	err := r.db.QueryRowContext(ctx, query, roomID).
		Scan(&rm.ID, &rm.Name, &rm.OwnerID, &rm.Private, &rm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("room %s not found", roomID)
	}
	if err != nil {
		return nil, apperr.Persistence("load room", err)
	}
	return rm, nil
}

// DeleteRoom removes the room and everything that hangs off it in one
// transaction.
func (r *Repository) DeleteRoom(ctx context.Context, roomID string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence("delete room", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, q := range []string{
		"DELETE FROM messages WHERE room_id = $1",
		"DELETE FROM memberships WHERE room_id = $1",
		"DELETE FROM room_invites WHERE room_id = $1",
	} {
		if _, err = tx.ExecContext(ctx, q, roomID); err != nil {
			return apperr.Persistence("delete room", err)
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = $1", roomID)
	if err != nil {
		return apperr.Persistence("delete room", err)
	}
	if err = expectRow(res, "room %s not found", roomID); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return apperr.Persistence("delete room", err)
	}
	return nil
}

func (r *Repository) CreateInvite(ctx context.Context, roomID string, userID int64) error {
	query := `
		INSERT INTO room_invites (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return apperr.Persistence("save invite", err)
	}
	return nil
}

func (r *Repository) IsInvited(ctx context.Context, roomID string, userID int64) (bool, error) {
	query := "SELECT EXISTS (SELECT 1 FROM room_invites WHERE room_id = $1 AND user_id = $2)"
	var ok bool
	if err := r.db.QueryRowContext(ctx, query, roomID, userID).Scan(&ok); err != nil {
		return false, apperr.Persistence("check invite", err)
	}
	return ok, nil
}

func (r *Repository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var ok bool
	if err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)", userID).Scan(&ok); err != nil {
		return false, apperr.Persistence("look up user", err)
	}
	return ok, nil
}

func (r *Repository) Usernames(ctx context.Context, userIDs []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}
	rows, err := r.db.QueryContext(ctx, "SELECT id, username FROM users WHERE id = ANY($1)", userIDs)
	if err != nil {
		return nil, apperr.Persistence("load usernames", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, apperr.Persistence("load usernames", err)
		}
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("load usernames", err)
	}
	return names, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	msg := &Message{}
	var receiver sql.NullInt64
	var edited sql.NullTime
	err := s.Scan(&msg.ID, &msg.Content, &msg.SenderID, &msg.SenderName, &msg.RoomID,
		&receiver, &msg.CreatedAt, &edited, &msg.Deleted)
	if err != nil {
		return nil, err
	}
	if receiver.Valid {
		msg.ReceiverID = &receiver.Int64
	}
	if edited.Valid {
		msg.EditedAt = &edited.Time
	}
	return msg, nil
}

func expectRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence("read result", err)
	}
	if n == 0 {
		return apperr.NotFound(format, args...)
	}
	return nil
}
