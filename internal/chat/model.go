package chat

import (
	"time"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/protocol"
	"realtime-chat/internal/room"
)

// ---------------------------------------------
// Database & API Models
// ---------------------------------------------

// Room is a named multi-party channel. Direct conversations have no Room row;
// their id is derived from the participants (room.DirectID).
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   int64     `json:"owner_id"`
	Private   bool      `json:"private"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID         int64      `json:"id"`
	Content    string     `json:"content"`
	SenderID   int64      `json:"sender_id"`
	SenderName string     `json:"sender_name"` // Denormalized for UI speed (fetched via JOIN)
	RoomID     string     `json:"room_id"`
	ReceiverID *int64     `json:"receiver_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	Deleted    bool       `json:"deleted"`
}

func (m *Message) payload() protocol.MessagePayload {
	return protocol.MessagePayload{
		ID:         m.ID,
		Content:    m.Content,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		RoomID:     m.RoomID,
		ReceiverID: m.ReceiverID,
		CreatedAt:  m.CreatedAt,
		EditedAt:   m.EditedAt,
	}
}

// ---------------------------------------------
// Internal Models
// ---------------------------------------------

// Target addresses a send: a room, or a user for a direct conversation.
type Target struct {
	RoomID     string
	ReceiverID int64
}

func targetFrom(p protocol.TargetPayload) Target {
	return Target{RoomID: p.RoomID, ReceiverID: p.ReceiverID}
}

// resolve returns the room key of the target as seen by sender, and the
// other participant when it is a direct conversation.
func (t Target) resolve(sender int64) (roomID string, receiver int64, direct bool, err error) {
	if t.ReceiverID != 0 {
		return room.DirectID(sender, t.ReceiverID), t.ReceiverID, true, nil
	}
	if err := checkRoomID(t.RoomID); err != nil {
		return "", 0, false, err
	}
	if a, b, ok := room.Participants(t.RoomID); ok {
		switch sender {
		case a:
			return t.RoomID, b, true, nil
		case b:
			return t.RoomID, a, true, nil
		}
		// Not a participant: keep the id, authorization will refuse it.
		return t.RoomID, 0, true, nil
	}
	return t.RoomID, 0, false, nil
}

// checkRoomID refuses direct conversation ids not in the form DirectID
// builds.
func checkRoomID(roomID string) error {
	if !room.IsDirect(roomID) {
		return nil
	}
	if _, _, ok := room.Participants(roomID); !ok {
		return apperr.Validation("malformed conversation id %q", roomID)
	}
	return nil
}
