// Package protocol holds the WebSocket wire contract: event names, frame shape
// and payloads. Names are shared with existing clients and must not change.
package protocol

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	JoinRoom      = "join_room"
	LeaveRoom     = "leave_room"
	SendMessage   = "send_message"
	EditMessage   = "edit_message"
	DeleteMessage = "delete_message"
	TypingStart   = "typing_start"
	TypingStop    = "typing_stop"
	SetStatus     = "set_status"
	Ping          = "ping"
)

// Outbound event names.
const (
	MessageReceived   = "message_received"
	MessageUpdated    = "message_updated"
	MessageDeleted    = "message_deleted"
	UserJoined        = "user_joined"
	UserLeft          = "user_left"
	TypingIndicator   = "typing_indicator"
	UserStatusChanged = "user_status_changed"
	Error             = "error"
	Pong              = "pong"
)

// Frame is the envelope of every message on the socket, both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads.

type RoomPayload struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
}

// TargetPayload addresses either a room or a direct conversation.
type TargetPayload struct {
	RoomID     string `json:"roomId,omitempty" validate:"required_without=ReceiverID,excluded_with=ReceiverID,max=128"`
	ReceiverID int64  `json:"receiverId,omitempty" validate:"omitempty,gt=0"`
}

type SendMessagePayload struct {
	TargetPayload
	Content string `json:"content"`
}

type EditMessagePayload struct {
	MessageID int64  `json:"messageId" validate:"required,gt=0"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	MessageID int64 `json:"messageId" validate:"required,gt=0"`
}

type SetStatusPayload struct {
	Status string `json:"status" validate:"required,oneof=ONLINE AWAY"`
}

// Outbound payloads.

type MessagePayload struct {
	ID         int64      `json:"id"`
	Content    string     `json:"content"`
	SenderID   int64      `json:"senderId"`
	SenderName string     `json:"senderName"`
	RoomID     string     `json:"roomId"`
	ReceiverID *int64     `json:"receiverId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	EditedAt   *time.Time `json:"editedAt,omitempty"`
}

type MessageDeletedPayload struct {
	MessageID int64  `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type MembershipPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

type TypingPayload struct {
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

type StatusPayload struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

type ErrorPayload struct {
	Message    string `json:"message"`
	Code       string `json:"code"`
	RetryAfter int64  `json:"retryAfter,omitempty"`
}
