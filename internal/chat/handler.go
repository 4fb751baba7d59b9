package chat

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-chat/internal/apperr"
	myMiddleware "realtime-chat/internal/middleware"
	"realtime-chat/internal/session"
	"realtime-chat/internal/web"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Tokens, not cookies, authenticate the socket
	},
}

type Handler struct {
	gateway    *Gateway
	dispatcher *Dispatcher
	rooms      *Rooms
	sendBuffer int
	baseCtx    context.Context
	log        *zap.Logger
}

// NewHandler serves the WebSocket endpoint and the chat REST API. Frames are
// routed under ctx with its cancellation removed, so shutdown lets in-flight
// sends finish.
func NewHandler(ctx context.Context, gateway *Gateway, dispatcher *Dispatcher, rooms *Rooms, sendBuffer int, log *zap.Logger) *Handler {
	return &Handler{
		gateway:    gateway,
		dispatcher: dispatcher,
		rooms:      rooms,
		sendBuffer: sendBuffer,
		baseCtx:    context.WithoutCancel(ctx),
		log:        log.With(zap.String("component", "chat_http")),
	}
}

// ServeWs authenticates before upgrading: a bad token gets a plain 401 and
// no session is ever created for it.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	id, err := h.gateway.Authenticate(myMiddleware.TokenFrom(r))
	if err != nil {
		web.Error(w, h.log, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h.gateway, conn, h.sendBuffer, h.log.With(zap.Int64("user_id", id.UserID)))
	client.session = h.gateway.Attach(id, client)

	go client.writePump()
	go client.readPump(h.baseCtx)
}

type createRoomResponse struct {
	Room *Room `json:"room"`
}

func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req CreateRoomRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, h.log, err)
		return
	}
	room, err := h.rooms.Create(r.Context(), id, req)
	if err != nil {
		web.Error(w, h.log, err)
		return
	}
	web.JSON(w, http.StatusCreated, createRoomResponse{Room: room})
}

func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.rooms.Delete(r.Context(), id, chi.URLParam(r, "roomID")); err != nil {
		web.Error(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inviteRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

func (h *Handler) Invite(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req inviteRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, h.log, err)
		return
	}
	if err := h.rooms.Invite(r.Context(), id, chi.URLParam(r, "roomID"), req.UserID); err != nil {
		web.Error(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startConversationRequest struct {
	TargetID int64 `json:"target_id" validate:"required,gt=0"`
}

type startConversationResponse struct {
	RoomID string `json:"room_id"`
}

// StartConversation finds or creates the direct room with another user.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req startConversationRequest
	if err := web.Decode(r, &req); err != nil {
		web.Error(w, h.log, err)
		return
	}
	roomID, err := h.rooms.StartConversation(r.Context(), id, req.TargetID)
	if err != nil {
		web.Error(w, h.log, err)
		return
	}
	web.JSON(w, http.StatusOK, startConversationResponse{RoomID: roomID})
}

// GetChatHistory returns the latest messages of a room, oldest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			web.Error(w, h.log, apperr.Validation("limit must be a number"))
			return
		}
		limit = n
	}
	msgs, err := h.dispatcher.History(r.Context(), id, r.URL.Query().Get("roomId"), limit)
	if err != nil {
		web.Error(w, h.log, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	web.JSON(w, http.StatusOK, msgs)
}

type presenceResponse struct {
	UserID   int64      `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// GetPresence reports a user's status, including users connected to other
// instances.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.identity(w, r); !ok {
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		web.Error(w, h.log, apperr.Validation("user id must be a positive number"))
		return
	}
	rec := h.gateway.Presence(r.Context(), userID)
	resp := presenceResponse{UserID: rec.UserID, Status: string(rec.Status)}
	if !rec.LastSeen.IsZero() {
		resp.LastSeen = &rec.LastSeen
	}
	web.JSON(w, http.StatusOK, resp)
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	id, ok := myMiddleware.IdentityFrom(r.Context())
	if !ok {
		web.Error(w, h.log, apperr.Authentication("unauthorized", nil))
	}
	return id, ok
}
