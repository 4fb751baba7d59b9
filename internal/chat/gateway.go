package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"realtime-chat/internal/apperr"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/protocol"
	"realtime-chat/internal/room"
	"realtime-chat/internal/session"
	"realtime-chat/internal/typing"
)

const routeTimeout = 10 * time.Second

// Verifier turns a bearer token into the identity it was issued for.
type Verifier interface {
	Verify(token string) (session.Identity, error)
}

type handlerFunc func(ctx context.Context, s *session.Session, data json.RawMessage) error

// Gateway is the entry point of every WebSocket connection: it admits
// sessions, routes their frames and cleans up after them.
type Gateway struct {
	verifier   Verifier
	sessions   *session.Registry
	presence   *presence.Store
	rooms      *room.Tracker
	directory  *Rooms
	typing     *typing.Manager
	dispatcher *Dispatcher
	fanout     *Fanout
	store      Store
	handlers   map[string]handlerFunc
	log        *zap.Logger
}

type GatewayDeps struct {
	Verifier   Verifier
	Sessions   *session.Registry
	Presence   *presence.Store
	Rooms      *room.Tracker
	Directory  *Rooms
	Typing     *typing.Manager
	Dispatcher *Dispatcher
	Fanout     *Fanout
	Store      Store
	Logger     *zap.Logger
}

func NewGateway(deps GatewayDeps) *Gateway {
	g := &Gateway{
		verifier:   deps.Verifier,
		sessions:   deps.Sessions,
		presence:   deps.Presence,
		rooms:      deps.Rooms,
		directory:  deps.Directory,
		typing:     deps.Typing,
		dispatcher: deps.Dispatcher,
		fanout:     deps.Fanout,
		store:      deps.Store,
		log:        deps.Logger.With(zap.String("component", "gateway")),
	}
	g.handlers = map[string]handlerFunc{
		protocol.JoinRoom:      g.handleJoin,
		protocol.LeaveRoom:     g.handleLeave,
		protocol.SendMessage:   g.handleSend,
		protocol.EditMessage:   g.handleEdit,
		protocol.DeleteMessage: g.handleDelete,
		protocol.TypingStart:   g.handleTyping(true),
		protocol.TypingStop:    g.handleTyping(false),
		protocol.SetStatus:     g.handleSetStatus,
		protocol.Ping:          g.handlePing,
	}
	return g
}

// Authenticate checks a bearer token before any connection state exists.
func (g *Gateway) Authenticate(token string) (session.Identity, error) {
	if token == "" {
		return session.Identity{}, apperr.Authentication("missing token", nil)
	}
	id, err := g.verifier.Verify(token)
	if err != nil {
		g.log.Debug("rejected token", zap.Error(err))
		return session.Identity{}, apperr.Authentication("invalid or expired token", err)
	}
	return id, nil
}

// Admit verifies token and registers conn as a new session of its user.
func (g *Gateway) Admit(token string, conn session.Conn) (*session.Session, error) {
	id, err := g.Authenticate(token)
	if err != nil {
		return nil, err
	}
	return g.Attach(id, conn), nil
}

// Attach registers conn for an already authenticated identity.
func (g *Gateway) Attach(id session.Identity, conn session.Conn) *session.Session {
	s, tr := g.sessions.Register(id, conn)
	g.presence.OnSessionChange(tr)
	g.log.Info("session opened",
		zap.String("session_id", s.ID),
		zap.Int64("user_id", s.UserID),
		zap.Int("sessions", g.sessions.SessionCount(s.UserID)),
	)
	return s
}

// Disconnect is the single exit path of a session, graceful or not. It is
// safe to call more than once.
func (g *Gateway) Disconnect(s *session.Session) {
	tr := g.sessions.Unregister(s.ID)
	if tr != nil {
		g.typing.ClearUser(s.UserID)
	}
	g.presence.OnSessionChange(tr)
	g.log.Info("session closed", zap.String("session_id", s.ID), zap.Int64("user_id", s.UserID))
}

// CloseAll asks every local connection to close, e.g. on shutdown. Each one
// still leaves through Disconnect once its read pump ends.
func (g *Gateway) CloseAll() {
	for _, uid := range g.sessions.OnlineUsers() {
		for _, c := range g.sessions.ConnectionsFor(uid) {
			c.Close()
		}
	}
}

// Presence reports the status of userID, wherever the user is connected.
func (g *Gateway) Presence(ctx context.Context, userID int64) presence.Record {
	return g.presence.Lookup(ctx, userID)
}

// Route handles one inbound frame. Failures are reported to the originating
// connection only; nothing a frame does can take the connection down.
func (g *Gateway) Route(ctx context.Context, s *session.Session, raw []byte) {
	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	if err := g.route(ctx, s, raw); err != nil {
		g.logFailure(s, err)
		s.Conn.Deliver(protocol.ErrorFrame(err))
	}
}

func (g *Gateway) route(ctx context.Context, s *session.Session, raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("handler panic",
				zap.String("session_id", s.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		return err
	}
	h, ok := g.handlers[frame.Event]
	if !ok {
		return apperr.Validation("unknown event %q", frame.Event)
	}
	if frame.Event != protocol.Ping {
		g.presence.Touch(s.UserID)
	}
	return h(ctx, s, frame.Data)
}

func (g *Gateway) logFailure(s *session.Session, err error) {
	fields := []zap.Field{zap.String("session_id", s.ID), zap.Int64("user_id", s.UserID), zap.Error(err)}
	switch apperr.KindOf(err) {
	case apperr.KindInternal, apperr.KindPersistence:
		g.log.Error("frame failed", fields...)
	default:
		g.log.Debug("frame rejected", fields...)
	}
}

func (g *Gateway) reply(s *session.Session, event string, data any) {
	s.Conn.Deliver(protocol.MustEncode(event, data))
}

func (g *Gateway) handlePing(_ context.Context, s *session.Session, _ json.RawMessage) error {
	g.reply(s, protocol.Pong, nil)
	return nil
}

func (g *Gateway) handleJoin(ctx context.Context, s *session.Session, data json.RawMessage) error {
	var p protocol.RoomPayload
	if err := protocol.DecodePayload(data, &p); err != nil {
		return err
	}
	joined := protocol.MembershipPayload{UserID: s.UserID, Username: s.Username, RoomID: p.RoomID}

	if g.rooms.IsMember(s.UserID, p.RoomID) {
		g.reply(s, protocol.UserJoined, joined)
		return nil
	}
	if err := g.directory.CanJoin(ctx, s.UserID, p.RoomID); err != nil {
		return err
	}
	if err := g.store.CreateMembership(ctx, s.UserID, p.RoomID); err != nil {
		return persistenceError("join room", err)
	}
	if !g.rooms.Join(s.UserID, p.RoomID) {
		// Another session of the same user got there first.
		g.reply(s, protocol.UserJoined, joined)
		return nil
	}
	g.fanout.ToRoom(p.RoomID, protocol.MustEncode(protocol.UserJoined, joined))
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, s *session.Session, data json.RawMessage) error {
	var p protocol.RoomPayload
	if err := protocol.DecodePayload(data, &p); err != nil {
		return err
	}
	if !g.rooms.IsMember(s.UserID, p.RoomID) {
		return apperr.Validation("not a member of room %s", p.RoomID)
	}
	if err := g.store.DeleteMembership(ctx, s.UserID, p.RoomID); err != nil {
		return persistenceError("leave room", err)
	}
	// Announce to the remaining members and the leaver, who is no longer
	// part of the audience once removed.
	audience := append(g.fanout.Audience(p.RoomID), s.UserID)
	if !g.rooms.Leave(s.UserID, p.RoomID) {
		return nil
	}
	g.typing.Stop(p.RoomID, s.UserID)
	g.fanout.ToUsers(audience, protocol.MustEncode(protocol.UserLeft, protocol.MembershipPayload{
		UserID:   s.UserID,
		Username: s.Username,
		RoomID:   p.RoomID,
	}))
	return nil
}

func (g *Gateway) handleSend(ctx context.Context, s *session.Session, data json.RawMessage) error {
	var p protocol.SendMessagePayload
	if err := protocol.DecodePayload(data, &p); err != nil {
		return err
	}
	_, err := g.dispatcher.Send(ctx, s.Identity(), targetFrom(p.TargetPayload), p.Content)
	return err
}

func (g *Gateway) handleEdit(ctx context.Context, s *session.Session, data json.RawMessage) error {
	var p protocol.EditMessagePayload
	if err := protocol.DecodePayload(data, &p); err != nil {
		return err
	}
	_, err := g.dispatcher.Edit(ctx, s.Identity(), p.MessageID, p.Content)
	return err
}

func (g *Gateway) handleDelete(ctx context.Context, s *session.Session, data json.RawMessage) error {
	var p protocol.DeleteMessagePayload
	if err := protocol.DecodePayload(data, &p); err != nil {
		return err
	}
	_, err := g.dispatcher.Delete(ctx, s.Identity(), p.MessageID)
	return err
}

func (g *Gateway) handleTyping(start bool) handlerFunc {
	return func(ctx context.Context, s *session.Session, data json.RawMessage) error {
		var p protocol.TargetPayload
		if err := protocol.DecodePayload(data, &p); err != nil {
			return err
		}
		roomID, receiver, direct, err := targetFrom(p).resolve(s.UserID)
		if err != nil {
			return err
		}
		switch {
		case direct && receiver == 0:
			return apperr.Authorization("not a participant of %s", roomID)
		case direct && receiver == s.UserID:
			return apperr.Validation("cannot type to yourself")
		case !direct && !g.rooms.IsMember(s.UserID, roomID):
			return apperr.Authorization("not a member of room %s", roomID)
		}
		if start {
			g.typing.Start(roomID, s.UserID, s.Username)
		} else {
			g.typing.Stop(roomID, s.UserID)
		}
		return nil
	}
}

func (g *Gateway) handleSetStatus(_ context.Context, s *session.Session, data json.RawMessage) error {
	var p protocol.SetStatusPayload
	if err := protocol.DecodePayload(data, &p); err != nil {
		return err
	}
	_, err := g.presence.SetStatus(s.UserID, presence.Status(p.Status))
	return err
}
