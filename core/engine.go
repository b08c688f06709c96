package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// IdentityResolver resolves users and groups.
type IdentityResolver interface {
	IdentityLookup
	GroupLookup
}

type EventHandler func(ctx context.Context, e *Event) error

var errMalformedPayload = errors.New("malformed payload")

// Engine applies chat events against the room directory, the message store and
// the typing tracker and fans the results out through the registry.
// Events of different connections may be handled concurrently; the transport
// must deliver the events of one connection sequentially.
type Engine struct {
	registry   *Registry
	rooms      RoomDirectory
	messages   MessageStore
	identities IdentityResolver
	auth       Authenticator
	typing     *TypingTracker
	// roomLocks serializes appends and their broadcast per room so every
	// subscriber observes messages in append order.
	roomLocks *KeyedMutex
	// typingLocks orders typing snapshots per room so a stale list is never
	// delivered after a newer one.
	typingLocks *KeyedMutex
	handlers    map[string]EventHandler
	logger      *slog.Logger
	now         func() time.Time
}

type EngineOption func(*Engine)

func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithTypingTracker(t *TypingTracker) EngineOption {
	return func(e *Engine) {
		e.typing = t
	}
}

func NewEngine(registry *Registry, rooms RoomDirectory, messages MessageStore,
	identities IdentityResolver, auth Authenticator, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:   registry,
		rooms:      rooms,
		messages:   messages,
		identities: identities,
		auth:       auth,
		roomLocks:   NewKeyedMutex(),
		typingLocks: NewKeyedMutex(),
		handlers:    make(map[string]EventHandler),
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.typing == nil {
		e.typing = NewTypingTracker(DefaultTypingWindow)
	}
	e.typing.OnExpire(e.broadcastTyping)

	e.On(EventPing, e.handlePing)
	e.On(EventAuth, e.handleAuth)
	e.On(EventJoin, e.handleJoin)
	e.On(EventLeave, e.handleLeave)
	e.On(EventSend, e.handleSend)
	e.On(EventTyping, e.handleTyping)
	e.On(EventStopTyping, e.handleStopTyping)
	e.On(EventReaction, e.handleReaction)
	e.On(EventRead, e.handleRead)
	e.On(EventDelete, e.handleDelete)
	return e
}

// On registers the handler for an inbound event type.
func (e *Engine) On(eventType string, handler EventHandler) {
	e.handlers[eventType] = handler
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Typing() *TypingTracker {
	return e.typing
}

// Connect registers a new connection and acknowledges it.
func (e *Engine) Connect(conn Conn) error {
	if err := e.registry.Register(conn); err != nil {
		return err
	}
	e.sendTo(conn.ID(), EventConnectionSuccess, "", ConnectionSuccessPayload{ConnectionID: conn.ID()})
	return nil
}

// Disconnect tears down the connection state and clears the typing entries of its user.
func (e *Engine) Disconnect(connID string) {
	identity, rooms := e.registry.Unregister(connID)
	if identity == nil {
		return
	}
	e.logger.Debug("connection closed",
		slog.String("connection", connID),
		slog.String("user", identity.Code),
		slog.Any("rooms", rooms))
	for _, key := range e.typing.ClearUser(identity.Code) {
		e.broadcastTyping(key)
	}
}

// HandleFrame decodes a raw frame and dispatches it. Frames that cannot be
// decoded are dropped.
func (e *Engine) HandleFrame(ctx context.Context, connID string, raw []byte) {
	ev, err := DecodeEvent(connID, raw)
	if err != nil {
		e.logger.Warn("dropping frame", slog.String("connection", connID), slog.String("error", err.Error()))
		return
	}
	e.Dispatch(ctx, ev)
}

// Dispatch runs the handler of the event. Handler errors are reported to the
// originating connection only.
func (e *Engine) Dispatch(ctx context.Context, ev *Event) {
	handler, ok := e.handlers[ev.Type]
	if !ok {
		e.logger.Warn("ignoring unknown event", slog.String("connection", ev.ConnID), slog.String("type", ev.Type))
		return
	}
	if err := handler(ctx, ev); err != nil {
		e.reportError(ev, err)
	}
}

// Close stops the typing timers.
func (e *Engine) Close() {
	e.typing.Close()
}

func (e *Engine) reportError(ev *Event, err error) {
	if errors.Is(err, errMalformedPayload) {
		e.logger.Warn("dropping malformed event",
			slog.String("connection", ev.ConnID),
			slog.String("type", ev.Type),
			slog.String("error", err.Error()))
		return
	}

	cerr := AsError(err)
	if cerr.Kind == KindPersistence {
		e.logger.Error(fmt.Sprintf("%s handler: %v", ev.Type, err),
			slog.String("connection", ev.ConnID), slog.String("request_id", ev.RequestID))
	} else {
		e.logger.Debug(fmt.Sprintf("%s handler: %v", ev.Type, err), slog.String("connection", ev.ConnID))
	}

	e.sendTo(ev.ConnID, EventError, ev.RequestID, ErrorPayload{
		Event:   ev.Type,
		Reason:  cerr.Reason,
		Message: cerr.Message(),
	})
}

func (e *Engine) sendTo(connID, eventType, requestID string, payload interface{}) {
	frame, err := EncodeFrame(eventType, requestID, payload)
	if err != nil {
		e.logger.Error(err.Error())
		return
	}
	if err := e.registry.SendTo(connID, frame); err != nil {
		e.logger.Warn("send failed",
			slog.String("connection", connID),
			slog.String("type", eventType),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) broadcast(roomKey, eventType string, payload interface{}, excludeCode string) {
	frame, err := EncodeFrame(eventType, "", payload)
	if err != nil {
		e.logger.Error(err.Error())
		return
	}
	e.registry.Broadcast(roomKey, frame, excludeCode)
}

func (e *Engine) broadcastTyping(roomKey string) {
	unlock := e.typingLocks.Lock(roomKey)
	defer unlock()
	e.broadcast(roomKey, EventTypingUpdate, TypingUpdatePayload{
		RoomID: roomKey,
		Users:  e.typing.ListTyping(roomKey),
	}, "")
}

// canonicalRoomKey validates key and returns its canonical form.
func canonicalRoomKey(key string) (RoomKind, string, []string, error) {
	kind, codes, err := ParseRoomKey(key)
	if err != nil {
		return "", "", nil, err
	}
	switch kind {
	case GroupRoom:
		codes[0] = NormalizeCode(codes[0])
		return kind, GroupRoomKey(codes[0]), codes, nil
	case DirectRoom:
		codes[0], codes[1] = NormalizeCode(codes[0]), NormalizeCode(codes[1])
		if codes[0] == codes[1] {
			return "", "", nil, NewNotFoundError("room_not_found", fmt.Sprintf("room %q not found", key))
		}
		return kind, DirectRoomKey(codes[0], codes[1]), codes, nil
	}
	return kind, GlobalRoomKey, nil, nil
}

// participantRoom returns the room if user is one of its participants.
func (e *Engine) participantRoom(ctx context.Context, user Identity, key string) (*Room, error) {
	_, key, _, err := canonicalRoomKey(key)
	if err != nil {
		return nil, err
	}
	room, err := e.rooms.GetRoom(ctx, key)
	if err != nil {
		return nil, err
	}
	if !room.HasParticipant(user.Code) {
		return nil, NewPermissionError("permission_denied", "you are not a participant of this room")
	}
	return room, nil
}

// openRoom resolves the room for a join, creating it when it does not
// exist yet, and makes user a participant.
func (e *Engine) openRoom(ctx context.Context, user Identity, key string) (*Room, error) {
	kind, key, codes, err := canonicalRoomKey(key)
	if err != nil {
		return nil, err
	}

	var room *Room
	switch kind {
	case GlobalRoom:
		room, err = e.rooms.GetOrCreateGlobal(ctx)
	case GroupRoom:
		if NormalizeCode(user.GroupCode) != codes[0] {
			return nil, NewPermissionError("permission_denied", "you are not a member of this group")
		}
		group, gerr := e.identities.ResolveGroup(ctx, codes[0])
		if gerr != nil {
			return nil, gerr
		}
		room, err = e.rooms.GetOrCreateGroup(ctx, group.Code, group.Name)
	case DirectRoom:
		other := codes[0]
		if other == user.Code {
			other = codes[1]
		} else if codes[1] != user.Code {
			return nil, NewPermissionError("permission_denied", "you are not a participant of this room")
		}
		return e.OpenDirect(ctx, user, other)
	}
	if err != nil {
		return nil, err
	}

	added, err := e.rooms.AddParticipant(ctx, key, user.Code)
	if err != nil {
		return nil, err
	}
	if added {
		return e.rooms.GetRoom(ctx, key)
	}
	return room, nil
}

// OpenDirect returns the direct room between user and other, creating it on
// first use. Both users must resolve.
func (e *Engine) OpenDirect(ctx context.Context, user Identity, otherCode string) (*Room, error) {
	other, err := e.identities.Resolve(ctx, otherCode)
	if err != nil {
		return nil, err
	}
	self, err := e.identities.Resolve(ctx, user.Code)
	if err != nil {
		return nil, err
	}
	return e.rooms.GetOrCreateDirect(ctx, *self, *other)
}

// Join subscribes the connection to the room. The joiner receives the room,
// the rest of the room is told about the new member.
func (e *Engine) Join(ctx context.Context, connID, roomKey string) (*Room, bool, error) {
	user, err := e.registry.Identity(connID)
	if err != nil {
		return nil, false, err
	}
	room, err := e.openRoom(ctx, *user, roomKey)
	if err != nil {
		return nil, false, err
	}
	subscribed, err := e.registry.Subscribe(connID, room.Key)
	if err != nil {
		return nil, false, err
	}
	return room, subscribed, nil
}

// Leave unsubscribes the connection and clears its user's typing entry for the room.
func (e *Engine) Leave(connID, roomKey string) error {
	user, err := e.registry.Identity(connID)
	if err != nil {
		return err
	}
	if _, key, _, err := canonicalRoomKey(roomKey); err == nil {
		roomKey = key
	}
	e.registry.Unsubscribe(connID, roomKey)
	if e.typing.StopTyping(roomKey, user.Code) {
		e.broadcastTyping(roomKey)
	}
	return nil
}

// Send appends a message to the room and broadcasts it to every subscriber,
// the sender included.
func (e *Engine) Send(ctx context.Context, sender Identity, roomKey, content, clientID string) (*Message, error) {
	room, err := e.participantRoom(ctx, sender, roomKey)
	if err != nil {
		return nil, err
	}

	msg, err := e.appendAndBroadcast(ctx, room, sender, content, clientID)
	if err != nil {
		return nil, err
	}

	if e.typing.StopTyping(room.Key, sender.Code) {
		e.broadcastTyping(room.Key)
	}
	return msg, nil
}

func (e *Engine) appendAndBroadcast(ctx context.Context, room *Room, sender Identity, content, clientID string) (*Message, error) {
	unlock := e.roomLocks.Lock(room.Key)
	defer unlock()

	msg, err := e.messages.Append(ctx, room.Key, SenderFromIdentity(sender), content)
	if err != nil {
		return nil, err
	}

	// The message is durable at this point. Failing to update the room summary
	// only affects list views so it does not undo the send.
	if err := e.rooms.RecordLastMessage(ctx, room.Key, LastMessage{
		Content:    msg.Content,
		SenderName: msg.Sender.DisplayName,
		SenderCode: msg.Sender.Code,
		SentAt:     msg.CreatedAt,
	}); err != nil {
		e.logger.Error(fmt.Sprintf("recording last message: %v", err),
			slog.String("room", room.Key), slog.String("message", msg.ID))
	}
	if err := e.rooms.IncrementUnread(ctx, room.Key, sender.Code); err != nil {
		e.logger.Error(fmt.Sprintf("incrementing unread: %v", err),
			slog.String("room", room.Key), slog.String("message", msg.ID))
	}

	e.broadcast(room.Key, EventNewMessage, NewMessagePayload{Message: msg, ClientID: clientID}, "")
	return msg, nil
}

// Read marks the room read for reader and sends a receipt to the other subscribers.
func (e *Engine) Read(ctx context.Context, reader Identity, roomKey string) (*ReadReceiptPayload, error) {
	room, err := e.participantRoom(ctx, reader, roomKey)
	if err != nil {
		return nil, err
	}
	if _, err := e.messages.MarkRead(ctx, room.Key, reader.Code); err != nil {
		return nil, err
	}
	if err := e.rooms.ResetUnread(ctx, room.Key, reader.Code); err != nil {
		return nil, err
	}

	receipt := &ReadReceiptPayload{
		RoomID:      room.Key,
		UserCode:    reader.Code,
		DisplayName: reader.DisplayName,
		ReadAt:      e.now(),
	}
	e.broadcast(room.Key, EventReadReceipt, receipt, reader.Code)
	return receipt, nil
}

// React toggles the reaction of user on the message and broadcasts the new reactions.
func (e *Engine) React(ctx context.Context, user Identity, messageID, emoji string) (*Message, error) {
	msg, err := e.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := e.participantRoom(ctx, user, msg.RoomKey); err != nil {
		return nil, err
	}
	msg, err = e.messages.ToggleReaction(ctx, messageID, emoji, user.Code)
	if err != nil {
		return nil, err
	}
	e.broadcast(msg.RoomKey, EventReactionUpdate, ReactionUpdatePayload{
		RoomID:    msg.RoomKey,
		MessageID: msg.ID,
		Reactions: msg.Reactions,
	}, "")
	return msg, nil
}

// Delete soft deletes a message of user and broadcasts the tombstone.
func (e *Engine) Delete(ctx context.Context, user Identity, messageID string) (*Message, error) {
	msg, err := e.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := e.participantRoom(ctx, user, msg.RoomKey); err != nil {
		return nil, err
	}
	msg, err = e.messages.SoftDelete(ctx, messageID, user.Code)
	if err != nil {
		return nil, err
	}
	e.broadcast(msg.RoomKey, EventMessageDeleted, MessageDeletedPayload{
		RoomID:    msg.RoomKey,
		MessageID: msg.ID,
		Message:   msg,
	}, "")
	return msg, nil
}

// StartTyping marks the connection's user as typing in a joined room.
func (e *Engine) StartTyping(connID, roomKey string) error {
	user, key, err := e.joinedRoom(connID, roomKey)
	if err != nil {
		return err
	}
	e.typing.StartTyping(key, user.Code, user.DisplayName)
	e.broadcastTyping(key)
	return nil
}

// StopTyping clears the typing entry and broadcasts only when it existed.
func (e *Engine) StopTyping(connID, roomKey string) error {
	user, key, err := e.joinedRoom(connID, roomKey)
	if err != nil {
		return err
	}
	if e.typing.StopTyping(key, user.Code) {
		e.broadcastTyping(key)
	}
	return nil
}

func (e *Engine) joinedRoom(connID, roomKey string) (*Identity, string, error) {
	user, err := e.registry.Identity(connID)
	if err != nil {
		return nil, "", err
	}
	_, key, _, err := canonicalRoomKey(roomKey)
	if err != nil {
		return nil, "", err
	}
	if !e.registry.IsSubscribed(connID, key) {
		return nil, "", NewPermissionError("not_joined", "join the room first")
	}
	return user, key, nil
}

// ListRooms returns the rooms of user, most recently active first.
func (e *Engine) ListRooms(ctx context.Context, user Identity, offset, limit int) ([]RoomSummary, error) {
	return e.rooms.ListRooms(ctx, user.Code, offset, limit)
}

// History returns a page of messages of a room user participates in, oldest first.
func (e *Engine) History(ctx context.Context, user Identity, roomKey string, q PageQuery) ([]Message, int, error) {
	room, err := e.participantRoom(ctx, user, roomKey)
	if err != nil {
		return nil, 0, err
	}
	return e.messages.Page(ctx, room.Key, q)
}

// Search finds messages containing q in a room user participates in.
func (e *Engine) Search(ctx context.Context, user Identity, roomKey, q string) ([]Message, error) {
	room, err := e.participantRoom(ctx, user, roomKey)
	if err != nil {
		return nil, err
	}
	return e.messages.Search(ctx, room.Key, q)
}
