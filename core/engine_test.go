package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type EngineFixture struct {
	*ChatFixture
	engine   *Engine
	registry *Registry
}

func NewEngineFixture(t *testing.T, typingWindow time.Duration) *EngineFixture {
	f := NewChatFixture(t)
	f.seed(alice, bob, carol)
	registry := NewRegistry(testLogger())
	engine := NewEngine(registry, f.rooms, f.messages, f.identities,
		NewCodeAuthenticator(f.identities),
		WithEngineLogger(testLogger()),
		WithTypingTracker(NewTypingTracker(typingWindow)))

	base := f.tearDown
	f.tearDown = func() {
		engine.Close()
		base()
	}
	return &EngineFixture{ChatFixture: f, engine: engine, registry: registry}
}

func (f *EngineFixture) connect(id string) *fakeConn {
	conn := newFakeConn(id)
	require.NoError(f.t, f.engine.Connect(conn))
	return conn
}

// emit feeds a frame built from payload to the engine as if conn sent it.
func (f *EngineFixture) emit(conn *fakeConn, eventType string, payload map[string]interface{}) {
	frame := map[string]interface{}{"type": eventType}
	for k, v := range payload {
		frame[k] = v
	}
	raw, err := json.Marshal(frame)
	require.NoError(f.t, err)
	f.engine.HandleFrame(f.ctx, conn.ID(), raw)
}

// login connects and authenticates as code.
func (f *EngineFixture) login(id, code string) *fakeConn {
	conn := f.connect(id)
	f.emit(conn, EventAuth, map[string]interface{}{"user_code": code})
	require.Len(f.t, conn.ofType(EventAuthSuccess), 1, "auth failed: %v", conn.ofType(EventError))
	return conn
}

func (f *EngineFixture) join(conn *fakeConn, roomKey string) {
	f.emit(conn, EventJoin, map[string]interface{}{"room_id": roomKey})
	require.Empty(f.t, conn.ofType(EventError), "join failed")
}

func nested(frame map[string]interface{}, key string) map[string]interface{} {
	v, _ := frame[key].(map[string]interface{})
	return v
}

func lastError(conn *fakeConn) map[string]interface{} {
	errs := conn.ofType(EventError)
	if len(errs) == 0 {
		return nil
	}
	return errs[len(errs)-1]
}

func TestEngineConnect(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	conn := f.connect("c1")
	success := conn.ofType(EventConnectionSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, "c1", success[0]["connection_id"])

	// room operations before auth fail
	f.emit(conn, EventJoin, map[string]interface{}{"room_id": GlobalRoomKey, "request_id": "r1"})
	errFrame := lastError(conn)
	require.NotNil(t, errFrame)
	assert.Equal(t, "unauthenticated", errFrame["reason"])
	assert.Equal(t, EventJoin, errFrame["event"])
	assert.Equal(t, "r1", errFrame["request_id"])

	f.emit(conn, EventPing, nil)
	assert.Len(t, conn.ofType(EventPong), 1)
}

func TestEngineAuth(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	conn := f.connect("c1")
	f.emit(conn, EventAuth, map[string]interface{}{"user_code": "NOBODY"})
	assert.Equal(t, "user_not_found", lastError(conn)["reason"])

	f.emit(conn, EventAuth, map[string]interface{}{"user_code": "abc123"})
	success := conn.ofType(EventAuthSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, "Alice", nested(success[0], "user")["display_name"])

	f.emit(conn, EventAuth, map[string]interface{}{"user_code": bob.Code})
	assert.Equal(t, "already_authenticated", lastError(conn)["reason"])
	identity, err := f.registry.Identity("c1")
	require.NoError(t, err)
	assert.Equal(t, alice.Code, identity.Code)
}

func TestEngineSendToGlobal(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	bobConn := f.login("bob", bob.Code)
	f.join(bobConn, GlobalRoomKey)
	aliceConn := f.login("alice", alice.Code)
	f.join(aliceConn, GlobalRoomKey)

	joined := aliceConn.ofType(EventJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, GlobalRoomKey, nested(joined[0], "room")["key"])

	userJoined := bobConn.ofType(EventUserJoined)
	require.Len(t, userJoined, 1)
	assert.Equal(t, alice.Code, nested(userJoined[0], "user")["code"])
	assert.Empty(t, aliceConn.ofType(EventUserJoined))

	f.emit(aliceConn, EventSend, map[string]interface{}{
		"room_id": GlobalRoomKey, "content": "hello @XYZ789", "client_id": "tmp-1",
	})

	received := bobConn.ofType(EventNewMessage)
	require.Len(t, received, 1)
	msg := nested(received[0], "message")
	assert.Equal(t, "hello @XYZ789", msg["content"])
	assert.Equal(t, []interface{}{"XYZ789"}, msg["mentions"])
	assert.Equal(t, []interface{}{"ABC123"}, msg["read_by"])

	// the sender reconciles its own message by client id
	own := aliceConn.ofType(EventNewMessage)
	require.Len(t, own, 1)
	assert.Equal(t, "tmp-1", own[0]["client_id"])

	stored, _, err := f.messages.Page(f.ctx, GlobalRoomKey, PageQuery{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, []string{"XYZ789"}, stored[0].Mentions)
	assert.Equal(t, []string{"ABC123"}, stored[0].ReadBy)

	room, err := f.rooms.GetRoom(f.ctx, GlobalRoomKey)
	require.NoError(t, err)
	require.NotNil(t, room.LastMessage)
	assert.Equal(t, "hello @XYZ789", room.LastMessage.Content)
}

func TestEngineSendErrors(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	aliceConn := f.login("alice", alice.Code)
	f.join(aliceConn, GlobalRoomKey)
	bobConn := f.login("bob", bob.Code)
	f.join(bobConn, GlobalRoomKey)
	carolConn := f.login("carol", carol.Code)

	f.emit(aliceConn, EventSend, map[string]interface{}{"room_id": GlobalRoomKey, "content": "   "})
	assert.Equal(t, "content_empty", lastError(aliceConn)["reason"])

	f.emit(aliceConn, EventSend, map[string]interface{}{"room_id": "group:NOPE", "content": "hi"})
	assert.Equal(t, "room_not_found", lastError(aliceConn)["reason"])

	f.emit(aliceConn, EventSend, map[string]interface{}{"room_id": "lobby", "content": "hi"})
	assert.Equal(t, "room_not_found", lastError(aliceConn)["reason"])

	// carol never joined the global room
	f.emit(carolConn, EventSend, map[string]interface{}{"room_id": GlobalRoomKey, "content": "hi"})
	assert.Equal(t, "permission_denied", lastError(carolConn)["reason"])

	// errors are never broadcast
	assert.Empty(t, bobConn.ofType(EventError))
	assert.Empty(t, bobConn.ofType(EventNewMessage))
}

func TestEngineGroupUnreadAndReceipts(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	aliceConn := f.login("alice", alice.Code)
	bobConn := f.login("bob", bob.Code)
	f.join(aliceConn, "group:g1")
	f.join(bobConn, "group:G1")

	joined := bobConn.ofType(EventJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "Group One", nested(joined[0], "room")["name"])

	f.emit(aliceConn, EventSend, map[string]interface{}{"room_id": "group:G1", "content": "run at 6?"})
	n, err := f.rooms.UnreadCount(f.ctx, "group:G1", bob.Code)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = f.rooms.UnreadCount(f.ctx, "group:G1", alice.Code)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.emit(bobConn, EventRead, map[string]interface{}{"room_id": "group:G1"})
	n, err = f.rooms.UnreadCount(f.ctx, "group:G1", bob.Code)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	receipts := aliceConn.ofType(EventReadReceipt)
	require.Len(t, receipts, 1)
	assert.Equal(t, bob.Code, receipts[0]["user_code"])
	assert.Equal(t, "Bob", receipts[0]["display_name"])
	assert.Empty(t, bobConn.ofType(EventReadReceipt))

	messages, _, err := f.messages.Page(f.ctx, "group:G1", PageQuery{})
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0].ReadBy, bob.Code)
}

func TestEngineJoinRules(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	aliceConn := f.login("alice", alice.Code)
	carolConn := f.login("carol", carol.Code)

	f.emit(carolConn, EventJoin, map[string]interface{}{"room_id": "group:G1"})
	assert.Equal(t, "permission_denied", lastError(carolConn)["reason"])

	f.emit(aliceConn, EventJoin, map[string]interface{}{"room_id": "direct:xyz789:abc123"})
	joined := aliceConn.ofType(EventJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "direct:ABC123:XYZ789", nested(joined[0], "room")["key"])

	f.emit(carolConn, EventJoin, map[string]interface{}{"room_id": "direct:ABC123:XYZ789"})
	assert.Equal(t, "permission_denied", lastError(carolConn)["reason"])

	f.emit(aliceConn, EventJoin, map[string]interface{}{"room_id": "direct:ABC123:ZZZ999"})
	assert.Equal(t, "user_not_found", lastError(aliceConn)["reason"])

	// joining twice only acknowledges
	f.emit(aliceConn, EventJoin, map[string]interface{}{"room_id": GlobalRoomKey})
	f.emit(aliceConn, EventJoin, map[string]interface{}{"room_id": GlobalRoomKey})
	room, err := f.rooms.GetRoom(f.ctx, GlobalRoomKey)
	require.NoError(t, err)
	assert.Equal(t, []string{alice.Code}, room.Participants)
	assert.Equal(t, []string{"direct:ABC123:XYZ789", GlobalRoomKey}, f.registry.Rooms("alice"))
}

func TestEngineReactions(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	aliceConn := f.login("alice", alice.Code)
	bobConn := f.login("bob", bob.Code)
	f.join(aliceConn, GlobalRoomKey)
	f.join(bobConn, GlobalRoomKey)

	msg, err := f.engine.Send(f.ctx, Identity{Code: alice.Code, DisplayName: "Alice"}, GlobalRoomKey, "PR today", "")
	require.NoError(t, err)

	react := func(conn *fakeConn) {
		f.emit(conn, EventReaction, map[string]interface{}{"message_id": msg.ID, "emoji": "🔥"})
	}
	react(aliceConn)
	react(bobConn)
	react(aliceConn)

	stored, err := f.messages.GetMessage(f.ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{bob.Code}, stored.ReactionUsers("🔥"))

	updates := bobConn.ofType(EventReactionUpdate)
	require.Len(t, updates, 3)
	last := updates[2]
	assert.Equal(t, msg.ID, last["message_id"])
	assert.Equal(t, []interface{}{
		map[string]interface{}{"emoji": "🔥", "users": []interface{}{bob.Code}},
	}, last["reactions"])

	f.emit(bobConn, EventReaction, map[string]interface{}{"message_id": "missing", "emoji": "🔥"})
	assert.Equal(t, "message_not_found", lastError(bobConn)["reason"])
	assert.Empty(t, aliceConn.ofType(EventError))
}

func TestEngineDelete(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	aliceConn := f.login("alice", alice.Code)
	bobConn := f.login("bob", bob.Code)
	f.join(aliceConn, GlobalRoomKey)
	f.join(bobConn, GlobalRoomKey)

	msg, err := f.engine.Send(f.ctx, Identity{Code: alice.Code, DisplayName: "Alice"}, GlobalRoomKey, "oops", "")
	require.NoError(t, err)

	f.emit(bobConn, EventDelete, map[string]interface{}{"message_id": msg.ID})
	assert.Equal(t, "not_sender", lastError(bobConn)["reason"])
	assert.Empty(t, aliceConn.ofType(EventMessageDeleted))

	f.emit(aliceConn, EventDelete, map[string]interface{}{"message_id": msg.ID})
	for _, conn := range []*fakeConn{aliceConn, bobConn} {
		deleted := conn.ofType(EventMessageDeleted)
		require.Len(t, deleted, 1)
		assert.Equal(t, msg.ID, deleted[0]["message_id"])
		assert.Equal(t, DeletedMessageContent, nested(deleted[0], "message")["content"])
	}
}

func TestEngineTyping(t *testing.T) {
	t.Run("start and stop", func(t *testing.T) {
		f := NewEngineFixture(t, time.Minute)
		defer f.tearDown()

		aliceConn := f.login("alice", alice.Code)
		bobConn := f.login("bob", bob.Code)
		f.join(aliceConn, GlobalRoomKey)
		f.join(bobConn, GlobalRoomKey)

		f.emit(aliceConn, EventTyping, map[string]interface{}{"room_id": GlobalRoomKey})
		updates := bobConn.ofType(EventTypingUpdate)
		require.Len(t, updates, 1)
		assert.Equal(t, []interface{}{
			map[string]interface{}{"user_code": alice.Code, "display_name": "Alice"},
		}, updates[0]["users"])

		f.emit(aliceConn, EventStopTyping, map[string]interface{}{"room_id": GlobalRoomKey})
		updates = bobConn.ofType(EventTypingUpdate)
		require.Len(t, updates, 2)
		assert.Equal(t, []interface{}{}, updates[1]["users"])

		// nothing changed, nothing is broadcast
		f.emit(aliceConn, EventStopTyping, map[string]interface{}{"room_id": GlobalRoomKey})
		assert.Len(t, bobConn.ofType(EventTypingUpdate), 2)
	})

	t.Run("requires a join", func(t *testing.T) {
		f := NewEngineFixture(t, time.Minute)
		defer f.tearDown()

		aliceConn := f.login("alice", alice.Code)
		f.emit(aliceConn, EventTyping, map[string]interface{}{"room_id": GlobalRoomKey})
		assert.Equal(t, "not_joined", lastError(aliceConn)["reason"])
	})

	t.Run("send clears typing", func(t *testing.T) {
		f := NewEngineFixture(t, time.Minute)
		defer f.tearDown()

		aliceConn := f.login("alice", alice.Code)
		bobConn := f.login("bob", bob.Code)
		f.join(aliceConn, GlobalRoomKey)
		f.join(bobConn, GlobalRoomKey)

		f.emit(aliceConn, EventTyping, map[string]interface{}{"room_id": GlobalRoomKey})
		f.emit(aliceConn, EventSend, map[string]interface{}{"room_id": GlobalRoomKey, "content": "done"})
		updates := bobConn.ofType(EventTypingUpdate)
		require.Len(t, updates, 2)
		assert.Equal(t, []interface{}{}, updates[1]["users"])
		assert.Empty(t, f.engine.Typing().ListTyping(GlobalRoomKey))
	})

	t.Run("expiry is broadcast", func(t *testing.T) {
		window := 50 * time.Millisecond
		f := NewEngineFixture(t, window)
		defer f.tearDown()

		aliceConn := f.login("alice", alice.Code)
		bobConn := f.login("bob", bob.Code)
		f.join(aliceConn, GlobalRoomKey)
		f.join(bobConn, GlobalRoomKey)

		f.emit(aliceConn, EventTyping, map[string]interface{}{"room_id": GlobalRoomKey})
		require.Eventually(t, func() bool {
			return len(bobConn.ofType(EventTypingUpdate)) == 2
		}, baseTimeout, window/5)
		assert.Equal(t, []interface{}{}, bobConn.ofType(EventTypingUpdate)[1]["users"])
	})

	t.Run("leave and disconnect clear typing", func(t *testing.T) {
		f := NewEngineFixture(t, time.Minute)
		defer f.tearDown()

		aliceConn := f.login("alice", alice.Code)
		bobConn := f.login("bob", bob.Code)
		f.join(aliceConn, GlobalRoomKey)
		f.join(aliceConn, "group:G1")
		f.join(bobConn, GlobalRoomKey)
		f.join(bobConn, "group:G1")

		f.emit(aliceConn, EventTyping, map[string]interface{}{"room_id": GlobalRoomKey})
		f.emit(aliceConn, EventTyping, map[string]interface{}{"room_id": "group:G1"})
		bobConn.reset()

		f.emit(aliceConn, EventLeave, map[string]interface{}{"room_id": GlobalRoomKey})
		require.Len(t, bobConn.ofType(EventTypingUpdate), 1)
		assert.False(t, f.registry.IsSubscribed("alice", GlobalRoomKey))

		f.engine.Disconnect("alice")
		updates := bobConn.ofType(EventTypingUpdate)
		require.Len(t, updates, 2)
		assert.Equal(t, "group:G1", updates[1]["room_id"])
		assert.Empty(t, f.engine.Typing().ListTyping("group:G1"))
		assert.Equal(t, 1, f.registry.Subscribers("group:G1"))
	})
}

func TestEngineTypingUpdatesInOrder(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	aliceConn := f.login("alice", alice.Code)
	bobConn := f.login("bob", bob.Code)
	carolConn := f.login("carol", carol.Code)
	for _, conn := range []*fakeConn{aliceConn, bobConn, carolConn} {
		f.join(conn, GlobalRoomKey)
	}

	room := map[string]interface{}{"room_id": GlobalRoomKey}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			f.emit(aliceConn, EventTyping, room)
			f.emit(aliceConn, EventStopTyping, room)
		}
		f.emit(aliceConn, EventTyping, room)
	}()
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			f.emit(bobConn, EventTyping, room)
		}
	}()
	wg.Wait()

	// the last update seen matches the tracker's final state
	raw, err := json.Marshal(f.engine.Typing().ListTyping(GlobalRoomKey))
	require.NoError(t, err)
	var want []interface{}
	require.NoError(t, json.Unmarshal(raw, &want))
	require.Len(t, want, 2)

	updates := carolConn.ofType(EventTypingUpdate)
	require.NotEmpty(t, updates)
	assert.Equal(t, want, updates[len(updates)-1]["users"])
}

func TestEngineDropsBadFrames(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	aliceConn := f.login("alice", alice.Code)
	aliceConn.reset()

	f.engine.HandleFrame(f.ctx, "alice", []byte(`{not json`))
	f.emit(aliceConn, EventJoin, map[string]interface{}{"room_id": 42})
	f.emit(aliceConn, "chat_dance", nil)
	aliceConn.mu.Lock()
	assert.Empty(t, aliceConn.frames)
	aliceConn.mu.Unlock()

	// well formed but invalid payloads are acknowledged
	f.emit(aliceConn, EventJoin, map[string]interface{}{})
	assert.Equal(t, "validation_failed", lastError(aliceConn)["reason"])
}

func TestEnginePersistenceFailure(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	aliceConn := f.login("alice", alice.Code)
	bobConn := f.login("bob", bob.Code)
	f.join(aliceConn, GlobalRoomKey)
	f.join(bobConn, GlobalRoomKey)

	require.NoError(t, f.db.Close())
	f.emit(aliceConn, EventSend, map[string]interface{}{"room_id": GlobalRoomKey, "content": "hi"})

	errFrame := lastError(aliceConn)
	require.NotNil(t, errFrame)
	assert.Equal(t, "internal_error", errFrame["reason"])
	assert.NotContains(t, errFrame["message"], "sql")
	assert.Empty(t, bobConn.ofType(EventNewMessage))
}

func TestEngineOrderPerRoom(t *testing.T) {
	f := NewEngineFixture(t, time.Minute)
	defer f.tearDown()

	conns := []*fakeConn{f.login("alice", alice.Code), f.login("bob", bob.Code), f.login("carol", carol.Code)}
	for _, c := range conns {
		f.join(c, GlobalRoomKey)
	}
	identities := []Identity{
		{Code: alice.Code, DisplayName: "Alice"},
		{Code: bob.Code, DisplayName: "Bob"},
		{Code: carol.Code, DisplayName: "Carol"},
	}

	var wg sync.WaitGroup
	for _, id := range identities {
		wg.Add(1)
		go func(id Identity) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := f.engine.Send(f.ctx, id, GlobalRoomKey, fmt.Sprintf("%s %d", id.Code, i), "")
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	stored, total, err := f.messages.Page(f.ctx, GlobalRoomKey, PageQuery{PageSize: 15})
	require.NoError(t, err)
	require.Equal(t, 15, total)
	order := make([]interface{}, len(stored))
	for i, m := range stored {
		order[i] = m.ID
	}

	for _, c := range conns {
		frames := c.ofType(EventNewMessage)
		require.Len(t, frames, 15)
		got := make([]interface{}, len(frames))
		for i, fr := range frames {
			got[i] = nested(fr, "message")["id"]
		}
		assert.Equal(t, order, got)
	}
}
