package core

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsFixture struct {
	*EngineFixture
	cm     *ConnManager
	server *httptest.Server
}

func setUpWSFixture(t *testing.T) *wsFixture {
	ef := NewEngineFixture(t, time.Minute)
	cm, err := NewConnManager(ef.ctx, ef.engine, WithLogger(testLogger()))
	require.NoError(t, err)
	server := httptest.NewServer(cm)

	base := ef.tearDown
	ef.tearDown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
		defer cancel()
		cm.Close(ctx)
		server.Close()
		base()
	}
	return &wsFixture{EngineFixture: ef, cm: cm, server: server}
}

// dial opens a client connection and waits for the connection acknowledgement.
func (f *wsFixture) dial() *websocket.Conn {
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err, "failed to dial server")
	frame := readFrame(f.t, conn)
	require.Equal(f.t, EventConnectionSuccess, frame["type"])
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	data, err := json.Marshal(frame)
	require.NoError(t, err, "failed to encode frame")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data), "client failed to send frame")
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	conn.SetReadDeadline(time.Now().Add(baseTimeout))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "timeout waiting for frame")
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame), "failed to decode frame")
	return frame
}

// readUntil skips frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, eventType string) map[string]interface{} {
	for {
		frame := readFrame(t, conn)
		if frame["type"] == eventType {
			return frame
		}
	}
}

func TestClientConnectToServer(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	clients := []*websocket.Conn{f.dial(), f.dial(), f.dial()}
	require.Eventually(t, func() bool {
		return f.cm.Len() == len(clients) && f.registry.Len() == len(clients)
	}, baseTimeout, baseTimeout/20, "Timeout waiting for connections to be added to the manager")

	clients[0].Close()
	require.Eventually(t, func() bool {
		return f.cm.Len() == 2 && f.registry.Len() == 2
	}, baseTimeout, baseTimeout/20, "closed connection should be removed")
}

func TestClientChatRoundTrip(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	aliceConn, bobConn := f.dial(), f.dial()
	for conn, code := range map[*websocket.Conn]string{aliceConn: alice.Code, bobConn: bob.Code} {
		writeFrame(t, conn, map[string]interface{}{"type": EventAuth, "user_code": code})
		readUntil(t, conn, EventAuthSuccess)
		writeFrame(t, conn, map[string]interface{}{"type": EventJoin, "room_id": GlobalRoomKey, "request_id": "j"})
		joined := readUntil(t, conn, EventJoined)
		assert.Equal(t, "j", joined["request_id"])
	}

	writeFrame(t, aliceConn, map[string]interface{}{
		"type": EventSend, "room_id": GlobalRoomKey, "content": "see you @xyz789", "client_id": "c-1",
	})

	frame := readUntil(t, bobConn, EventNewMessage)
	msg := nested(frame, "message")
	assert.Equal(t, "see you @xyz789", msg["content"])
	assert.Equal(t, []interface{}{"XYZ789"}, msg["mentions"])
	assert.Equal(t, "Alice", nested(msg, "sender")["display_name"])

	own := readUntil(t, aliceConn, EventNewMessage)
	assert.Equal(t, "c-1", own["client_id"])
	assert.Equal(t, msg["id"], nested(own, "message")["id"])

	writeFrame(t, bobConn, map[string]interface{}{"type": EventPing, "request_id": "p"})
	pong := readUntil(t, bobConn, EventPong)
	assert.Equal(t, "p", pong["request_id"])
}

func TestClientOversizedFrame(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	conn := f.dial()
	big := strings.Repeat("a", maxMessageSize+1)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	// the server drops connections that exceed the read limit
	conn.SetReadDeadline(time.Now().Add(baseTimeout))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		return f.cm.Len() == 0
	}, baseTimeout, baseTimeout/20)
}

func TestServerCloseSendsCloseFrame(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	clients := []*websocket.Conn{f.dial(), f.dial()}

	ctx, cancel := context.WithTimeout(f.ctx, baseTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.cm.Close(ctx) }()

	for _, c := range clients {
		c.SetReadDeadline(time.Now().Add(baseTimeout))
		_, _, err := c.ReadMessage()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected a normal close, got %v", err)
		// answer the close handshake so the server side returns promptly
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.Close()
	}

	require.NoError(t, <-done)
	assert.Zero(t, f.registry.Len())
}
