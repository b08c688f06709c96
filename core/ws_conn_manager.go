package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	nanoid "github.com/jaevor/go-nanoid"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16 << 10

	DefaultSendBufferSize = 64
)

// ConnManager upgrades HTTP requests to WebSocket connections and feeds their
// frames to the engine.
type ConnManager struct {
	engine   *Engine
	conns    *SyncMap[string, *wsConn]
	connWg   sync.WaitGroup
	context  context.Context
	logger   *slog.Logger
	upgrader websocket.Upgrader
	newID    func() string

	SendBufferSize int
}

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnManager) {
		m.logger = l
	}
}

func WithSendBufferSize(n int) ManagerOption {
	return func(m *ConnManager) {
		if n > 0 {
			m.SendBufferSize = n
		}
	}
}

func NewConnManager(ctx context.Context, engine *Engine, opts ...ManagerOption) (*ConnManager, error) {
	newID, err := nanoid.Standard(21)
	if err != nil {
		return nil, fmt.Errorf("nanoid.Standard: %w", err)
	}

	m := &ConnManager{
		engine:         engine,
		conns:          NewSyncMap[string, *wsConn](),
		context:        ctx,
		logger:         slog.Default(),
		upgrader:       defaultUpgrader,
		newID:          newID,
		SendBufferSize: DefaultSendBufferSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ServeHTTP upgrades the request. The connection starts unauthenticated.
func (m *ConnManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied with an error status
		m.logger.Debug(fmt.Sprintf("upgrade: %v", err))
		return
	}

	id := m.newID()
	logger := m.logger.With(slog.String("connection", id))
	c := newWSConn(id, conn, m.SendBufferSize, logger)

	if err := m.engine.Connect(c); err != nil {
		logger.Error(fmt.Sprintf("registering connection: %v", err))
		conn.Close()
		return
	}
	m.conns.Store(id, c)

	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		c.writeLoop()
	}()
	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		c.readLoop(m.context, func(ctx context.Context, frame []byte) {
			m.engine.HandleFrame(ctx, id, frame)
		})
		m.conns.Delete(id)
		m.engine.Disconnect(id)
	}()
}

// Len returns the number of open connections.
func (m *ConnManager) Len() int {
	return m.conns.Len()
}

// Close sends a close frame to every connection and waits for their loops
// to return or ctx to be done.
func (m *ConnManager) Close(ctx context.Context) error {
	m.conns.Range(func(_ string, c *wsConn) bool {
		c.close()
		return true
	})

	done := make(chan struct{})
	go func() {
		m.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
