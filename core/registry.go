package core

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	ErrConnNotRegistered = errors.New("connection not registered")
	ErrConnRegistered    = errors.New("connection already registered")
	ErrConnClosed        = errors.New("connection closed")
	ErrSendBufferFull    = errors.New("send buffer full")
)

// Conn is the transport side of a live connection.
type Conn interface {
	ID() string
	// Send queues an encoded frame for delivery. It must not block.
	Send(frame []byte) error
}

type connState struct {
	conn     Conn
	identity *Identity
	rooms    map[string]struct{}
}

// Registry owns the state of every live connection: its identity and the rooms
// it is subscribed to. It is the fan out point for room events.
type Registry struct {
	mu sync.RWMutex
	// conns is keyed by connection id.
	conns map[string]*connState
	// rooms maps a room key to the ids of the connections subscribed to it.
	rooms  map[string]map[string]struct{}
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*connState),
		rooms:  make(map[string]map[string]struct{}),
		logger: logger,
	}
}

func (r *Registry) Register(conn Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrConnRegistered, conn.ID())
	}
	r.conns[conn.ID()] = &connState{conn: conn, rooms: make(map[string]struct{})}
	return nil
}

// Unregister removes the connection and all its subscriptions. It returns the
// identity the connection was bound to, if any, and the rooms it had joined.
func (r *Registry) Unregister(connID string) (*Identity, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conns[connID]
	if !ok {
		return nil, nil
	}
	delete(r.conns, connID)

	rooms := make([]string, 0, len(state.rooms))
	for key := range state.rooms {
		rooms = append(rooms, key)
		r.removeSubscriber(key, connID)
	}
	slices.Sort(rooms)
	return state.identity, rooms
}

// Authenticate binds identity to the connection. Authenticating again as the
// same user refreshes the profile; switching users is rejected.
func (r *Registry) Authenticate(connID string, identity Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conns[connID]
	if !ok {
		return ErrConnNotRegistered
	}
	if state.identity != nil && state.identity.Code != identity.Code {
		return NewValidationError("already_authenticated", "connection is authenticated as another user")
	}
	state.identity = &identity
	return nil
}

// Identity returns the identity bound to the connection or an UnauthenticatedError.
func (r *Registry) Identity(connID string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.conns[connID]
	if !ok || state.identity == nil {
		return nil, NewUnauthenticatedError("connection is not authenticated")
	}
	identity := *state.identity
	return &identity, nil
}

// Subscribe adds the room to the connection. It reports whether the connection
// was not subscribed before.
func (r *Registry) Subscribe(connID, roomKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conns[connID]
	if !ok || state.identity == nil {
		return false, NewUnauthenticatedError("connection is not authenticated")
	}
	if _, ok := state.rooms[roomKey]; ok {
		return false, nil
	}
	state.rooms[roomKey] = struct{}{}
	subs, ok := r.rooms[roomKey]
	if !ok {
		subs = make(map[string]struct{})
		r.rooms[roomKey] = subs
	}
	subs[connID] = struct{}{}
	return true, nil
}

// Unsubscribe removes the room from the connection. It reports whether the
// connection was subscribed.
func (r *Registry) Unsubscribe(connID, roomKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, ok := state.rooms[roomKey]; !ok {
		return false
	}
	delete(state.rooms, roomKey)
	r.removeSubscriber(roomKey, connID)
	return true
}

func (r *Registry) IsSubscribed(connID, roomKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomKey][connID]
	return ok
}

// Rooms returns the rooms the connection is subscribed to, sorted.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.conns[connID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(state.rooms))
	for key := range state.rooms {
		rooms = append(rooms, key)
	}
	slices.Sort(rooms)
	return rooms
}

// Subscribers returns the number of connections subscribed to the room.
func (r *Registry) Subscribers(roomKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomKey])
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast sends frame to every authenticated connection subscribed to the
// room, skipping connections of excludeCode when it is not empty. Failed sends
// are logged. It returns the number of connections the frame was queued for.
func (r *Registry) Broadcast(roomKey string, frame []byte, excludeCode string) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.rooms[roomKey]))
	for connID := range r.rooms[roomKey] {
		state := r.conns[connID]
		if state == nil || state.identity == nil {
			continue
		}
		if excludeCode != "" && state.identity.Code == excludeCode {
			continue
		}
		targets = append(targets, state.conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(frame); err != nil {
			r.logger.Warn("broadcast: dropping frame",
				slog.String("connection", conn.ID()),
				slog.String("room", roomKey),
				slog.String("error", err.Error()))
			continue
		}
		delivered++
	}
	return delivered
}

// SendTo sends frame to a single connection.
func (r *Registry) SendTo(connID string, frame []byte) error {
	r.mu.RLock()
	state, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrConnNotRegistered
	}
	return state.conn.Send(frame)
}

// removeSubscriber must be called with mu held.
func (r *Registry) removeSubscriber(roomKey, connID string) {
	subs, ok := r.rooms[roomKey]
	if !ok {
		return
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.rooms, roomKey)
	}
}
