package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event types.
const (
	EventAuth       = "chat_auth"
	EventJoin       = "chat_join"
	EventLeave      = "chat_leave"
	EventSend       = "chat_send"
	EventTyping     = "chat_typing"
	EventStopTyping = "chat_stop_typing"
	EventReaction   = "chat_reaction"
	EventRead       = "chat_read"
	EventDelete     = "chat_delete"
	EventPing       = "ping"
)

// Outbound event types.
const (
	EventConnectionSuccess = "connection_success"
	EventAuthSuccess       = "chat_auth_success"
	EventJoined            = "chat_joined"
	EventUserJoined        = "chat_user_joined"
	EventNewMessage        = "chat_new_message"
	EventTypingUpdate      = "chat_typing_update"
	EventReadReceipt       = "chat_read_receipt"
	EventReactionUpdate    = "chat_reaction_update"
	EventMessageDeleted    = "chat_message_deleted"
	EventError             = "chat_error"
	EventPong              = "pong"
)

// Envelope holds the fields shared by every frame. Frames are flat JSON
// objects: the payload fields sit next to type and request_id.
type Envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// Event is an inbound frame received on a connection.
type Event struct {
	Envelope
	ConnID string
	Raw    []byte
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Conn: %s, RequestID: %s, Size: %d}", e.Type, e.ConnID, e.RequestID, len(e.Raw))
}

// DecodeEvent parses the envelope of a raw frame.
func DecodeEvent(connID string, raw []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode event: missing type")
	}
	return &Event{Envelope: env, ConnID: connID, Raw: raw}, nil
}

// Bind decodes the frame into the payload v.
func (e *Event) Bind(v interface{}) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// EncodeFrame encodes payload as a flat frame of the given type. payload must
// encode to a JSON object or be nil.
func EncodeFrame(eventType, requestID string, payload interface{}) ([]byte, error) {
	head, err := json.Marshal(Envelope{Type: eventType, RequestID: requestID})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if payload == nil {
		return head, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s payload: not an object", eventType)
	}
	if bytes.Equal(body, []byte("{}")) {
		return head, nil
	}

	// {"type":..}  +  {"field":..}  ->  {"type":..,"field":..}
	frame := make([]byte, 0, len(head)+len(body))
	frame = append(frame, head[:len(head)-1]...)
	frame = append(frame, ',')
	frame = append(frame, body[1:]...)
	return frame, nil
}

// Inbound payloads.

type RoomPayload struct {
	RoomID string `json:"room_id" validate:"required,max=128"`
}

type SendPayload struct {
	RoomID   string `json:"room_id" validate:"required,max=128"`
	Content  string `json:"content"`
	ClientID string `json:"client_id" validate:"omitempty,max=64"`
}

type ReactionPayload struct {
	MessageID string `json:"message_id" validate:"required,max=64"`
	Emoji     string `json:"emoji" validate:"required,max=64"`
}

type DeletePayload struct {
	MessageID string `json:"message_id" validate:"required,max=64"`
}

// Outbound payloads.

type ConnectionSuccessPayload struct {
	ConnectionID string `json:"connection_id"`
}

type AuthSuccessPayload struct {
	User Identity `json:"user"`
}

type JoinedPayload struct {
	Room *Room `json:"room"`
}

type UserJoinedPayload struct {
	RoomID string `json:"room_id"`
	User   Sender `json:"user"`
}

type NewMessagePayload struct {
	Message  *Message `json:"message"`
	ClientID string   `json:"client_id,omitempty"`
}

type TypingUpdatePayload struct {
	RoomID string       `json:"room_id"`
	Users  []TypingUser `json:"users"`
}

type ReadReceiptPayload struct {
	RoomID      string    `json:"room_id"`
	UserCode    string    `json:"user_code"`
	DisplayName string    `json:"display_name"`
	ReadAt      time.Time `json:"read_at"`
}

type ReactionUpdatePayload struct {
	RoomID    string     `json:"room_id"`
	MessageID string     `json:"message_id"`
	Reactions []Reaction `json:"reactions"`
}

type MessageDeletedPayload struct {
	RoomID    string   `json:"room_id"`
	MessageID string   `json:"message_id"`
	Message   *Message `json:"message"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type PongPayload struct {
	TS int64 `json:"ts"`
}
