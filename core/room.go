package core

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
)

// RoomKind is one of the three kinds of chat room.
type RoomKind string

const (
	// GlobalRoom is the single room every participant can join.
	GlobalRoom RoomKind = "global"
	// GroupRoom is the room of a challenge group. It is keyed by the group code.
	GroupRoom RoomKind = "group"
	// DirectRoom is a private room between exactly two participants.
	// Only one direct room can exist between two participants.
	DirectRoom RoomKind = "direct"
)

const (
	GlobalRoomKey  = "global"
	GlobalRoomName = "Global Chat"

	// maxSnippetLength bounds the last message content kept on the room for list views.
	maxSnippetLength = 100
)

// LastMessage is the denormalized summary of the most recent message of a room.
type LastMessage struct {
	Content    string    `json:"content"`
	SenderName string    `json:"sender_name"`
	SenderCode string    `json:"sender_code"`
	SentAt     time.Time `json:"sent_at"`
}

type Room struct {
	Key          string   `json:"key"`
	Kind         RoomKind `json:"kind"`
	Name         string   `json:"name"`
	AvatarURL    string   `json:"avatar_url,omitempty"`
	Description  string   `json:"description,omitempty"`
	Participants []string `json:"participants"`
	// LastMessage is nil until the first message is sent.
	LastMessage *LastMessage `json:"last_message,omitempty"`
	// Unread maps participant codes to their unread counter.
	Unread    map[string]int `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

func (r *Room) HasParticipant(code string) bool {
	return slices.Contains(r.Participants, NormalizeCode(code))
}

// RoomSummary represents a room from the perspective of one participant.
type RoomSummary struct {
	Key          string       `json:"key"`
	Kind         RoomKind     `json:"kind"`
	Name         string       `json:"name"`
	AvatarURL    string       `json:"avatar_url,omitempty"`
	Participants []string     `json:"participants"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
	UnreadCount  int          `json:"unread_count"`
}

// GroupRoomKey returns the key of the room of group code.
func GroupRoomKey(groupCode string) string {
	return string(GroupRoom) + ":" + NormalizeCode(groupCode)
}

// DirectRoomKey returns the key of the direct room between a and b.
// The key does not depend on the order of the arguments.
func DirectRoomKey(a, b string) string {
	codes := []string{NormalizeCode(a), NormalizeCode(b)}
	slices.Sort(codes)
	return string(DirectRoom) + ":" + codes[0] + ":" + codes[1]
}

// ParseRoomKey splits a room key into its kind and the codes it is built from.
func ParseRoomKey(key string) (RoomKind, []string, error) {
	if key == GlobalRoomKey {
		return GlobalRoom, nil, nil
	}
	parts := strings.Split(key, ":")
	switch {
	case len(parts) == 2 && parts[0] == string(GroupRoom) && parts[1] != "":
		return GroupRoom, parts[1:], nil
	case len(parts) == 3 && parts[0] == string(DirectRoom) && parts[1] != "" && parts[2] != "":
		return DirectRoom, parts[1:], nil
	}
	return "", nil, NewNotFoundError("room_not_found", fmt.Sprintf("room %q not found", key))
}

func truncateSnippet(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSnippetLength {
		return s
	}
	return string(runes[:maxSnippetLength])
}

type RoomDirectory interface {
	// GetOrCreateGlobal returns the global room, creating it on first use.
	GetOrCreateGlobal(ctx context.Context) (*Room, error)

	// GetOrCreateGroup returns the room of the group, creating it on first use.
	GetOrCreateGroup(ctx context.Context, groupCode, groupName string) (*Room, error)

	// GetOrCreateDirect returns the direct room between a and b, creating it on first use.
	// The operation is commutative in its arguments. Both identities become participants.
	GetOrCreateDirect(ctx context.Context, a, b Identity) (*Room, error)

	// GetRoom returns the room with the given key or a NotFoundError.
	GetRoom(ctx context.Context, key string) (*Room, error)

	// AddParticipant adds the user to the room. It reports whether the user was added;
	// adding an existing participant is a no-op.
	AddParticipant(ctx context.Context, key, userCode string) (bool, error)

	// RecordLastMessage overwrites the last message summary of the room.
	// The content is truncated for list views.
	RecordLastMessage(ctx context.Context, key string, msg LastMessage) error

	// IncrementUnread increments the unread counter of every participant except the sender.
	IncrementUnread(ctx context.Context, key, senderCode string) error

	// ResetUnread sets the unread counter of the user to zero.
	ResetUnread(ctx context.Context, key, userCode string) error

	// UnreadCount returns the unread counter of the user in the room.
	UnreadCount(ctx context.Context, key, userCode string) (int, error)

	// ListRooms returns the rooms of the user ordered by their last message, newest first.
	// If the limit is a zero value, the limit is set to 50.
	ListRooms(ctx context.Context, userCode string, offset, limit int) ([]RoomSummary, error)
}
