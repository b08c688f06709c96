package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxMessageLength is the maximum number of characters in a message.
	MaxMessageLength = 2000
	// DeletedMessageContent replaces the content of soft deleted messages.
	DeletedMessageContent = "This message was deleted"

	DefaultPageSize  = 50
	MaxSearchResults = 50
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9]{6})\b`)

// Sender identifies the author of a message at the time it was sent.
type Sender struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

func SenderFromIdentity(id Identity) Sender {
	return Sender{Code: id.Code, DisplayName: id.DisplayName, AvatarURL: id.AvatarURL}
}

// Reaction is an emoji and the users who applied it, in the order they reacted.
type Reaction struct {
	Emoji string   `json:"emoji"`
	Users []string `json:"users"`
}

type Message struct {
	ID       string   `json:"id"`
	RoomKey  string   `json:"room_id"`
	RoomKind RoomKind `json:"room_kind"`
	Sender   Sender   `json:"sender"`
	Content  string   `json:"content"`
	// Mentions holds the upper cased user codes mentioned with @CODE, in order of appearance.
	Mentions  []string   `json:"mentions"`
	Reactions []Reaction `json:"reactions"`
	// ReadBy always contains the sender.
	ReadBy    []string  `json:"read_by"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReactionUsers returns the users who reacted with emoji.
func (m *Message) ReactionUsers(emoji string) []string {
	for _, r := range m.Reactions {
		if r.Emoji == emoji {
			return r.Users
		}
	}
	return nil
}

// ExtractMentions returns the distinct user codes mentioned in content, upper cased.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	mentions := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		code := strings.ToUpper(m[1])
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		mentions = append(mentions, code)
	}
	return mentions
}

// ValidateContent trims content and checks it against the length bound.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", NewValidationError("content_empty", "message content is empty")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return "", NewValidationError("content_too_long",
			fmt.Sprintf("message content exceeds %d characters", MaxMessageLength))
	}
	return content, nil
}

// PageQuery selects a page of messages. Zero or negative values fall back to defaults.
type PageQuery struct {
	Page           int
	PageSize       int
	IncludeDeleted bool
}

func (q PageQuery) Normalize() PageQuery {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	return q
}

type MessageStore interface {
	// Append stores a new message in the room. The content is validated with
	// ValidateContent and mentions are extracted from it.
	// It returns a NotFoundError if the room does not exist.
	Append(ctx context.Context, roomKey string, sender Sender, content string) (*Message, error)

	// GetMessage returns the message or a NotFoundError.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// Page returns a page of messages in chronological order and the total number of
	// messages matching the query. Page 1 holds the newest messages.
	Page(ctx context.Context, roomKey string, q PageQuery) ([]Message, int, error)

	// Search returns non-deleted messages whose content contains q, newest first.
	Search(ctx context.Context, roomKey, q string) ([]Message, error)

	// ToggleReaction adds the user to the emoji's reaction or removes them if they
	// already reacted with it. Empty reactions are removed.
	ToggleReaction(ctx context.Context, messageID, emoji, userCode string) (*Message, error)

	// MarkRead adds the reader to the read set of every message in the room they
	// did not send. It returns the number of messages newly marked.
	MarkRead(ctx context.Context, roomKey, readerCode string) (int, error)

	// SoftDelete replaces the content of the message with DeletedMessageContent.
	// Only the sender may delete a message.
	SoftDelete(ctx context.Context, messageID, requestorCode string) (*Message, error)
}
