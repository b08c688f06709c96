package core

import (
	"context"
	"strings"
)

// Identity is the public profile of a participant as seen by the chat layer.
type Identity struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	// GroupCode is the challenge group the participant belongs to, if any.
	GroupCode string `json:"group_code,omitempty"`
}

// Group is a challenge group. Every group has exactly one group room.
type Group struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// ParticipantCreateInput is used to register a participant with the identity store.
type ParticipantCreateInput struct {
	Code        string `json:"code" validate:"required,alphanum,len=6"`
	DisplayName string `json:"display_name" validate:"required,max=100"`
	AvatarURL   string `json:"avatar_url" validate:"omitempty,url"`
	GroupCode   string `json:"group_code"`
	PIN         string `json:"pin" validate:"required,min=4,max=64"`
}

// IdentityLookup resolves user codes to identities.
type IdentityLookup interface {
	// Resolve returns the identity for code or a NotFoundError.
	Resolve(ctx context.Context, code string) (*Identity, error)
}

// GroupLookup resolves group codes to groups.
type GroupLookup interface {
	// ResolveGroup returns the group for code or a NotFoundError.
	ResolveGroup(ctx context.Context, code string) (*Group, error)
}

type IdentityStore interface {
	IdentityLookup
	GroupLookup

	CreateGroup(ctx context.Context, group Group) error

	// CreateParticipant registers a participant. Codes are stored upper case.
	// It returns a ValidationError with reason "participant_exists" on duplicates.
	CreateParticipant(ctx context.Context, input ParticipantCreateInput) (*Identity, error)

	// ComparePIN reports whether pin matches the participant's PIN.
	ComparePIN(ctx context.Context, code, pin string) (bool, error)
}

// NormalizeCode upper cases a user or group code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
