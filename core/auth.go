package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Session struct {
	Code      string    `json:"code"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

var ErrBadCredentials = errors.New("invalid credentials")

type AuthStore interface {
	// NewSession checks the PIN of the participant and issues a session token.
	// It returns ErrBadCredentials when the code or PIN is wrong.
	NewSession(ctx context.Context, code, pin string) (*Session, error)

	// Session verifies token and returns the session it belongs to.
	// It returns an UnauthenticatedError when the token is not valid.
	Session(ctx context.Context, token string) (*Session, error)

	// DestroySession invalidates the session token.
	DestroySession(ctx context.Context, session Session) error
}

// SQLiteAuthStore issues JWT sessions for participants of an identity store.
// Signed out tokens are blacklisted until they expire.
type SQLiteAuthStore struct {
	db         *sql.DB
	identities IdentityStore
	secret     []byte
	tokenTTL   time.Duration
}

type AuthOption func(*SQLiteAuthStore)

func WithTokenTTL(ttl time.Duration) AuthOption {
	return func(a *SQLiteAuthStore) {
		if ttl > 0 {
			a.tokenTTL = ttl
		}
	}
}

func NewSQLiteAuthStore(db *sql.DB, identities IdentityStore, secret []byte, opts ...AuthOption) *SQLiteAuthStore {
	a := &SQLiteAuthStore{
		db:         db,
		identities: identities,
		secret:     secret,
		tokenTTL:   24 * time.Hour,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *SQLiteAuthStore) NewSession(ctx context.Context, code, pin string) (*Session, error) {
	ok, err := a.identities.ComparePIN(ctx, code, pin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBadCredentials
	}

	token, exp, err := NewToken(code, a.tokenTTL, a.secret)
	if err != nil {
		return nil, fmt.Errorf("creating token: %w", err)
	}
	return &Session{Code: NormalizeCode(code), Token: token, ExpiresAt: exp}, nil
}

func (a *SQLiteAuthStore) Session(ctx context.Context, token string) (*Session, error) {
	claims, err := VerifyToken(token, a.secret)
	if err != nil {
		return nil, NewUnauthenticatedError(err.Error())
	}

	blacklisted, err := a.isBlacklisted(ctx, token)
	if err != nil {
		return nil, err
	}
	if blacklisted {
		return nil, NewUnauthenticatedError("session has been signed out")
	}
	return &Session{Code: claims.Code, Token: token, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// DestroySession blacklists the session token. Expired entries are pruned.
func (a *SQLiteAuthStore) DestroySession(ctx context.Context, session Session) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO blacklists (token, expires_at) VALUES (@token, @expires_at)
		ON CONFLICT (token) DO NOTHING`,
		sql.Named("token", session.Token), sql.Named("expires_at", session.ExpiresAt.UnixNano()))
	if err != nil {
		return NewPersistenceError("ExecContext(insert blacklists)", err)
	}
	_, err = a.db.ExecContext(ctx, `DELETE FROM blacklists WHERE expires_at < @now`,
		sql.Named("now", time.Now().UnixNano()))
	if err != nil {
		return NewPersistenceError("ExecContext(prune blacklists)", err)
	}
	return nil
}

func (a *SQLiteAuthStore) isBlacklisted(ctx context.Context, token string) (bool, error) {
	row := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blacklists WHERE token = @token", sql.Named("token", token))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, NewPersistenceError("scanning count", err)
	}
	return count > 0, nil
}

// ChatAuthPayload is the credential carried by a chat_auth frame.
type ChatAuthPayload struct {
	Token    string `json:"token"`
	UserCode string `json:"user_code"`
}

// Authenticator turns chat_auth credentials into an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, p ChatAuthPayload) (*Identity, error)
}

// TokenAuthenticator requires a session token and resolves its subject.
type TokenAuthenticator struct {
	auth       AuthStore
	identities IdentityLookup
}

func NewTokenAuthenticator(auth AuthStore, identities IdentityLookup) *TokenAuthenticator {
	return &TokenAuthenticator{auth: auth, identities: identities}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, p ChatAuthPayload) (*Identity, error) {
	if p.Token == "" {
		return nil, NewUnauthenticatedError("token is required")
	}
	session, err := a.auth.Session(ctx, p.Token)
	if err != nil {
		return nil, err
	}
	return a.identities.Resolve(ctx, session.Code)
}

// CodeAuthenticator trusts the user code sent by the client. It is meant for
// deployments where the portal front end has already authenticated the user.
type CodeAuthenticator struct {
	identities IdentityLookup
}

func NewCodeAuthenticator(identities IdentityLookup) *CodeAuthenticator {
	return &CodeAuthenticator{identities: identities}
}

func (a *CodeAuthenticator) Authenticate(ctx context.Context, p ChatAuthPayload) (*Identity, error) {
	if NormalizeCode(p.UserCode) == "" {
		return nil, NewValidationError("validation_failed", "user_code is required")
	}
	return a.identities.Resolve(ctx, p.UserCode)
}
