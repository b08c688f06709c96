package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

type SQLiteIdentityStore struct {
	db *sql.DB
}

func NewSQLiteIdentityStore(db *sql.DB) *SQLiteIdentityStore {
	return &SQLiteIdentityStore{
		db: db,
	}
}

func (s *SQLiteIdentityStore) CreateGroup(ctx context.Context, group Group) error {
	code := NormalizeCode(group.Code)
	if code == "" || group.Name == "" {
		return NewValidationError("validation_failed", "group code and name are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (code, name) VALUES (@code, @name)
		 ON CONFLICT (code) DO UPDATE SET name = excluded.name`,
		sql.Named("code", code), sql.Named("name", group.Name))
	if err != nil {
		return NewPersistenceError("ExecContext(insert group)", err)
	}
	return nil
}

func (s *SQLiteIdentityStore) CreateParticipant(ctx context.Context, input ParticipantCreateInput) (*Identity, error) {
	if err := validateStruct(input); err != nil {
		return nil, err
	}
	code := NormalizeCode(input.Code)
	groupCode := NormalizeCode(input.GroupCode)

	if groupCode != "" {
		if _, err := s.ResolveGroup(ctx, groupCode); err != nil {
			return nil, err
		}
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(input.PIN), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing pin: %w", err)
	}

	var group sql.NullString
	if groupCode != "" {
		group = sql.NullString{String: groupCode, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO participants (code, display_name, avatar_url, group_code, pin_hash)
		 VALUES (@code, @display_name, @avatar_url, @group_code, @pin_hash)`,
		sql.Named("code", code), sql.Named("display_name", input.DisplayName),
		sql.Named("avatar_url", input.AvatarURL), sql.Named("group_code", group),
		sql.Named("pin_hash", string(hashed)))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return nil, NewValidationError("participant_exists", "participant already exists")
		}
		return nil, NewPersistenceError("ExecContext(insert participant)", err)
	}

	return &Identity{
		Code:        code,
		DisplayName: input.DisplayName,
		AvatarURL:   input.AvatarURL,
		GroupCode:   groupCode,
	}, nil
}

func (s *SQLiteIdentityStore) Resolve(ctx context.Context, code string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT code, display_name, avatar_url, group_code FROM participants WHERE code = ? LIMIT 1`,
		NormalizeCode(code))

	identity := new(Identity)
	var group sql.NullString
	if err := row.Scan(&identity.Code, &identity.DisplayName, &identity.AvatarURL, &group); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("user_not_found", fmt.Sprintf("user %s not found", code))
		}
		return nil, NewPersistenceError("scanning participant", err)
	}
	identity.GroupCode = group.String
	return identity, nil
}

func (s *SQLiteIdentityStore) ResolveGroup(ctx context.Context, code string) (*Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT code, name FROM groups WHERE code = ? LIMIT 1`, NormalizeCode(code))

	group := new(Group)
	if err := row.Scan(&group.Code, &group.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("group_not_found", fmt.Sprintf("group %s not found", code))
		}
		return nil, NewPersistenceError("scanning group", err)
	}
	return group, nil
}

func (s *SQLiteIdentityStore) ComparePIN(ctx context.Context, code, pin string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT pin_hash FROM participants WHERE code = ? LIMIT 1", NormalizeCode(code))

	var stored string
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, NewPersistenceError("scanning pin", err)
	}
	if stored == "" {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(pin)); err != nil {
		return false, nil
	}
	return true, nil
}
