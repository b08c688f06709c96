package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

type SQLiteRoomDirectory struct {
	db *sql.DB
	// creating deduplicates concurrent get-or-create calls for the same key.
	// Convergence is guaranteed by the upsert, this only saves round trips.
	creating singleflight.Group
	now      func() time.Time
}

func NewSQLiteRoomDirectory(db *sql.DB) *SQLiteRoomDirectory {
	return &SQLiteRoomDirectory{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type roomMember struct {
	code     string
	roomName string
}

func (s *SQLiteRoomDirectory) GetOrCreateGlobal(ctx context.Context) (*Room, error) {
	return s.getOrCreate(ctx, Room{
		Key:  GlobalRoomKey,
		Kind: GlobalRoom,
		Name: GlobalRoomName,
	})
}

func (s *SQLiteRoomDirectory) GetOrCreateGroup(ctx context.Context, groupCode, groupName string) (*Room, error) {
	code := NormalizeCode(groupCode)
	if code == "" {
		return nil, NewValidationError("validation_failed", "group code is required")
	}
	if groupName == "" {
		groupName = code
	}
	return s.getOrCreate(ctx, Room{
		Key:  GroupRoomKey(code),
		Kind: GroupRoom,
		Name: groupName,
	})
}

func (s *SQLiteRoomDirectory) GetOrCreateDirect(ctx context.Context, a, b Identity) (*Room, error) {
	a.Code, b.Code = NormalizeCode(a.Code), NormalizeCode(b.Code)
	if a.Code == "" || b.Code == "" {
		return nil, NewValidationError("validation_failed", "both participants are required")
	}
	if a.Code == b.Code {
		return nil, NewValidationError("validation_failed", "cannot open a direct room with yourself")
	}
	if b.Code < a.Code {
		a, b = b, a
	}
	return s.getOrCreate(ctx, Room{
		Key:  DirectRoomKey(a.Code, b.Code),
		Kind: DirectRoom,
		Name: a.DisplayName + " & " + b.DisplayName,
	},
		roomMember{code: a.Code, roomName: b.DisplayName},
		roomMember{code: b.Code, roomName: a.DisplayName},
	)
}

func (s *SQLiteRoomDirectory) getOrCreate(ctx context.Context, room Room, members ...roomMember) (*Room, error) {
	// the shared call must outlive any single caller giving up
	work := context.WithoutCancel(ctx)
	ch := s.creating.DoChan(room.Key, func() (interface{}, error) {
		existing, err := s.GetRoom(work, room.Key)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err := s.upsertRoom(work, room, members); err != nil {
			return nil, err
		}
		return s.GetRoom(work, room.Key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Room), nil
	}
}

// upsertRoom inserts the room and its initial members. Inserting an existing
// key is a no-op so concurrent creators converge on the first row written.
func (s *SQLiteRoomDirectory) upsertRoom(ctx context.Context, room Room, members []roomMember) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewPersistenceError("BeginTx", err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (key, kind, name, avatar_url, description, created_at)
		VALUES (@key, @kind, @name, @avatar_url, @description, @created_at)
		ON CONFLICT (key) DO NOTHING`,
		sql.Named("key", room.Key), sql.Named("kind", room.Kind),
		sql.Named("name", room.Name), sql.Named("avatar_url", room.AvatarURL),
		sql.Named("description", room.Description), sql.Named("created_at", now))
	if err != nil {
		return NewPersistenceError("ExecContext(insert room)", err)
	}

	for _, m := range members {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO room_participants (room_key, user_code, room_name, unread_count, joined_at)
			VALUES (@room_key, @user_code, @room_name, 0, @joined_at)
			ON CONFLICT (room_key, user_code) DO NOTHING`,
			sql.Named("room_key", room.Key), sql.Named("user_code", m.code),
			sql.Named("room_name", m.roomName), sql.Named("joined_at", now))
		if err != nil {
			return NewPersistenceError("ExecContext(insert room_participants)", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return NewPersistenceError("Commit", err)
	}
	return nil
}

func (s *SQLiteRoomDirectory) GetRoom(ctx context.Context, key string) (*Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, kind, name, avatar_url, description,
		last_message_content, last_message_sender_name, last_message_sender_code, last_message_at,
		created_at
		FROM rooms WHERE key = @key`, sql.Named("key", key))

	var (
		room      Room
		last      LastMessage
		lastAt    int64
		createdAt int64
	)
	if err := row.Scan(&room.Key, &room.Kind, &room.Name, &room.AvatarURL, &room.Description,
		&last.Content, &last.SenderName, &last.SenderCode, &lastAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("room_not_found", fmt.Sprintf("room %q not found", key))
		}
		return nil, NewPersistenceError("row.Scan(room)", err)
	}
	room.CreatedAt = time.Unix(0, createdAt).UTC()
	if lastAt != 0 {
		last.SentAt = time.Unix(0, lastAt).UTC()
		room.LastMessage = &last
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_code, unread_count FROM room_participants
		WHERE room_key = @key ORDER BY joined_at ASC, user_code ASC`, sql.Named("key", key))
	if err != nil {
		return nil, NewPersistenceError("QueryContext(room_participants)", err)
	}
	defer rows.Close()

	room.Participants = []string{}
	room.Unread = make(map[string]int)
	for rows.Next() {
		var code string
		var unread int
		if err := rows.Scan(&code, &unread); err != nil {
			return nil, NewPersistenceError("rows.Scan(room_participants)", err)
		}
		room.Participants = append(room.Participants, code)
		room.Unread[code] = unread
	}
	if err := rows.Err(); err != nil {
		return nil, NewPersistenceError("rows.Err", err)
	}

	return &room, nil
}

func (s *SQLiteRoomDirectory) AddParticipant(ctx context.Context, key, userCode string) (bool, error) {
	code := NormalizeCode(userCode)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO room_participants (room_key, user_code, room_name, unread_count, joined_at)
		SELECT @room_key, @user_code, '', 0, @joined_at
		WHERE EXISTS (SELECT 1 FROM rooms WHERE key = @room_key)
		ON CONFLICT (room_key, user_code) DO NOTHING`,
		sql.Named("room_key", key), sql.Named("user_code", code),
		sql.Named("joined_at", s.now().UnixNano()))
	if err != nil {
		return false, NewPersistenceError("ExecContext(insert room_participants)", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, NewPersistenceError("RowsAffected", err)
	}
	if n > 0 {
		return true, nil
	}
	if err := s.roomExists(ctx, key); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteRoomDirectory) RecordLastMessage(ctx context.Context, key string, msg LastMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET
		last_message_content = @content,
		last_message_sender_name = @sender_name,
		last_message_sender_code = @sender_code,
		last_message_at = @sent_at
		WHERE key = @key`,
		sql.Named("key", key),
		sql.Named("content", truncateSnippet(msg.Content)),
		sql.Named("sender_name", msg.SenderName),
		sql.Named("sender_code", NormalizeCode(msg.SenderCode)),
		sql.Named("sent_at", msg.SentAt.UnixNano()))
	if err != nil {
		return NewPersistenceError("ExecContext(update rooms)", err)
	}
	return s.requireAffected(ctx, res, key)
}

func (s *SQLiteRoomDirectory) IncrementUnread(ctx context.Context, key, senderCode string) error {
	if err := s.roomExists(ctx, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE room_participants SET unread_count = unread_count + 1
		WHERE room_key = @key AND user_code != @sender`,
		sql.Named("key", key), sql.Named("sender", NormalizeCode(senderCode)))
	if err != nil {
		return NewPersistenceError("ExecContext(increment unread)", err)
	}
	return nil
}

func (s *SQLiteRoomDirectory) ResetUnread(ctx context.Context, key, userCode string) error {
	if err := s.roomExists(ctx, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE room_participants SET unread_count = 0
		WHERE room_key = @key AND user_code = @user`,
		sql.Named("key", key), sql.Named("user", NormalizeCode(userCode)))
	if err != nil {
		return NewPersistenceError("ExecContext(reset unread)", err)
	}
	return nil
}

func (s *SQLiteRoomDirectory) UnreadCount(ctx context.Context, key, userCode string) (int, error) {
	if err := s.roomExists(ctx, key); err != nil {
		return 0, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT unread_count FROM room_participants WHERE room_key = @key AND user_code = @user`,
		sql.Named("key", key), sql.Named("user", NormalizeCode(userCode)))
	var n int
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, NewPersistenceError("row.Scan(unread_count)", err)
	}
	return n, nil
}

func (s *SQLiteRoomDirectory) ListRooms(ctx context.Context, userCode string, offset, limit int) ([]RoomSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.key, r.kind, COALESCE(NULLIF(rp.room_name, ''), r.name), r.avatar_url,
		r.last_message_content, r.last_message_sender_name, r.last_message_sender_code, r.last_message_at,
		rp.unread_count,
		(SELECT group_concat(p.user_code, ',') FROM room_participants AS p WHERE p.room_key = r.key)
		FROM room_participants AS rp
		INNER JOIN rooms AS r ON r.key = rp.room_key
		WHERE rp.user_code = @user
		ORDER BY r.last_message_at DESC, r.name ASC
		LIMIT @limit OFFSET @offset`,
		sql.Named("user", NormalizeCode(userCode)),
		sql.Named("limit", limit), sql.Named("offset", offset))
	if err != nil {
		return nil, NewPersistenceError("QueryContext(list rooms)", err)
	}
	defer rows.Close()

	summaries := []RoomSummary{}
	for rows.Next() {
		var (
			summary      RoomSummary
			last         LastMessage
			lastAt       int64
			participants sql.NullString
		)
		if err := rows.Scan(&summary.Key, &summary.Kind, &summary.Name, &summary.AvatarURL,
			&last.Content, &last.SenderName, &last.SenderCode, &lastAt,
			&summary.UnreadCount, &participants); err != nil {
			return nil, NewPersistenceError("rows.Scan(list rooms)", err)
		}
		if lastAt != 0 {
			last.SentAt = time.Unix(0, lastAt).UTC()
			summary.LastMessage = &last
		}
		summary.Participants = []string{}
		if participants.Valid && participants.String != "" {
			summary.Participants = strings.Split(participants.String, ",")
			slices.Sort(summary.Participants)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, NewPersistenceError("rows.Err", err)
	}
	return summaries, nil
}

func (s *SQLiteRoomDirectory) roomExists(ctx context.Context, key string) error {
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM rooms WHERE key = @key`, sql.Named("key", key))
	var n int
	if err := row.Scan(&n); err != nil {
		return NewPersistenceError("row.Scan(count rooms)", err)
	}
	if n == 0 {
		return NewNotFoundError("room_not_found", fmt.Sprintf("room %q not found", key))
	}
	return nil
}

func (s *SQLiteRoomDirectory) requireAffected(ctx context.Context, res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return NewPersistenceError("RowsAffected", err)
	}
	if n == 0 {
		return NewNotFoundError("room_not_found", fmt.Sprintf("room %q not found", key))
	}
	return nil
}
