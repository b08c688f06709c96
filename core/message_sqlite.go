package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// monotonicClock returns strictly increasing timestamps so creation order is
// preserved even when the wall clock repeats or steps back.
type monotonicClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func (c *monotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.now().UnixNano()
	if n <= c.last {
		n = c.last + 1
	}
	c.last = n
	return time.Unix(0, n).UTC()
}

type SQLiteMessageStore struct {
	db    *sql.DB
	clock *monotonicClock
	// messageLocks serializes read-modify-write operations per message.
	messageLocks *KeyedMutex
}

func NewSQLiteMessageStore(db *sql.DB) *SQLiteMessageStore {
	return &SQLiteMessageStore{
		db:           db,
		clock:        &monotonicClock{now: time.Now},
		messageLocks: NewKeyedMutex(),
	}
}

const messageColumns = `id, room_key, room_kind, sender_code, sender_name, sender_avatar,
	content, is_deleted, created_at, updated_at`

func (s *SQLiteMessageStore) Append(ctx context.Context, roomKey string, sender Sender, content string) (*Message, error) {
	content, err := ValidateContent(content)
	if err != nil {
		return nil, err
	}
	sender.Code = NormalizeCode(sender.Code)
	if sender.Code == "" {
		return nil, NewValidationError("validation_failed", "sender is required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, NewPersistenceError("uuid.NewV7", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewPersistenceError("BeginTx", err)
	}
	defer tx.Rollback()

	var kind RoomKind
	row := tx.QueryRowContext(ctx, `SELECT kind FROM rooms WHERE key = @key`, sql.Named("key", roomKey))
	if err := row.Scan(&kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("room_not_found", fmt.Sprintf("room %q not found", roomKey))
		}
		return nil, NewPersistenceError("row.Scan(room kind)", err)
	}

	createdAt := s.clock.Now()
	msg := &Message{
		ID:        id.String(),
		RoomKey:   roomKey,
		RoomKind:  kind,
		Sender:    sender,
		Content:   content,
		Mentions:  ExtractMentions(content),
		Reactions: []Reaction{},
		ReadBy:    []string{sender.Code},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`, search_content)
		VALUES (@id, @room_key, @room_kind, @sender_code, @sender_name, @sender_avatar,
		@content, 0, @created_at, @created_at, @search_content)`,
		sql.Named("id", msg.ID), sql.Named("room_key", roomKey), sql.Named("room_kind", kind),
		sql.Named("sender_code", sender.Code), sql.Named("sender_name", sender.DisplayName),
		sql.Named("sender_avatar", sender.AvatarURL), sql.Named("content", content),
		sql.Named("search_content", foldForSearch(content)),
		sql.Named("created_at", createdAt.UnixNano()))
	if err != nil {
		return nil, NewPersistenceError("ExecContext(insert message)", err)
	}

	for i, code := range msg.Mentions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_mentions (message_id, position, user_code) VALUES (@id, @position, @code)`,
			sql.Named("id", msg.ID), sql.Named("position", i), sql.Named("code", code))
		if err != nil {
			return nil, NewPersistenceError("ExecContext(insert message_mentions)", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_code, read_at) VALUES (@id, @code, @read_at)`,
		sql.Named("id", msg.ID), sql.Named("code", sender.Code), sql.Named("read_at", createdAt.UnixNano()))
	if err != nil {
		return nil, NewPersistenceError("ExecContext(insert message_reads)", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, NewPersistenceError("Commit", err)
	}
	return msg, nil
}

func (s *SQLiteMessageStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.getMessage(ctx, s.db, id)
}

func (s *SQLiteMessageStore) getMessage(ctx context.Context, q queryer, id string) (*Message, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = @id`, sql.Named("id", id))
	if err != nil {
		return nil, NewPersistenceError("QueryContext(message)", err)
	}
	messages, err := s.scanMessages(ctx, q, rows)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, NewNotFoundError("message_not_found", fmt.Sprintf("message %q not found", id))
	}
	return &messages[0], nil
}

func (s *SQLiteMessageStore) Page(ctx context.Context, roomKey string, q PageQuery) ([]Message, int, error) {
	q = q.Normalize()
	if err := s.roomExists(ctx, roomKey); err != nil {
		return nil, 0, err
	}

	where := `room_key = @room_key`
	if !q.IncludeDeleted {
		where += ` AND is_deleted = 0`
	}

	var total int
	row := s.db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE `+where, sql.Named("room_key", roomKey))
	if err := row.Scan(&total); err != nil {
		return nil, 0, NewPersistenceError("row.Scan(count messages)", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE `+where+`
		ORDER BY created_at DESC, id DESC
		LIMIT @limit OFFSET @offset`,
		sql.Named("room_key", roomKey), sql.Named("limit", q.PageSize),
		sql.Named("offset", (q.Page-1)*q.PageSize))
	if err != nil {
		return nil, 0, NewPersistenceError("QueryContext(page messages)", err)
	}
	messages, err := s.scanMessages(ctx, s.db, rows)
	if err != nil {
		return nil, 0, err
	}

	// newest first from storage, oldest first for display
	slices.Reverse(messages)
	return messages, total, nil
}

func (s *SQLiteMessageStore) Search(ctx context.Context, roomKey, q string) ([]Message, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, NewValidationError("validation_failed", "search query is empty")
	}
	if err := s.roomExists(ctx, roomKey); err != nil {
		return nil, err
	}

	pattern := "%" + escapeLike(foldForSearch(q)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE room_key = @room_key AND is_deleted = 0 AND search_content LIKE @pattern ESCAPE '\'
		ORDER BY created_at DESC, id DESC
		LIMIT @limit`,
		sql.Named("room_key", roomKey), sql.Named("pattern", pattern),
		sql.Named("limit", MaxSearchResults))
	if err != nil {
		return nil, NewPersistenceError("QueryContext(search messages)", err)
	}
	return s.scanMessages(ctx, s.db, rows)
}

func (s *SQLiteMessageStore) ToggleReaction(ctx context.Context, messageID, emoji, userCode string) (*Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > 64 {
		return nil, NewValidationError("validation_failed", "emoji must be between 1 and 64 bytes")
	}
	code := NormalizeCode(userCode)

	unlock := s.messageLocks.Lock(messageID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewPersistenceError("BeginTx", err)
	}
	defer tx.Rollback()

	var deleted bool
	row := tx.QueryRowContext(ctx, `SELECT is_deleted FROM messages WHERE id = @id`, sql.Named("id", messageID))
	if err := row.Scan(&deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("message_not_found", fmt.Sprintf("message %q not found", messageID))
		}
		return nil, NewPersistenceError("row.Scan(message)", err)
	}
	if deleted {
		return nil, NewValidationError("message_deleted", "cannot react to a deleted message")
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM message_reactions WHERE message_id = @id AND emoji = @emoji AND user_code = @code`,
		sql.Named("id", messageID), sql.Named("emoji", emoji), sql.Named("code", code))
	if err != nil {
		return nil, NewPersistenceError("ExecContext(delete reaction)", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return nil, NewPersistenceError("RowsAffected", err)
	}

	now := s.clock.Now().UnixNano()
	if removed == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, emoji, user_code, created_at)
			VALUES (@id, @emoji, @code, @created_at)`,
			sql.Named("id", messageID), sql.Named("emoji", emoji),
			sql.Named("code", code), sql.Named("created_at", now))
		if err != nil {
			return nil, NewPersistenceError("ExecContext(insert reaction)", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET updated_at = @now WHERE id = @id`,
		sql.Named("now", now), sql.Named("id", messageID)); err != nil {
		return nil, NewPersistenceError("ExecContext(update message)", err)
	}

	msg, err := s.getMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, NewPersistenceError("Commit", err)
	}
	return msg, nil
}

func (s *SQLiteMessageStore) MarkRead(ctx context.Context, roomKey, readerCode string) (int, error) {
	if err := s.roomExists(ctx, roomKey); err != nil {
		return 0, err
	}
	code := NormalizeCode(readerCode)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_code, read_at)
		SELECT id, @reader, @read_at FROM messages
		WHERE room_key = @room_key AND sender_code != @reader
		ON CONFLICT (message_id, user_code) DO NOTHING`,
		sql.Named("reader", code), sql.Named("room_key", roomKey),
		sql.Named("read_at", s.clock.Now().UnixNano()))
	if err != nil {
		return 0, NewPersistenceError("ExecContext(insert message_reads)", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, NewPersistenceError("RowsAffected", err)
	}
	return int(n), nil
}

func (s *SQLiteMessageStore) SoftDelete(ctx context.Context, messageID, requestorCode string) (*Message, error) {
	unlock := s.messageLocks.Lock(messageID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewPersistenceError("BeginTx", err)
	}
	defer tx.Rollback()

	var sender string
	var deleted bool
	row := tx.QueryRowContext(ctx, `SELECT sender_code, is_deleted FROM messages WHERE id = @id`,
		sql.Named("id", messageID))
	if err := row.Scan(&sender, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewNotFoundError("message_not_found", fmt.Sprintf("message %q not found", messageID))
		}
		return nil, NewPersistenceError("row.Scan(message)", err)
	}
	if sender != NormalizeCode(requestorCode) {
		return nil, NewPermissionError("not_sender", "only the sender can delete a message")
	}

	if !deleted {
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET is_deleted = 1, content = @content, search_content = '', updated_at = @now
			WHERE id = @id`,
			sql.Named("content", DeletedMessageContent),
			sql.Named("now", s.clock.Now().UnixNano()), sql.Named("id", messageID))
		if err != nil {
			return nil, NewPersistenceError("ExecContext(delete message)", err)
		}
	}

	msg, err := s.getMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, NewPersistenceError("Commit", err)
	}
	return msg, nil
}

func (s *SQLiteMessageStore) roomExists(ctx context.Context, key string) error {
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

// scanMessages reads message rows and loads their mentions, reactions and readers.
// It closes rows.
func (s *SQLiteMessageStore) scanMessages(ctx context.Context, q queryer, rows *sql.Rows) ([]Message, error) {
	messages := []Message{}
	defer rows.Close()

	for rows.Next() {
		var (
			m                    Message
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&m.ID, &m.RoomKey, &m.RoomKind, &m.Sender.Code, &m.Sender.DisplayName,
			&m.Sender.AvatarURL, &m.Content, &m.IsDeleted, &createdAt, &updatedAt); err != nil {
			return nil, NewPersistenceError("rows.Scan(messages)", err)
		}
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		m.UpdatedAt = time.Unix(0, updatedAt).UTC()
		m.Mentions = []string{}
		m.Reactions = []Reaction{}
		m.ReadBy = []string{}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, NewPersistenceError("rows.Err", err)
	}
	// release the connection before loading relations
	rows.Close()

	if len(messages) == 0 {
		return messages, nil
	}

	index := make(map[string]*Message, len(messages))
	args := make([]any, 0, len(messages))
	for i := range messages {
		index[messages[i].ID] = &messages[i]
		args = append(args, messages[i].ID)
	}
	in := "(" + strings.Repeat("?,", len(args)-1) + "?)"

	if err := eachRow(ctx, q, `
		SELECT message_id, user_code FROM message_mentions
		WHERE message_id IN `+in+` ORDER BY position ASC`, args,
		func(r *sql.Rows) error {
			var id, code string
			if err := r.Scan(&id, &code); err != nil {
				return err
			}
			index[id].Mentions = append(index[id].Mentions, code)
			return nil
		}); err != nil {
		return nil, NewPersistenceError("loading mentions", err)
	}

	if err := eachRow(ctx, q, `
		SELECT r.message_id, r.emoji, r.user_code FROM message_reactions AS r
		INNER JOIN (
			SELECT message_id, emoji, min(created_at) AS first_at FROM message_reactions
			WHERE message_id IN `+in+` GROUP BY message_id, emoji
		) AS f ON f.message_id = r.message_id AND f.emoji = r.emoji
		ORDER BY f.first_at ASC, r.emoji ASC, r.created_at ASC, r.user_code ASC`, args,
		func(r *sql.Rows) error {
			var id, emoji, code string
			if err := r.Scan(&id, &emoji, &code); err != nil {
				return err
			}
			m := index[id]
			n := len(m.Reactions)
			if n == 0 || m.Reactions[n-1].Emoji != emoji {
				m.Reactions = append(m.Reactions, Reaction{Emoji: emoji})
				n++
			}
			m.Reactions[n-1].Users = append(m.Reactions[n-1].Users, code)
			return nil
		}); err != nil {
		return nil, NewPersistenceError("loading reactions", err)
	}

	if err := eachRow(ctx, q, `
		SELECT message_id, user_code FROM message_reads
		WHERE message_id IN `+in+` ORDER BY read_at ASC, user_code ASC`, args,
		func(r *sql.Rows) error {
			var id, code string
			if err := r.Scan(&id, &code); err != nil {
				return err
			}
			index[id].ReadBy = append(index[id].ReadBy, code)
			return nil
		}); err != nil {
		return nil, NewPersistenceError("loading readers", err)
	}

	return messages, nil
}

func eachRow(ctx context.Context, q queryer, query string, args []any, f func(*sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := f(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// foldForSearch returns the case folded form kept in search_content.
func foldForSearch(s string) string {
	return cases.Fold().String(s)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
