package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/lo/mutable"
	_ "modernc.org/sqlite"
)

// SQLite is the default Gateway, backed by a single-file database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the schema.
// If path is empty, defaults to "./data/relay.db".
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = "./data/relay.db"
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; serializing on one connection keeps
	// concurrent increments from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		admin TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id INTEGER NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id INTEGER NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		likes INTEGER NOT NULL DEFAULT 0 CHECK (likes >= 0)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetMessage retrieves a message by id.
func (s *SQLite) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, g.slug, u.username, m.content, m.created_at, m.likes
		FROM messages m
		JOIN chat_groups g ON g.id = m.group_id
		JOIN users u ON u.id = m.user_id
		WHERE m.id = ?
	`, id)

	msg, err := scanSQLiteMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return msg, err
}

// UpdateLikes sets the like counter of a message.
func (s *SQLite) UpdateLikes(ctx context.Context, id int64, likes int64) error {
	if likes < 0 {
		return ErrNegativeLikes
	}

	res, err := s.db.ExecContext(ctx, `UPDATE messages SET likes = ? WHERE id = ?`, likes, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementLikes adds one like in a single statement and returns the new
// count along with the slug of the message's group.
func (s *SQLite) IncrementLikes(ctx context.Context, id int64) (Likes, error) {
	likes := Likes{MessageID: id}

	var groupID int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE messages SET likes = likes + 1 WHERE id = ? RETURNING likes, group_id`, id,
	).Scan(&likes.Count, &groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return Likes{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Likes{}, err
	}

	// Slugs are immutable.
	if err := s.db.QueryRowContext(ctx,
		`SELECT slug FROM chat_groups WHERE id = ?`, groupID,
	).Scan(&likes.GroupSlug); err != nil {
		return Likes{}, fmt.Errorf("group of message %d: %w", id, err)
	}
	return likes, nil
}

// CreateMessage resolves the author and group and inserts the message.
func (s *SQLite) CreateMessage(ctx context.Context, username, groupSlug, content string, at time.Time) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var userID, groupID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("author %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return Message{}, err
	}

	err = tx.QueryRowContext(ctx, `SELECT id FROM chat_groups WHERE slug = ?`, groupSlug).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, fmt.Errorf("group %q: %w", groupSlug, ErrNotFound)
	}
	if err != nil {
		return Message{}, err
	}

	at = at.UTC().Truncate(time.Second)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (group_id, user_id, content, created_at) VALUES (?, ?, ?, ?)`,
		groupID, userID, content, at.Unix(),
	)
	if err != nil {
		return Message{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}

	return Message{
		ID:        id,
		GroupSlug: groupSlug,
		Username:  username,
		Content:   content,
		CreatedAt: at,
	}, nil
}

// RecentMessages returns up to limit of the newest messages in a group, oldest first.
func (s *SQLite) RecentMessages(ctx context.Context, groupSlug string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, g.slug, u.username, m.content, m.created_at, m.likes
		FROM messages m
		JOIN chat_groups g ON g.id = m.group_id
		JOIN users u ON u.id = m.user_id
		WHERE g.slug = ?
		ORDER BY m.id DESC
		LIMIT ?
	`, groupSlug, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mutable.Reverse(msgs)
	return msgs, nil
}

// CreateUser inserts a user.
func (s *SQLite) CreateUser(ctx context.Context, username string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (username) VALUES (?)`, username)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateGroup inserts a group. The slug is immutable once created.
func (s *SQLite) CreateGroup(ctx context.Context, slug, name, admin string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_groups (slug, name, admin) VALUES (?, ?, ?)`, slug, name, admin)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AddMember adds a user to a group. Adding an existing member is a no-op.
func (s *SQLite) AddMember(ctx context.Context, groupSlug, username string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO group_members (group_id, user_id)
		SELECT g.id, u.id FROM chat_groups g, users u
		WHERE g.slug = ? AND u.username = ?
	`, groupSlug, username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `
			SELECT 1 FROM chat_groups g, users u WHERE g.slug = ? AND u.username = ?
		`, groupSlug, username).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("member %q of %q: %w", username, groupSlug, ErrNotFound)
		}
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (Message, error) {
	var msg Message
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.GroupSlug, &msg.Username, &msg.Content, &createdAt, &msg.Likes); err != nil {
		return Message{}, err
	}
	msg.CreatedAt = time.Unix(createdAt, 0).UTC()
	return msg, nil
}

var (
	_ Gateway     = (*SQLite)(nil)
	_ Provisioner = (*SQLite)(nil)
)
