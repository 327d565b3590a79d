package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo/mutable"
)

// Postgres is a Gateway over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and ensures the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_groups (
		id BIGSERIAL PRIMARY KEY,
		slug TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		admin TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS group_members (
		group_id BIGINT NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		group_id BIGINT NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		likes BIGINT NOT NULL DEFAULT 0 CHECK (likes >= 0)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, id);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetMessage retrieves a message by id.
func (s *Postgres) GetMessage(ctx context.Context, id int64) (Message, error) {
	var msg Message
	err := s.pool.QueryRow(ctx, `
		SELECT m.id, g.slug, u.username, m.content, m.created_at, m.likes
		FROM messages m
		JOIN chat_groups g ON g.id = m.group_id
		JOIN users u ON u.id = m.user_id
		WHERE m.id = $1
	`, id).Scan(&msg.ID, &msg.GroupSlug, &msg.Username, &msg.Content, &msg.CreatedAt, &msg.Likes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Message{}, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// UpdateLikes sets the like counter of a message.
func (s *Postgres) UpdateLikes(ctx context.Context, id int64, likes int64) error {
	if likes < 0 {
		return ErrNegativeLikes
	}

	tag, err := s.pool.Exec(ctx, `UPDATE messages SET likes = $1 WHERE id = $2`, likes, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

// IncrementLikes adds one like in a single statement and returns the new
// count along with the slug of the message's group.
func (s *Postgres) IncrementLikes(ctx context.Context, id int64) (Likes, error) {
	likes := Likes{MessageID: id}
	err := s.pool.QueryRow(ctx, `
		WITH liked AS (
			UPDATE messages SET likes = likes + 1 WHERE id = $1
			RETURNING likes, group_id
		)
		SELECT liked.likes, g.slug FROM liked JOIN chat_groups g ON g.id = liked.group_id
	`, id).Scan(&likes.Count, &likes.GroupSlug)
	if errors.Is(err, pgx.ErrNoRows) {
		return Likes{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Likes{}, err
	}
	return likes, nil
}

// CreateMessage resolves the author and group and inserts the message in one statement.
func (s *Postgres) CreateMessage(ctx context.Context, username, groupSlug, content string, at time.Time) (Message, error) {
	at = at.UTC().Truncate(time.Second)

	var id int64
	err := s.pool.QueryRow(ctx, `
		WITH author AS (SELECT id FROM users WHERE username = $1),
		     grp AS (SELECT id FROM chat_groups WHERE slug = $2)
		INSERT INTO messages (group_id, user_id, content, created_at)
		SELECT grp.id, author.id, $3, $4 FROM author, grp
		RETURNING id
	`, username, groupSlug, content, at).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("author %q or group %q: %w", username, groupSlug, ErrNotFound)
	}
	if err != nil {
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
func (s *Postgres) RecentMessages(ctx context.Context, groupSlug string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT m.id, g.slug, u.username, m.content, m.created_at, m.likes
		FROM messages m
		JOIN chat_groups g ON g.id = m.group_id
		JOIN users u ON u.id = m.user_id
		WHERE g.slug = $1
		ORDER BY m.id DESC
		LIMIT $2
	`, groupSlug, limit)
	if err != nil {
		return nil, err
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var msg Message
		err := row.Scan(&msg.ID, &msg.GroupSlug, &msg.Username, &msg.Content, &msg.CreatedAt, &msg.Likes)
		msg.CreatedAt = msg.CreatedAt.UTC()
		return msg, err
	})
	if err != nil {
		return nil, err
	}

	mutable.Reverse(msgs)
	return msgs, nil
}

// CreateUser inserts a user.
func (s *Postgres) CreateUser(ctx context.Context, username string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO users (username) VALUES ($1) RETURNING id`, username).Scan(&id)
	return id, err
}

// CreateGroup inserts a group.
func (s *Postgres) CreateGroup(ctx context.Context, slug, name, admin string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_groups (slug, name, admin) VALUES ($1, $2, $3) RETURNING id`,
		slug, name, admin,
	).Scan(&id)
	return id, err
}

// AddMember adds a user to a group. Adding an existing member is a no-op.
func (s *Postgres) AddMember(ctx context.Context, groupSlug, username string) error {
	var found bool
	err := s.pool.QueryRow(ctx, `
		WITH pair AS (
			SELECT g.id AS group_id, u.id AS user_id
			FROM chat_groups g, users u
			WHERE g.slug = $1 AND u.username = $2
		), ins AS (
			INSERT INTO group_members (group_id, user_id)
			SELECT group_id, user_id FROM pair
			ON CONFLICT DO NOTHING
		)
		SELECT EXISTS (SELECT 1 FROM pair)
	`, groupSlug, username).Scan(&found)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("member %q of %q: %w", username, groupSlug, ErrNotFound)
	}
	return nil
}

var (
	_ Gateway     = (*Postgres)(nil)
	_ Provisioner = (*Postgres)(nil)
)
