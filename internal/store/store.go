//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_gateway.go -package=mocks

// Package store is the persistence gateway used by the relay. It stores chat
// messages and their like counters, keyed by message id, and resolves authors
// and groups by username and slug.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced message, author or group does not exist.
var ErrNotFound = errors.New("not found")

// Message is a persisted chat message.
type Message struct {
	ID        int64
	GroupSlug string
	Username  string
	Content   string
	CreatedAt time.Time
	Likes     int64
}

// Likes is the counter of a message right after an increment, with the
// group the message belongs to.
type Likes struct {
	MessageID int64
	GroupSlug string
	Count     int64
}

// Gateway defines the storage operations the relay depends on.
// Both SQLite and Postgres implement this interface.
type Gateway interface {
	// Connection management
	Ping(ctx context.Context) error
	Close() error

	// Message operations
	GetMessage(ctx context.Context, id int64) (Message, error)
	UpdateLikes(ctx context.Context, id int64, likes int64) error
	IncrementLikes(ctx context.Context, id int64) (Likes, error)
	CreateMessage(ctx context.Context, username, groupSlug, content string, at time.Time) (Message, error)
	RecentMessages(ctx context.Context, groupSlug string, limit int) ([]Message, error)
}

// Provisioner creates the users and groups that messages refer to. Membership
// management proper lives outside the relay; this is enough to bootstrap a
// database and to seed tests.
type Provisioner interface {
	CreateUser(ctx context.Context, username string) (int64, error)
	CreateGroup(ctx context.Context, slug, name, admin string) (int64, error)
	AddMember(ctx context.Context, groupSlug, username string) error
}

// ErrNegativeLikes is returned by UpdateLikes for a negative counter.
var ErrNegativeLikes = errors.New("likes must be non-negative")
