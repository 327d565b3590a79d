package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// openTestPostgres connects to TEST_DATABASE_URL and skips when it is unset.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := OpenPostgres(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgres_MessageLifecycle(t *testing.T) {
	req := require.New(t)
	db := openTestPostgres(t)
	ctx := context.Background()

	suffix := uuid.NewString()[:8]
	group, user := "g-"+suffix, "u-"+suffix
	seed(t, db, group, user)

	msg, err := db.CreateMessage(ctx, user, group, "hello", time.Now())
	req.NoError(err)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := db.IncrementLikes(ctx, msg.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	fetched, err := db.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.EqualValues(n, fetched.Likes)

	likes, err := db.IncrementLikes(ctx, msg.ID)
	req.NoError(err)
	req.Equal(Likes{MessageID: msg.ID, GroupSlug: group, Count: n + 1}, likes)

	req.NoError(db.UpdateLikes(ctx, msg.ID, 5))
	req.NoError(db.UpdateLikes(ctx, msg.ID, 5))

	recent, err := db.RecentMessages(ctx, group, 10)
	req.NoError(err)
	req.Len(recent, 1)
	req.EqualValues(5, recent[0].Likes)
}

func TestPostgres_NotFound(t *testing.T) {
	req := require.New(t)
	db := openTestPostgres(t)
	ctx := context.Background()

	_, err := db.CreateMessage(ctx, "nobody-"+uuid.NewString(), "nowhere", "x", time.Now())
	req.ErrorIs(err, ErrNotFound)

	_, err = db.IncrementLikes(ctx, -1)
	req.ErrorIs(err, ErrNotFound)

	err = db.AddMember(ctx, fmt.Sprintf("missing-%d", time.Now().UnixNano()), "nobody")
	req.ErrorIs(err, ErrNotFound)
}
