package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/grouprelay/internal/mocks"
	"github.com/Tyrowin/grouprelay/internal/store"
)

var fixedNow = time.Date(2024, 5, 6, 7, 8, 9, 500_000_000, time.UTC)

func newTestRelay(t *testing.T, cfg *Config) (*Relay, *mocks.MockGateway) {
	t.Helper()
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)

	r := NewRelay(cfg, gw, zerolog.Nop())
	r.now = func() time.Time { return fixedNow }
	return r, gw
}

// joined creates a session without a connection and joins it to r.
func joined(t *testing.T, r *Relay, group string) *Session {
	t.Helper()
	s := r.newSession(context.Background(), nil, group, "test")
	t.Cleanup(s.Close)
	r.join(s)
	return s
}

func echoCreate(_ context.Context, username, group, content string, at time.Time) (store.Message, error) {
	return store.Message{ID: 7, GroupSlug: group, Username: username, Content: content, CreatedAt: at}, nil
}

func TestRelaySendBroadcastsToWholeTopic(t *testing.T) {
	r, gw := newTestRelay(t, testConfig())

	alice := joined(t, r, "general")
	bob := joined(t, r, "general")
	carol := joined(t, r, "random")

	gw.EXPECT().
		CreateMessage(gomock.Any(), "alice", "general", "hi", fixedNow.Truncate(time.Second)).
		DoAndReturn(echoCreate)

	r.HandleFrame(alice, []byte(`{"message":"hi","username":"alice","group":"general"}`))

	for _, s := range []*Session{alice, bob} {
		frame := nextFrame(t, s)
		require.Equal(t, "hi", frame["message"])
		require.Equal(t, "alice", frame["username"])
		require.Equal(t, "2024-05-06 07:08:09", frame["timestamp"])
	}
	requireNoFrame(t, carol)
}

func TestRelaySendStorageFailure(t *testing.T) {
	r, gw := newTestRelay(t, testConfig())

	alice := joined(t, r, "general")
	bob := joined(t, r, "general")

	gw.EXPECT().
		CreateMessage(gomock.Any(), "alice", "general", "hi", gomock.Any()).
		Return(store.Message{}, errors.New("disk on fire"))

	r.HandleFrame(alice, []byte(`{"message":"hi","username":"alice","group":"general"}`))

	frame := nextFrame(t, alice)
	require.Equal(t, ActionError, frame["action"])
	require.Equal(t, CodeStorageFailed, frame["code"])
	requireNoFrame(t, alice)
	requireNoFrame(t, bob)
}

func TestRelaySendUnknownAuthorIsDropped(t *testing.T) {
	r, gw := newTestRelay(t, testConfig())

	alice := joined(t, r, "general")
	bob := joined(t, r, "general")

	gw.EXPECT().
		CreateMessage(gomock.Any(), "mallory", "general", "hi", gomock.Any()).
		Return(store.Message{}, store.ErrNotFound)

	r.HandleFrame(alice, []byte(`{"message":"hi","username":"mallory","group":"general"}`))

	requireNoFrame(t, alice)
	requireNoFrame(t, bob)
	require.Equal(t, 2, r.Registry().Count("chat_general"))
}

func TestRelaySendUsesConnectionTopic(t *testing.T) {
	r, gw := newTestRelay(t, testConfig())

	alice := joined(t, r, "general")
	other := joined(t, r, "random")

	// The payload group selects where the message is stored; delivery follows
	// the topic the session connected to.
	gw.EXPECT().
		CreateMessage(gomock.Any(), "alice", "random", "hi", gomock.Any()).
		DoAndReturn(echoCreate)

	r.HandleFrame(alice, []byte(`{"message":"hi","username":"alice","group":"random"}`))

	require.Equal(t, "hi", nextFrame(t, alice)["message"])
	requireNoFrame(t, other)
}

func TestRelayInvalidEvent(t *testing.T) {
	r, _ := newTestRelay(t, testConfig())

	alice := joined(t, r, "general")
	bob := joined(t, r, "general")

	r.HandleFrame(alice, []byte(`{"message":"hi"}`))

	frame := nextFrame(t, alice)
	require.Equal(t, ActionError, frame["action"])
	require.Equal(t, CodeInvalidEvent, frame["code"])
	require.Contains(t, frame["error"], "username")
	requireNoFrame(t, bob)

	r.HandleFrame(alice, []byte(`not json`))
	require.Equal(t, CodeInvalidEvent, nextFrame(t, alice)["code"])
}

func TestRelayLikeTopicScope(t *testing.T) {
	r, gw := newTestRelay(t, testConfig())

	alice := joined(t, r, "general")
	bob := joined(t, r, "general")

	gw.EXPECT().IncrementLikes(gomock.Any(), int64(7)).Return(store.Likes{MessageID: 7, GroupSlug: "general", Count: 3}, nil)

	r.HandleFrame(bob, []byte(`{"action":"like","message_id":"7","username":"bob","group":"general"}`))

	for _, s := range []*Session{alice, bob} {
		frame := nextFrame(t, s)
		require.Equal(t, ActionLike, frame["action"])
		require.Equal(t, float64(7), frame["message_id"])
		require.Equal(t, float64(3), frame["likes"])
	}
}

func TestRelayLikeFollowsMessageGroup(t *testing.T) {
	r, gw := newTestRelay(t, testConfig())

	liker := joined(t, r, "general")
	neighbour := joined(t, r, "general")
	author := joined(t, r, "random")

	gw.EXPECT().IncrementLikes(gomock.Any(), int64(9)).Return(store.Likes{MessageID: 9, GroupSlug: "random", Count: 4}, nil)

	r.HandleFrame(liker, []byte(`{"action":"like","message_id":9}`))

	for _, s := range []*Session{author, liker} {
		frame := nextFrame(t, s)
		require.Equal(t, float64(9), frame["message_id"])
		require.Equal(t, float64(4), frame["likes"])
	}
	requireNoFrame(t, liker)
	requireNoFrame(t, neighbour)
}

func TestRelayLikeSenderScope(t *testing.T) {
	cfg := testConfig()
	cfg.LikeScope = LikeScopeSender
	r, gw := newTestRelay(t, cfg)

	alice := joined(t, r, "general")
	bob := joined(t, r, "general")

	gw.EXPECT().IncrementLikes(gomock.Any(), int64(7)).Return(store.Likes{MessageID: 7, GroupSlug: "general", Count: 1}, nil)

	r.HandleFrame(bob, []byte(`{"action":"like","message_id":7}`))

	require.Equal(t, float64(1), nextFrame(t, bob)["likes"])
	requireNoFrame(t, alice)
}

func TestRelayLikeUnknownMessage(t *testing.T) {
	r, gw := newTestRelay(t, testConfig())

	alice := joined(t, r, "general")

	gw.EXPECT().IncrementLikes(gomock.Any(), int64(999)).Return(store.Likes{}, store.ErrNotFound)

	r.HandleFrame(alice, []byte(`{"action":"like","message_id":999}`))

	requireNoFrame(t, alice)
	require.Equal(t, 1, r.Registry().Count("chat_general"))
}

func TestRelayRecoversFromPanics(t *testing.T) {
	r, gw := newTestRelay(t, testConfig())

	alice := joined(t, r, "general")

	gw.EXPECT().IncrementLikes(gomock.Any(), int64(1)).DoAndReturn(func(context.Context, int64) (store.Likes, error) {
		panic("boom")
	})
	gw.EXPECT().IncrementLikes(gomock.Any(), int64(2)).Return(store.Likes{MessageID: 2, GroupSlug: "general", Count: 1}, nil)

	require.NotPanics(t, func() {
		r.HandleFrame(alice, []byte(`{"action":"like","message_id":1}`))
	})

	// The pool slot taken by the panicking call was released.
	r.HandleFrame(alice, []byte(`{"action":"like","message_id":2}`))
	require.Equal(t, float64(1), nextFrame(t, alice)["likes"])
}

func TestRelayHistoryReplay(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryReplay = 2
	r, gw := newTestRelay(t, cfg)

	gw.EXPECT().RecentMessages(gomock.Any(), "general", 2).Return([]store.Message{
		{ID: 1, Username: "alice", Content: "first", CreatedAt: fixedNow},
		{ID: 2, Username: "bob", Content: "second", CreatedAt: fixedNow},
	}, nil)

	s := joined(t, r, "general")

	require.Equal(t, "first", nextFrame(t, s)["message"])
	require.Equal(t, "second", nextFrame(t, s)["message"])
	require.Equal(t, 1, r.Registry().Count("chat_general"))
}

func TestRelayHistoryReplayLeavesRoomForBroadcasts(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 2
	cfg.HistoryReplay = 2
	r, gw := newTestRelay(t, cfg)

	gw.EXPECT().RecentMessages(gomock.Any(), "general", 1).Return([]store.Message{
		{ID: 1, Username: "alice", Content: "before", CreatedAt: fixedNow},
	}, nil)

	s := joined(t, r, "general")

	require.Equal(t, 1, r.Registry().Broadcast("chat_general", []byte(`{"message":"after"}`)))
	require.Equal(t, 1, r.Registry().Count("chat_general"))
	require.Equal(t, "before", nextFrame(t, s)["message"])
	require.Equal(t, "after", nextFrame(t, s)["message"])
}

func TestRelayHistoryReplayFailureStillJoins(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryReplay = 10
	r, gw := newTestRelay(t, cfg)

	gw.EXPECT().RecentMessages(gomock.Any(), "general", 8).Return(nil, errors.New("unavailable"))

	s := joined(t, r, "general")

	requireNoFrame(t, s)
	require.Equal(t, 1, r.Registry().Count("chat_general"))
}

func TestRelayNoReplayByDefault(t *testing.T) {
	r, _ := newTestRelay(t, testConfig())

	// No RecentMessages expectation: the mock fails the test if it is called.
	s := joined(t, r, "general")
	requireNoFrame(t, s)
}

func TestRelayCloseDeregisters(t *testing.T) {
	r, _ := newTestRelay(t, testConfig())

	s := joined(t, r, "general")
	require.Equal(t, 1, r.Registry().Count("chat_general"))

	s.Close()
	s.Close()
	require.Zero(t, r.Registry().Count("chat_general"))
	require.Empty(t, r.Registry().Topics())
}

func TestRelayShutdownClosesSessions(t *testing.T) {
	r, _ := newTestRelay(t, testConfig())

	a := joined(t, r, "general")
	b := joined(t, r, "random")

	require.NoError(t, r.Shutdown(time.Second))

	for _, s := range []*Session{a, b} {
		select {
		case <-s.Done():
		default:
			t.Fatal("session not closed on shutdown")
		}
	}
	require.Empty(t, r.Registry().Sessions())
}

func TestRelayRefusesSessionsAfterShutdown(t *testing.T) {
	r, _ := newTestRelay(t, testConfig())

	// Opened before shutdown but not yet joined.
	pending := r.newSession(r.ctx, nil, "general", "test")
	t.Cleanup(pending.Close)

	require.NoError(t, r.Shutdown(time.Second))
	require.False(t, r.track())

	r.join(pending)
	require.Zero(t, r.Registry().Count("chat_general"))
	require.Empty(t, r.Registry().Topics())
}

type recordingDispatcher struct {
	keys []string
}

func (d *recordingDispatcher) Publish(_ context.Context, key string, _ []byte) error {
	d.keys = append(d.keys, key)
	return nil
}

func TestRelayUseDispatcher(t *testing.T) {
	r, gw := newTestRelay(t, testConfig())
	d := &recordingDispatcher{}
	r.UseDispatcher(d)
	r.UseDispatcher(nil)

	alice := joined(t, r, "general")
	gw.EXPECT().CreateMessage(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(echoCreate)

	r.HandleFrame(alice, []byte(`{"message":"hi","username":"alice","group":"general"}`))

	require.Equal(t, []string{"chat_general"}, d.keys)
	requireNoFrame(t, alice)
}
