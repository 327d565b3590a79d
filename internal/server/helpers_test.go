package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/grouprelay/internal/server"
	"github.com/Tyrowin/grouprelay/internal/store"
)

const testOrigin = "http://localhost:8080"

type testEnv struct {
	relay *server.Relay
	db    *store.SQLite
	srv   *httptest.Server
}

// newTestEnv starts a relay backed by a fresh SQLite database with the
// groups general and random and the users alice and bob.
func newTestEnv(t *testing.T, configure func(*server.Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, user := range []string{"alice", "bob"} {
		_, err := db.CreateUser(ctx, user)
		require.NoError(t, err)
	}
	for _, group := range []string{"general", "random"} {
		_, err := db.CreateGroup(ctx, group, group, "alice")
		require.NoError(t, err)
	}

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.RateLimit.Burst = 1000
	if configure != nil {
		configure(cfg)
	}

	relay := server.NewRelay(cfg, db, zerolog.Nop())
	srv := httptest.NewServer(relay.Routes())
	t.Cleanup(func() {
		srv.Close()
		_ = relay.Shutdown(2 * time.Second)
	})

	return &testEnv{relay: relay, db: db, srv: srv}
}

func (e *testEnv) wsURL(group string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/" + group + "/"
}

// dial opens a websocket to group and waits until the relay has registered it.
func (e *testEnv) dial(t *testing.T, group string) *websocket.Conn {
	t.Helper()

	before := e.relay.Registry().Count(server.TopicKey(group))
	conn := dialURL(t, e.wsURL(group))

	require.Eventually(t, func() bool {
		return e.relay.Registry().Count(server.TopicKey(group)) > before
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func dialURL(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	headers.Set("Origin", testOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func expectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))

	_, payload, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame: %s", payload)

	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout(), "expected a read timeout, got %v", err)
}
