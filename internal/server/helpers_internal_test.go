package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	cfg := NewConfig()
	cfg.SendBuffer = 16
	cfg.StoreTimeout = time.Second
	return cfg
}

// detachedSession creates a session without a connection. Frames queued for
// it stay on its outbound channel.
func detachedSession(t *testing.T, group string, cfg *Config) *Session {
	t.Helper()
	s := newSession(context.Background(), nil, group, "test", cfg, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

// nextFrame decodes the next queued frame of s into a generic map.
func nextFrame(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case payload := <-s.Outbound():
		var frame map[string]any
		require.NoError(t, json.Unmarshal(payload, &frame))
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func requireNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case payload := <-s.Outbound():
		t.Fatalf("unexpected frame: %s", payload)
	default:
	}
}
