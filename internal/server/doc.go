// Package server implements the group chat relay: websocket sessions bound to
// per-group topics, the topic registry that fans payloads out to them, and the
// HTTP surface around both.
//
// A session joins the topic "chat_<group>" derived from its URL path. Chat
// messages are persisted through a store.Gateway before they are broadcast to
// the topic, sender included. Likes are applied with an atomic increment and
// the new count is delivered to the topic or, with LIKE_SCOPE=sender, to the
// liking session alone.
//
// The implementation is organized into specialized files for configuration,
// sessions, the registry, dispatch, routing and HTTP handlers.
package server
