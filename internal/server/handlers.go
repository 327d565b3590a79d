// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// WebSocketHandler upgrades GET /ws/{group}/ to a relay session bound to the
// topic of group. Authentication is left to whatever sits in front of the relay.
func (r *Relay) WebSocketHandler(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	group := chi.URLParam(req, "group")
	if !ValidSlug(group) {
		http.Error(w, "Invalid group slug.", http.StatusBadRequest)
		return
	}

	if _, err := r.Open(w, req, group); err != nil {
		// The error response has already been written.
		if errors.Is(err, ErrRelayClosed) {
			r.log.Info().Str("topic", group).Msg("rejected websocket during shutdown")
			return
		}
		r.log.Warn().Err(err).Str("topic", group).Str("remote_addr", req.RemoteAddr).Msg("websocket upgrade failed")
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Group relay is running!")
}

type readiness struct {
	Status   string `json:"status"`
	Topics   int    `json:"topics"`
	Sessions int    `json:"sessions"`
	Error    string `json:"error,omitempty"`
}

// ReadinessHandler reports whether the persistence gateway is reachable,
// along with current registry sizes.
func (r *Relay) ReadinessHandler(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()

	body := readiness{
		Status:   "ok",
		Topics:   len(r.registry.Topics()),
		Sessions: len(r.registry.Sessions()),
	}
	status := http.StatusOK

	if err := r.gateway.Ping(ctx); err != nil {
		body.Status = "unavailable"
		body.Error = err.Error()
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		r.log.Warn().Err(err).Msg("write readiness response")
	}
}

// TestPageHandler serves an HTML page for exercising a group topic by hand:
// connect to a group, send messages, and like received ones.
func (r *Relay) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		r.log.Warn().Err(err).Msg("write test page")
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Group Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        .likes { color: #888; margin-left: 8px; }
    </style>
</head>
<body>
    <h1>Group Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="groupInput" placeholder="group slug" value="general">
        <input type="text" id="userInput" placeholder="username">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <input type="text" id="likeInput" placeholder="message id" disabled>
        <button id="likeButton" onclick="sendLike()" disabled>Like</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const groupInput = document.getElementById('groupInput');
        const userInput = document.getElementById('userInput');
        const messageInput = document.getElementById('messageInput');
        const likeInput = document.getElementById('likeInput');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected to ' + groupInput.value : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            likeInput.disabled = !connected;
            document.getElementById('sendButton').disabled = !connected;
            document.getElementById('likeButton').disabled = !connected;
            document.getElementById('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws/' + encodeURIComponent(groupInput.value) + '/');

            ws.onopen = function() { updateStatus(true); };
            ws.onmessage = function(event) {
                const data = JSON.parse(event.data);
                if (data.action === 'like') {
                    addLine('message ' + data.message_id + ' now has ' + data.likes + ' like(s)', 'purple');
                } else if (data.action === 'error') {
                    addLine('error (' + data.code + '): ' + data.error, 'red');
                } else {
                    addLine('[' + data.timestamp + '] ' + data.username + ': ' + data.message, 'green');
                }
            };
            ws.onclose = function() { addLine('Connection closed'); updateStatus(false); ws = null; };
            ws.onerror = function() { addLine('Connection error', 'red'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ message: message, username: userInput.value, group: groupInput.value }));
                messageInput.value = '';
            }
        }

        function sendLike() {
            const id = likeInput.value.trim();
            if (id && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ action: 'like', message_id: id, username: userInput.value, group: groupInput.value }));
                likeInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); }
        });
    </script>
</body>
</html>`
