// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/cmdarr/cmdarr/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon serves a local network UI; origin enforcement is left to
	// the reverse proxy when one is deployed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

var wsConnections atomic.Int64

// clientMessage is what a WebSocket client may send.
type clientMessage struct {
	Type        string `json:"type"`
	CommandName string `json:"command_name,omitempty"`
	ExecutionID int64  `json:"execution_id,omitempty"`
}

// wsClient is one WebSocket connection. It doubles as a logstream
// subscriber; writes are serialized through mu.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu      sync.Mutex
	subscribed map[string]struct{}
}

func (c *wsClient) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// SendLogLine implements logstream.Subscriber.
func (c *wsClient) SendLogLine(command, line string) error {
	return c.send(map[string]any{
		"type":         "log_update",
		"command_name": command,
		"logs":         []string{line},
	})
}

func (c *wsClient) wantsCommand(name string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.subscribed[name]
	return ok
}

func (c *wsClient) subscribe(name string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribed[name] = struct{}{}
}

// handleWS upgrades the connection and serves the four client message
// types until the peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn, subscribed: make(map[string]struct{})}

	metrics.SetWSSubscribers(int(wsConnections.Add(1)))
	defer func() {
		metrics.SetWSSubscribers(int(wsConnections.Add(-1)))
		s.deps.Fanout.Unsubscribe(client)
		_ = conn.Close()
	}()

	// Command lifecycle events push command_update frames for subscribed
	// commands.
	events, unsub := s.deps.Scheduler.Subscribe()
	defer unsub()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if !client.wantsCommand(evt.Command) {
					continue
				}
				if err := client.send(map[string]any{
					"type":         "command_update",
					"command_name": evt.Command,
					"data":         evt,
				}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe_command":
			client.subscribe(msg.CommandName)
		case "start_log_streaming":
			s.deps.Fanout.Subscribe(msg.CommandName, client)
			if err := s.deps.Fanout.StartStreaming(msg.CommandName, msg.ExecutionID); err != nil {
				s.logger.Warn().
					Err(err).
					Str("event", "ws.stream_failed").
					Str("command", msg.CommandName).
					Msg("cannot start log streaming")
			}
		case "stop_log_streaming":
			s.deps.Fanout.StopStreaming(msg.CommandName)
			s.deps.Fanout.Unsubscribe(client)
		case "ping":
			_ = client.send(map[string]string{"type": "pong"})
		}
	}
}
