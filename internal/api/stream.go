package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/dccp/internal/core"
	"github.com/ocx/dccp/internal/events"
	"github.com/ocx/dccp/internal/registry"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024
	sendBuffer = 256

	streamSource = "stream"
)

// Client message types.
const (
	MsgNodeCommand = "nodeCommand"
	MsgAlert       = "alert"
)

// Node commands accepted over the stream.
const (
	CmdHeartbeat = "heartbeat"
	CmdActivate  = "activate"
	CmdDormant   = "dormant"
	CmdOffline   = "offline"
)

// ClientMessage is a message sent by a stream client.
type ClientMessage struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	NodeID  string `json:"node_id,omitempty"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// Stream fans bus events out to WebSocket clients and applies node
// commands they send back.
type Stream struct {
	bus      events.Bus
	registry *registry.Registry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool

	unsubscribe func()
}

// NewStream subscribes to every event on bus. An empty allowedOrigins
// accepts any origin.
func NewStream(bus events.Bus, reg *registry.Registry, allowedOrigins []string) *Stream {
	s := &Stream{
		bus:      bus,
		registry: reg,
		clients:  make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
	}
	s.unsubscribe = bus.Subscribe(events.AllTypes, s.onEvent)
	return s
}

func checkOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin] {
			return true
		}
		slog.Warn("[Stream] Rejected connection from origin", "origin", origin)
		return false
	}
}

func (s *Stream) onEvent(_ context.Context, e *events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.broadcast(data)
	return nil
}

// broadcast queues data on every client. Slow clients drop messages rather
// than stall the bus.
func (s *Stream) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("[Stream] Send buffer full, dropping event", "client", c.id)
		}
	}
}

// ClientCount is the number of connected clients.
func (s *Stream) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close unsubscribes from the bus and disconnects every client.
func (s *Stream) Close() {
	s.unsubscribe()
	s.mu.Lock()
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Stream] WebSocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		id:     fmt.Sprintf("ws-%s", r.RemoteAddr),
		stream: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	slog.Info("[Stream] Client connected", "client", c.id)
	c.queue(events.New(events.TypeNodesSnapshot, streamSource, "", s.registry.All()))

	go c.writePump()
	go c.readPump()
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// handleCommand applies a node command and reports the outcome to the bus.
func (s *Stream) handleCommand(ctx context.Context, msg ClientMessage) map[string]any {
	var ok bool
	switch msg.Command {
	case CmdHeartbeat:
		ok = s.registry.Heartbeat(msg.NodeID)
	case CmdActivate:
		ok = s.registry.SetStatus(msg.NodeID, core.StatusActive)
	case CmdDormant:
		ok = s.registry.SetStatus(msg.NodeID, core.StatusDormant)
	case CmdOffline:
		ok = s.registry.SetStatus(msg.NodeID, core.StatusOffline)
	default:
		return map[string]any{"type": "error", "error": fmt.Sprintf("unknown command %q", msg.Command)}
	}

	result := map[string]any{
		"command": msg.Command,
		"node_id": msg.NodeID,
		"applied": ok,
	}
	if err := s.bus.Publish(ctx, events.New(events.TypeCommandReceived, streamSource, "", result)); err != nil {
		slog.Warn("[Stream] Publish command event failed", "error", err)
	}
	if ok {
		_ = s.bus.Publish(ctx, events.New(events.TypeNodesSnapshot, streamSource, "", s.registry.All()))
	}

	ack := map[string]any{"type": string(events.TypeCommandReceived)}
	for k, v := range result {
		ack[k] = v
	}
	if !ok {
		ack["error"] = "node not found"
	}
	return ack
}

type streamClient struct {
	id     string
	stream *Stream
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *streamClient) queue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("[Stream] Send buffer full, dropping reply", "client", c.id)
	}
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.stream.remove(c)
		_ = c.conn.Close()
		slog.Info("[Stream] Client disconnected", "client", c.id)
	})
}

// writePump is the only goroutine writing to the connection.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				slog.Warn("[Stream] Write failed", "client", c.id, "error", err)
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					slog.Warn("[Stream] Batch write failed", "client", c.id, "error", err)
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump is the only goroutine reading from the connection.
func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[Stream] Read error", "client", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.queue(map[string]string{"type": "error", "error": "invalid message"})
			continue
		}

		ctx := context.Background()
		switch msg.Type {
		case MsgNodeCommand:
			c.queue(c.stream.handleCommand(ctx, msg))
		case MsgAlert:
			level := msg.Level
			if level == "" {
				level = events.AlertInfo
			}
			_ = c.stream.bus.Publish(ctx, events.NewAlert(c.id, "", level, msg.Message))
		default:
			c.queue(map[string]string{"type": "error", "error": fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}
