// Copyright 2025 Takhin Data, Inc.

package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/riftlog/riftlog/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Event type constants for the /ws/events feed (spec.md §6.4's operator
// live view). The admin API's own handlers broadcast them after a
// successful controller call.
const (
	EventTopicCreated         = "topic_created"
	EventTopicDeleted         = "topic_deleted"
	EventReassignStarted      = "reassignment_started"
	EventPreferredElectionRan = "preferred_election_ran"
	EventPing                 = "ping"
	EventPong                 = "pong"
)

// Event is the envelope broadcast to every connected operator client.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wsClient is one operator's live websocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WebSocketHub
	log  *logger.Logger
}

// WebSocketHub fans coordinator events out to every connected operator
// client. Grounded on the teacher's console.WebSocketHub: register/
// unregister/broadcast channels drained by one goroutine, so client-set
// mutation never races the fan-out loop.
type WebSocketHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
	log        *logger.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewWebSocketHub constructs an idle hub; call Run to start fanning out.
func NewWebSocketHub() *WebSocketHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        logger.Default().WithComponent("admin-ws-hub"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run drains the register/unregister/broadcast channels until Stop is
// called. Meant to run on its own goroutine.
func (h *WebSocketHub) Run() {
	h.log.Info("starting admin websocket hub")
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.mu.RUnlock()
					h.mu.Lock()
					close(c.send)
					delete(h.clients, c)
					h.mu.Unlock()
					h.mu.RLock()
				}
			}
			h.mu.RUnlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub's fan-out loop down.
func (h *WebSocketHub) Stop() {
	h.cancel()
}

// BroadcastMessage fans an event out to every connected client.
func (h *WebSocketHub) BroadcastMessage(eventType string, data any) {
	msg, err := json.Marshal(Event{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
	if err != nil {
		h.log.Error("marshal event failed", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// handleEventsWebSocket upgrades the connection and registers the client
// with the hub; the admin API's create/delete-topic, reassign and
// preferred-election handlers broadcast an event after each successful
// controller call (spec.md §6.4).
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{
		id:   r.RemoteAddr,
		conn: conn,
		send: make(chan []byte, 256),
		hub:  s.wsHub,
		log:  s.log.WithComponent("admin-ws-client"),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}
