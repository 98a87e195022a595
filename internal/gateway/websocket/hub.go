// Package websocket streams orchestrator events to observing clients, such
// as the control panel.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orchd/orchd/internal/common/logger"
	"github.com/orchd/orchd/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The bridge binds loopback only, so cross-origin checks add nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub manages websocket clients and fans broker events out to them.
type Hub struct {
	broker *events.Broker
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
}

// NewHub creates a hub over the broker.
func NewHub(broker *events.Broker, log *logger.Logger) *Hub {
	return &Hub{
		broker:     broker,
		logger:     log.WithComponent("ws-hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes registrations and relays broker events until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	sub := h.broker.Subscribe(nil, events.WithBuffer(1024))
	defer sub.Close()

	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.id))
		case client := <-h.unregister:
			h.remove(client)
		case ev, ok := <-sub.Events():
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("could not marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(ev.Type.Topic()) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow consumer; drop this frame rather than stall the hub.
			client.droppedFrames.Add(1)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Handler upgrades GET requests to websocket connections. Topics come from
// the ?topics=worker,task query; absent means everything.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		var topics []string
		if raw := c.Query("topics"); raw != "" {
			topics = strings.Split(raw, ",")
		}

		client := newClient(uuid.New().String(), conn, h, topics)
		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}
