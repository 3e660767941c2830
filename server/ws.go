package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tezrec/types"
)

const clientQueueLen = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans stored message briefs out to websocket clients. A client
// that cannot keep up is disconnected; the capture path is never
// backpressured by a viewer.
type Hub struct {
	log *logrus.Entry

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan types.BriefMessage
}

// NewHub creates an empty hub.
func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		log:     log.WithField("component", "firehose"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast queues a brief for every connected client. Slow clients
// are dropped, never waited on.
func (h *Hub) Broadcast(brief types.BriefMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- brief:
		default:
			delete(h.clients, c)
			close(c.send)
			h.log.Warn("slow firehose client dropped")
		}
	}
}

// ServeHTTP upgrades the request and streams briefs until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &wsClient{conn: conn, send: make(chan types.BriefMessage, clientQueueLen)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.readLoop(h)
	c.writeLoop(h)
}

func (h *Hub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readLoop discards client frames and notices disconnects.
func (c *wsClient) readLoop(h *Hub) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (c *wsClient) writeLoop(h *Hub) {
	defer c.conn.Close()
	for brief := range c.send {
		if err := c.conn.WriteJSON(brief); err != nil {
			h.drop(c)
			return
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}
