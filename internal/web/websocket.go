// internal/web/websocket.go
package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ravenhub/internal/metrics"
	"ravenhub/internal/reconcile"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // agents are not browsers
	},
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type WSClient struct {
	conn    *websocket.Conn
	send    chan WSMessage
	hub     *Hub
	agentID string
}

// Hub relays reconcile results to the websocket subscribers of each agent.
type Hub struct {
	metrics *metrics.Collector

	mu      sync.Mutex
	clients map[string]map[*WSClient]bool
	closed  bool
}

func NewHub(collector *metrics.Collector) *Hub {
	return &Hub{
		metrics: collector,
		clients: make(map[string]map[*WSClient]bool),
	}
}

// Publish sends result as an ack to the agent's subscribers. Slow
// subscribers are dropped rather than blocking the queue worker.
func (h *Hub) Publish(result *reconcile.Result) {
	message := WSMessage{Type: "ack", Data: result}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients[result.AgentID] {
		select {
		case client.send <- message:
		default:
			logrus.WithField("agent_id", client.agentID).Warn("Dropping slow websocket subscriber")
			h.removeLocked(client)
		}
	}
}

// Subscribers returns how many connections listen for agentID.
func (h *Hub) Subscribers(agentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[agentID])
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, clients := range h.clients {
		for client := range clients {
			h.removeLocked(client)
		}
	}
}

func (h *Hub) register(client *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	clients, ok := h.clients[client.agentID]
	if !ok {
		clients = make(map[*WSClient]bool)
		h.clients[client.agentID] = clients
	}
	clients[client] = true
	h.metrics.RecordWebSocketConnection(1)
	return true
}

func (h *Hub) unregister(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

// removeLocked is safe to call more than once per client.
func (h *Hub) removeLocked(client *WSClient) {
	clients := h.clients[client.agentID]
	if !clients[client] {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, client.agentID)
	}
	close(client.send)
	h.metrics.RecordWebSocketConnection(-1)
}

// GET /ws/agents/:agent - subscribe to acknowledgements
func (s *Server) handleWebSocket(c *gin.Context) {
	agentID := c.Param("agent")
	key := c.GetHeader(KeyHeader)
	if key == "" {
		key = c.Query("key")
	}
	if !s.auth.Valid(agentID, key) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid agent key"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade websocket")
		return
	}

	client := &WSClient{
		conn:    conn,
		send:    make(chan WSMessage, 256),
		hub:     s.hub,
		agentID: agentID,
	}
	if !s.hub.register(client) {
		conn.Close()
		return
	}

	logrus.WithField("agent_id", agentID).Debug("Agent subscribed to acknowledgements")

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
	}
}
