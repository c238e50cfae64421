package gateway

import (
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/aeromutual/pkg/messaging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans notification events out to connected websocket observers.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[uuid.UUID]*wsClient)}
}

// Relay subscribes to every notification subject and broadcasts the raw
// event payloads to connected clients.
func (h *Hub) Relay(msg *messaging.Client) {
	subjects := []string{
		messaging.EventTypeAirlineRegistered,
		messaging.EventTypeAirlineAuthorized,
		messaging.EventTypeInsurancePurchased,
		messaging.EventTypeInsureeCredited,
		messaging.EventTypeInsureePaid,
	}
	for _, subject := range subjects {
		if err := msg.Subscribe(subject, func(m *nats.Msg) {
			h.Broadcast(m.Data)
		}); err != nil {
			log.Printf("gateway: failed to relay %s: %v", subject, err)
		}
	}
}

// Broadcast sends payload to every connected client, dropping clients whose
// send buffer is full.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.send <- payload:
		default:
			// Slow consumer; the write pump will clean up on close.
		}
	}
}

func (h *Hub) add(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.id] = client
}

func (h *Hub) remove(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[id]; ok {
		close(client.done)
		delete(h.clients, id)
	}
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	g.hub.add(client)

	go client.writePump()
	go func() {
		defer g.hub.remove(client.id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for {
		select {
		case payload := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
