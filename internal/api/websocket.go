package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for local dashboard
	},
}

const (
	// clientSendBuffer absorbs bursts of event-log records per client. A
	// client that cannot drain it is dropped rather than stall the stream.
	clientSendBuffer = 64
	writeTimeout     = 5 * time.Second
)

// client is one dashboard connection with its own outbound buffer.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans event-log records (signals, orders, position snapshots, breaker
// transitions) out to connected dashboards. It satisfies events.Broadcaster.
type Hub struct {
	broadcast chan []byte
	mutex     sync.Mutex
	clients   map[*client]bool
}

func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*client]bool),
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for cl := range h.clients {
			select {
			case cl.send <- message:
			default:
				// Buffer full: the client is not keeping up with the
				// record stream. Cut it loose.
				log.Println("[API] Dropping slow WebSocket client")
				close(cl.send)
				delete(h.clients, cl)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe upgrades the connection and registers it for the record stream.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[API] Failed to upgrade websocket: %v", err)
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mutex.Lock()
	h.clients[cl] = true
	total := len(h.clients)
	h.mutex.Unlock()
	log.Printf("[API] New WebSocket client connected. Total clients: %d", total)

	go h.writePump(cl)
	go h.readPump(cl)
}

// writePump drains the client's buffer onto the wire.
func (h *Hub) writePump(cl *client) {
	for message := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := cl.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Printf("[API] Websocket write error: %v", err)
			break
		}
	}
	cl.conn.Close()
}

// readPump discards inbound frames; the stream is push-only, but reading is
// what surfaces disconnects.
func (h *Hub) readPump(cl *client) {
	defer h.drop(cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[API] WebSocket error: %v", err)
			}
			return
		}
	}
}

// drop unregisters a client. Safe against the slow-client path in Run: only
// whichever side still finds the client registered closes the send channel.
func (h *Hub) drop(cl *client) {
	h.mutex.Lock()
	if h.clients[cl] {
		delete(h.clients, cl)
		close(cl.send)
	}
	total := len(h.clients)
	h.mutex.Unlock()
	cl.conn.Close()
	log.Printf("[API] WebSocket client disconnected. Total clients: %d", total)
}

// Broadcast queues JSON data for all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.broadcast <- data
}
