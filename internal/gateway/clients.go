package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a connected status-stream subscriber.
type Client struct {
	ID        string
	Conn      *websocket.Conn
	CreatedAt time.Time
	mu        sync.Mutex
}

// ClientRegistry tracks connected status-stream clients.
type ClientRegistry struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewClientRegistry creates an empty registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add registers a WebSocket connection under a fresh ID.
func (m *ClientRegistry) Add(conn *websocket.Conn) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &Client{
		ID:        uuid.New().String(),
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	m.clients[c.ID] = c
	return c
}

// Remove closes and forgets a client.
func (m *ClientRegistry) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[id]; ok {
		_ = c.Conn.Close()
		delete(m.clients, id)
	}
}

// Count returns the number of connected clients
func (m *ClientRegistry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CloseAll disconnects every client. Used on shutdown.
func (m *ClientRegistry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.clients {
		_ = c.Conn.Close()
		delete(m.clients, id)
	}
}

// WriteJSON sends v to this client with a write deadline.
func (c *Client) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.Conn.WriteJSON(v)
}

// Ping sends a ping control frame.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.Conn.WriteMessage(websocket.PingMessage, nil)
}
