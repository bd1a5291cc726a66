package ws

import (
	"fmt"
	"sync"

	"chart-service/internal/metrics"
	"chart-service/internal/services/feed"

	"github.com/sirupsen/logrus"
)

var (
	ErrConnectionNotFound = fmt.Errorf("%w: connection not found", feed.ErrTransportSend)
	ErrSlowConsumer       = fmt.Errorf("%w: send buffer full", feed.ErrTransportSend)
)

// Connections tracks the open viewer sockets by id and implements
// feed.Transport on top of their send buffers
type Connections struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *logrus.Logger
}

func NewConnections(logger *logrus.Logger) *Connections {
	return &Connections{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// Send queues payload for connID without blocking. A client whose buffer
// is full is closed; its read loop then reports the disconnect.
func (c *Connections) Send(connID string, payload []byte) error {
	c.mu.RLock()
	client, ok := c.clients[connID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return client.enqueue(payload)
}

// Len returns the number of open connections
func (c *Connections) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

// CloseAll asks every client to close its socket
func (c *Connections) CloseAll() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, client := range c.clients {
		client.shutdown()
	}
}

func (c *Connections) register(client *Client) {
	c.mu.Lock()
	c.clients[client.id] = client
	n := len(c.clients)
	c.mu.Unlock()
	metrics.ViewerConnections.Set(float64(n))
}

func (c *Connections) unregister(client *Client) {
	c.mu.Lock()
	if c.clients[client.id] == client {
		delete(c.clients, client.id)
	}
	n := len(c.clients)
	c.mu.Unlock()
	metrics.ViewerConnections.Set(float64(n))
}
