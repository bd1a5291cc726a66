package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chart-service/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client is one viewer socket. The send channel is never closed: shutdown
// closes done and the write loop exits on it.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	server    *Server
	logger    *logrus.Entry
}

func (c *Client) enqueue(payload []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, c.id)
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn("Client too slow, closing connection")
		c.shutdown()
		return fmt.Errorf("%w: %s", ErrSlowConsumer, c.id)
	}
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// commandBuffer bounds the commands read ahead of the one being handled
const commandBuffer = 16

// readPump reads commands from the viewer and acts as the watchdog of the
// connection. Commands run on their own goroutine under a context that ends
// with the socket, so a subscribe still fetching history is abandoned on
// disconnect. Its exit is the single place a viewer is disconnected.
func (c *Client) readPump(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	commands := make(chan []byte, commandBuffer)
	handled := make(chan struct{})
	go c.handleCommands(ctx, commands, handled)

	defer func() {
		cancel()
		// the hub must not see a subscribe after the disconnect
		<-handled
		c.shutdown()
		c.server.hub.Disconnect(c.id)
		c.server.connections.unregister(c)
		c.conn.Close()
		c.logger.Info("Client disconnected")
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Info("WebSocket error")
			}
			return
		}

		select {
		case commands <- message:
		default:
			c.logger.Warn("Command backlog full, dropping command")
		}
	}
}

func (c *Client) handleCommands(ctx context.Context, commands <-chan []byte, handled chan<- struct{}) {
	defer close(handled)
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-commands:
			c.handleCommand(ctx, message)
		}
	}
}

func (c *Client) handleCommand(ctx context.Context, message []byte) {
	var cmd models.ClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.logger.WithError(err).Debug("Ignoring malformed command")
		return
	}

	switch cmd.Method {
	case models.MethodSubscribe:
		// failures are reported to the viewer by the hub
		_ = c.server.hub.Subscribe(ctx, c.id, cmd.Key())
	case models.MethodUnsubscribe:
		c.server.hub.Unsubscribe(c.id, cmd.Key())
	default:
		c.logger.WithField("method", cmd.Method).Debug("Ignoring unknown command")
	}
}

// writePump sends queued messages and keeps the connection alive with pings
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.WithError(err).Debug("Write error")
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
