package ws

import (
	"context"
	"net/http"
	"time"

	"chart-service/internal/config"
	"chart-service/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Hub is the subscription engine the viewer commands are routed to
type Hub interface {
	Subscribe(ctx context.Context, connID string, key models.FeedKey) error
	Unsubscribe(connID string, key models.FeedKey) bool
	Disconnect(connID string)
}

// Server upgrades viewer requests and runs one read and one write loop per
// connection
type Server struct {
	hub         Hub
	connections *Connections
	config      config.TransportConfig
	upgrader    websocket.Upgrader
	logger      *logrus.Logger
}

func NewServer(hub Hub, connections *Connections, cfg config.TransportConfig, logger *logrus.Logger) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	return &Server{
		hub:         hub,
		connections: connections,
		config:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Handle is the gin handler of the chart hub endpoint
func (s *Server) Handle(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	id := uuid.NewString()
	client := &Client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, s.config.SendBuffer),
		done:   make(chan struct{}),
		server: s,
		logger: s.logger.WithFields(logrus.Fields{"conn": id, "remote": c.ClientIP()}),
	}
	s.connections.register(client)
	client.logger.Info("Client connected")

	ctx, cancel := context.WithCancel(context.Background())
	go client.writePump()
	go func() {
		defer cancel()
		client.readPump(ctx)
	}()
}
