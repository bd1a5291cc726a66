package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"chart-service/internal/config"
	"chart-service/internal/services/feed"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Version is reported by the health endpoints
var Version = "1.0.0"

// StatsProvider is implemented by the feed hub
type StatsProvider interface {
	Stats() feed.Stats
}

// HealthCheck probes one backing service
type HealthCheck func(ctx context.Context) error

// Deps holds what the HTTP routes report on or hand requests to
type Deps struct {
	Hub         StatsProvider
	ChartHub    gin.HandlerFunc
	Connections func() int
	Symbols     func() int
	Upstream    func() map[string]interface{}
	Checks      map[string]HealthCheck
}

// HTTPServer serves the chart hub socket, health, stats and metrics
type HTTPServer struct {
	cfg       *config.Config
	deps      Deps
	engine    *gin.Engine
	server    *http.Server
	startTime time.Time
	logger    *logrus.Logger
}

func NewHTTPServer(cfg *config.Config, deps Deps, logger *logrus.Logger) *HTTPServer {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &HTTPServer{
		cfg:       cfg,
		deps:      deps,
		engine:    gin.New(),
		startTime: time.Now(),
		logger:    logger,
	}
	s.engine.Use(gin.Recovery(), cors())
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: s.engine,
	}
	return s
}

func (s *HTTPServer) setupRoutes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/api/v1/stats", s.stats)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.deps.ChartHub != nil {
		s.engine.GET("/chartHub", s.deps.ChartHub)
	}
}

// Handler exposes the router, mainly for tests
func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

func (s *HTTPServer) Start() error {
	s.logger.Infof("HTTP server starting on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	services := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			healthy = false
			services[name] = err.Error()
			continue
		}
		services[name] = "healthy"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":        healthy,
		"version":        Version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"services":       services,
	})
}

func (s *HTTPServer) stats(c *gin.Context) {
	body := gin.H{
		"hub": s.deps.Hub.Stats(),
	}
	if s.deps.Connections != nil {
		body["connections"] = s.deps.Connections()
	}
	if s.deps.Symbols != nil {
		body["symbols"] = s.deps.Symbols()
	}
	if s.deps.Upstream != nil {
		body["upstream"] = s.deps.Upstream()
	}
	c.JSON(http.StatusOK, body)
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
