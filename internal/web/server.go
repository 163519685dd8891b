// internal/web/server.go
package web

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ravenhub/internal/config"
	"ravenhub/internal/database"
	"ravenhub/internal/ingest"
	"ravenhub/internal/metrics"
	"ravenhub/internal/monitoring"
)

// AgentHeader names the submitting agent. It doubles as the queue job id.
const AgentHeader = "X-Agent-ID"

// KeyHeader carries the agent key on websocket subscriptions.
const KeyHeader = "X-Agent-Key"

type Server struct {
	config  *config.Config
	store   database.Store
	engine  *monitoring.Engine
	metrics *metrics.Collector
	auth    ingest.Authenticator
	router  *gin.Engine
	hub     *Hub
	limiter *agentLimiter
	server  *http.Server
}

func NewServer(cfg *config.Config, store database.Store, engine *monitoring.Engine, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	server := &Server{
		config:  cfg,
		store:   store,
		engine:  engine,
		metrics: metricsCollector,
		auth:    ingest.NewKeyAuthenticator(cfg.Ingest.Secret),
		router:  router,
		hub:     NewHub(metricsCollector),
		limiter: newAgentLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
	}
	engine.SetPublisher(server.hub)

	server.setupRoutes()
	return server
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	logrus.WithField("port", s.config.Server.Port).Info("Starting web server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.POST("/ingest", s.limiter.middleware(), s.ingestBatch)

		api.GET("/agents/:agent/series", s.getAgentSeries)
		api.GET("/series/:id/samples", s.getSeriesSamples)

		api.POST("/maintenance/:job", s.triggerMaintenance)

		api.GET("/stats", s.getStats)
		api.GET("/build", s.getBuildInfo)
		api.GET("/health", s.healthCheck)
	}

	// Acknowledgement push
	s.router.GET("/ws/agents/:agent", s.handleWebSocket)

	if s.config.Prometheus.Enabled {
		s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		entry := logrus.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
			"agent":  c.GetHeader(AgentHeader),
			"client": c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request served")
	}
}
