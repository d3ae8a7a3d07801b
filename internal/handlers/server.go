package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/metrics"
	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/signaling"
)

// Server exposes a signaling Transport to remote attendees over HTTP and a
// websocket
type Server struct {
	cfg       *config.Config
	transport signaling.Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewServer(cfg *config.Config, transport signaling.Transport, logger *zap.Logger, m *metrics.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		transport: transport,
		logger:    logger.Named("relay"),
		metrics:   m,
	}
}

// Router builds the gin engine. gatherer backs /metrics.
func (s *Server) Router(gatherer prometheus.Gatherer) *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(s.cfg.AllowedOrigins, s.logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	auth := middleware.JWTAuth(s.cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", s.Login)

		// Call lookup (requires JWT, participants only)
		apiGroup.GET("/calls/:callId", auth, s.GetCall)
	}

	// WebSocket signaling relay
	router.GET("/ws/signal", auth, s.HandleSignaling)

	return router
}

func (s *Server) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.Call.OperationTimeout)
}
