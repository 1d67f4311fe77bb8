// Package api exposes the node's command surface: deploy and lifecycle
// operations, skill introspection, the event stream, and operational
// endpoints. The control plane and local tooling are the only intended
// clients.
package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KrizPB/buhdi-node-sub000/internal/node"
)

// Server owns the HTTP router and its collaborators.
type Server struct {
	manager      *node.Manager
	logger       *slog.Logger
	authSecret   []byte
	deployPerMin int
	limiter      *rateLimiter
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l.With("component", "api")
	}
}

// WithAuthSecret enables bearer-JWT auth with the given HS256 secret.
// Empty leaves the API open, for development nodes only.
func WithAuthSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.authSecret = []byte(secret)
		}
	}
}

// WithDeployRateLimit caps deploys per minute per client.
func WithDeployRateLimit(perMinute int) Option {
	return func(s *Server) {
		if perMinute > 0 {
			s.deployPerMin = perMinute
		}
	}
}

// NewServer builds the command API around a manager.
func NewServer(manager *node.Manager, opts ...Option) *Server {
	s := &Server{
		manager:      manager,
		logger:       slog.Default().With("component", "api"),
		deployPerMin: 10,
		limiter:      newRateLimiter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the gin engine. gin.SetMode is the caller's business.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLog())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	if len(s.authSecret) > 0 {
		v1.Use(s.requireAuth())
	}

	v1.POST("/skills/deploy", s.rateLimitDeploy(), s.handleDeploy)
	v1.GET("/skills", s.handleList)
	v1.GET("/skills/pending", s.handlePending)
	v1.GET("/skills/:name", s.handleGet)
	v1.POST("/skills/:name/approve", s.handleApprove)
	v1.POST("/skills/:name/reject", s.handleReject)
	v1.POST("/skills/:name/start", s.handleStart)
	v1.POST("/skills/:name/stop", s.handleStop)
	v1.DELETE("/skills/:name", s.handleUninstall)
	v1.POST("/skills/:name/call/:fn", s.handleCall)
	v1.GET("/skills/:name/logs", s.handleLogs)
	v1.GET("/audit", s.handleAudit)
	v1.GET("/events", s.handleEvents)

	return r
}

// requestLog emits one structured line per request.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}
