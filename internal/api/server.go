// Package api exposes the HTTP surface: the public webhook ingress, the
// authenticated management API and the websocket feed.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"tradehook/internal/gateway"
	"tradehook/internal/monitor"
	"tradehook/internal/notify"
	"tradehook/internal/queue"
	"tradehook/internal/webhook"
	"tradehook/pkg/db"
)

// QueueInfo is the queue view the server reports on health and metrics.
type QueueInfo interface {
	Len() int
	Cap() int
	Metrics() queue.DurableMetrics
}

// Server wires HTTP endpoints around the pipeline.
type Server struct {
	Router    *gin.Engine
	DB        *db.Database
	Webhooks  *webhook.Service
	Hub       *notify.Hub
	Metrics   *monitor.PipelineMetrics
	Queue     QueueInfo
	Adapters  *gateway.Manager
	JWTSecret string

	webhookRate  float64
	webhookBurst int
}

// Config carries the server's tunables.
type Config struct {
	JWTSecret    string
	WebhookRate  float64
	WebhookBurst int
}

func NewServer(database *db.Database, webhooks *webhook.Service, hub *notify.Hub, metrics *monitor.PipelineMetrics, q QueueInfo, adapters *gateway.Manager, cfg Config) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:       r,
		DB:           database,
		Webhooks:     webhooks,
		Hub:          hub,
		Metrics:      metrics,
		Queue:        q,
		Adapters:     adapters,
		JWTSecret:    cfg.JWTSecret,
		webhookRate:  cfg.WebhookRate,
		webhookBurst: cfg.WebhookBurst,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocketFeed)

	// Public ingress, rate limited per IP.
	s.Router.POST("/webhook/:userID/:token",
		RateLimitMiddleware(s.webhookRate, s.webhookBurst), s.handleWebhook)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.loginUser)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/webhook/config", s.getWebhookConfig)
			protected.POST("/webhook/generate", s.generateWebhook)
			protected.POST("/webhook/regenerate", s.regenerateWebhook)
			protected.PATCH("/webhook/toggle", s.toggleWebhook)
			protected.GET("/webhook/logs", s.getWebhookLogs)

			protected.GET("/metrics", s.getMetrics)
		}
	}
}

// Start runs the HTTP server on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
