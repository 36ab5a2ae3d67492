package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/agentdesk/internal/common"
	"github.com/suPer8Hu/agentdesk/internal/httpapi/handlers"
	"github.com/suPer8Hu/agentdesk/internal/httpapi/middleware"
)

type RouterOptions struct {
	JWTSecret      string
	WebhookTimeout time.Duration
}

func NewRouter(h *handlers.Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// gateway callbacks, unauthenticated; the handler answers non-POST itself
	r.Any("/webhooks/whatsapp", middleware.Timeout(opts.WebhookTimeout), h.WhatsAppWebhook)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(opts.JWTSecret))

	authGroup.POST("/instances", h.CreateInstance)
	authGroup.GET("/instances", h.ListInstances)
	authGroup.GET("/instances/:id/status", h.GetInstanceStatus)
	authGroup.GET("/instances/:id/qrcode", h.GetInstanceQRCode)
	authGroup.POST("/instances/:id/restart", h.RestartInstance)
	authGroup.POST("/instances/:id/disconnect", h.DisconnectInstance)
	authGroup.DELETE("/instances/:id", h.DeleteInstance)
	authGroup.PUT("/instances/:id/settings", h.UpdateInstanceSettings)
	authGroup.GET("/instances/:id/routing-rules", h.ListRoutingRules)
	authGroup.GET("/instances/:id/sync-jobs", h.ListSyncJobs)

	authGroup.POST("/agents", h.CreateAgent)
	authGroup.GET("/agents", h.ListAgents)

	authGroup.POST("/routing-rules", h.CreateRoutingRule)
	authGroup.DELETE("/routing-rules/:id", h.DeleteRoutingRule)

	authGroup.POST("/threads", h.CreateThread)
	authGroup.GET("/threads", h.ListThreads)
	authGroup.GET("/threads/:thread_id/messages", h.ListThreadMessages)
	authGroup.POST("/threads/:thread_id/messages", h.SendThreadMessage)
	authGroup.POST("/threads/:thread_id/archive", h.ArchiveThread)
	authGroup.DELETE("/threads/:thread_id", h.DeleteThread)
	authGroup.POST("/threads/:thread_id/trim", h.TrimThread)
	authGroup.PUT("/threads/:thread_id/handoff", h.SetThreadHandoff)
	authGroup.PUT("/threads/:thread_id/agent", h.AssignThreadAgent)
	return r
}
