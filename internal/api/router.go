// internal/api/router.go
package api

import (
	"fmt"
	"net/http"

	"github.com/Corphon/ProposalPilot/internal/config"
	"github.com/Corphon/ProposalPilot/internal/di"
	"github.com/Corphon/ProposalPilot/internal/services"
	"github.com/Corphon/ProposalPilot/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 从容器取服务并配置HTTP路由；创建的处理器与 WebSocket 管理器注册回容器
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()

	sessions, err := di.Resolve[*services.SessionService](container, di.ServiceSessions)
	if err != nil {
		return nil, fmt.Errorf("会话服务未正确初始化: %w", err)
	}
	metrics, err := di.Resolve[*utils.PipelineMetrics](container, di.ServiceMetrics)
	if err != nil {
		return nil, fmt.Errorf("指标服务未正确初始化: %w", err)
	}

	manager := NewWebSocketManager()
	handler := NewHandler(sessions, metrics, NewWebSocketHandler(sessions, manager))
	limiter := NewRateLimiter()

	settings := services.NewConfigService()
	settings.EnableAudit(cfg.DebugMode)
	settings.SubscribeToChanges(sessions)
	handler.Settings = settings

	container.Register(di.ServiceSettings, settings)
	container.Register(di.ServiceWebSocket, manager)
	container.Register(di.ServiceAPIHandler, handler)
	container.Register(di.ServiceRateLimiter, limiter)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewRouter(handler, limiter), nil
}

// NewRouter 配置路由
func NewRouter(handler *Handler, limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(corsMiddleware())
	r.Use(MetricsMiddleware(handler.Metrics))
	r.Use(IdentityMiddleware())

	r.GET("/healthz", handler.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(handler.Metrics.Registry(), promhttp.HandlerOpts{})))

	// WebSocket 窗口通道
	r.GET("/ws/workspaces/:workspace_id/proposals", RequireWorkspace(), handler.ProposalWebSocket)

	api := r.Group("/api")
	api.Use(limiter.DefaultRateLimit())
	{
		api.GET("/ws/status", handler.GetWebSocketStatus)

		settingsGroup := api.Group("/settings")
		{
			settingsGroup.GET("/pipeline", handler.GetPipelineSettings)
			settingsGroup.PUT("/pipeline", limiter.SubmitRateLimit(), handler.UpdatePipelineSettings)
			settingsGroup.GET("/history", handler.GetSettingsHistory)
			settingsGroup.GET("/audit", handler.GetSettingsAudit)
		}

		// ===============================
		// 提案相关路由
		// ===============================
		proposals := api.Group("/workspaces/:workspace_id/proposals")
		proposals.Use(RequireWorkspace())
		{
			sessionGroup := proposals.Group("/session")
			{
				sessionGroup.GET("", handler.GetSession)
				sessionGroup.PUT("/client", handler.SelectClient)
				sessionGroup.POST("/bootstrap", handler.Bootstrap)
				sessionGroup.PUT("/form", handler.UpdateForm)
				sessionGroup.POST("/new", handler.StartNewDraft)
			}

			draftsGroup := proposals.Group("/drafts")
			{
				draftsGroup.POST("/ensure", handler.EnsureDraft)
				draftsGroup.POST("/:draft_id/resume", handler.ResumeDraft)
				draftsGroup.DELETE("/:draft_id", handler.DeleteDraft)
				draftsGroup.POST("/:draft_id/deck", limiter.SubmitRateLimit(), handler.DownloadDeck)
			}

			proposals.POST("/submit", limiter.SubmitRateLimit(), handler.SubmitProposal)
			proposals.POST("/continue-editing", handler.ContinueEditing)
			proposals.GET("/progress", handler.SubscribeProgress)
		}
	}

	return r
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-User-ID, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
