package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mockmail/backend/internal/config"
	"mockmail/backend/internal/health"
	"mockmail/backend/internal/middleware"
	"mockmail/backend/internal/monitoring"
	"mockmail/backend/internal/service"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	intake   Intaker
	tracker  Tracker
	messages *service.MessageService
	webhooks *service.WebhookService
	log      *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	Intake         Intaker
	Tracker        Tracker
	MessageService *service.MessageService
	WebhookService *service.WebhookService
	Accounts       middleware.AccountLookup
	Health         *health.HealthChecker
	Metrics        *monitoring.Metrics
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, log.Named("http"))
	router.Use(monitor.PanicRecovery())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(log.Named("http")))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		intake:   deps.Intake,
		tracker:  deps.Tracker,
		messages: deps.MessageService,
		webhooks: deps.WebhookService,
		log:      log,
	}

	apiKeyAuth := middleware.NewAPIKeyAuth(deps.Accounts, log.Named("auth"))

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	api := router.Group("/api")

	mail := api.Group("/mail")
	{
		// 追踪端点公开访问，由邮件客户端直接请求
		mail.GET("/track/open/:id", handler.trackOpen)
		mail.GET("/track/click/:id", handler.trackClick)

		mail.POST("/process",
			apiKeyAuth.RequireAPIKey(),
			middleware.ValidateContentType("application/json"),
			handler.processMail,
		)
	}

	// 邮件读取，限定在 API Key 所属账户
	messages := mail.Group("", apiKeyAuth.RequireAPIKey())
	{
		messages.GET("/latest/:address", handler.latestMessage)
		messages.GET("/latest/:address/subject/:subject", handler.latestMessageBySubject)
		messages.GET("/messages", handler.listMessages)
		messages.GET("/messages/:id", handler.getMessage)
		messages.GET("/messages/:id/thread", handler.getMessageThread)
		messages.DELETE("/messages/:id", handler.deleteMessage)
	}

	webhooks := api.Group("/webhooks", apiKeyAuth.RequireAPIKey())
	{
		webhooks.GET("", handler.listWebhooks)
		webhooks.POST("", middleware.BodySizeLimit(middleware.SmallBodyLimit), handler.createWebhook)
		webhooks.GET("/:id", handler.getWebhook)
		webhooks.PATCH("/:id", middleware.BodySizeLimit(middleware.SmallBodyLimit), handler.updateWebhook)
		webhooks.PUT("/:id", middleware.BodySizeLimit(middleware.SmallBodyLimit), handler.updateWebhook)
		webhooks.DELETE("/:id", handler.deleteWebhook)
		webhooks.POST("/:id/test", handler.testWebhook)
		webhooks.GET("/:id/deliveries", handler.getWebhookDeliveries)
		webhooks.GET("/:id/stats", handler.getWebhookStats)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFound(c, "接口不存在")
	})

	return router
}
