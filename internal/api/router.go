// internal/api/router.go
package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/AIShowrunner/internal/auth"
	"github.com/Corphon/AIShowrunner/internal/di"
	"github.com/Corphon/AIShowrunner/internal/services"
	"github.com/Corphon/AIShowrunner/internal/utils"
)

// RouterOptions 路由依赖
type RouterOptions struct {
	Showrunner   *services.ShowrunnerService
	WebSockets   *WebSocketManager
	RateLimiter  *RateLimiter
	Tokens       *auth.TokenConfig // 为 nil 时只读取 X-User-ID
	AuthRequired bool
	RateLimit    int // 每分钟请求数，0 表示不限流
	DebugMode    bool
}

// SetupRouter 从依赖注入容器读取服务并设置路由
func SetupRouter() (*gin.Engine, error) {
	container := di.GetContainer()

	showrunner, err := di.MustResolve[*services.ShowrunnerService](container, "showrunner")
	if err != nil {
		return nil, err
	}
	opts, _ := di.Resolve[RouterOptions](container, "router_options")
	opts.Showrunner = showrunner
	if limiter, ok := di.Resolve[*RateLimiter](container, "rate_limiter"); ok {
		opts.RateLimiter = limiter
	}
	if sockets, ok := di.Resolve[*WebSocketManager](container, "websockets"); ok {
		opts.WebSockets = sockets
	}
	return NewRouter(opts)
}

// NewRouter 创建 gin 引擎
func NewRouter(opts RouterOptions) (*gin.Engine, error) {
	if opts.Showrunner == nil {
		return nil, fmt.Errorf("showrunner service is required")
	}
	if opts.AuthRequired && opts.Tokens == nil {
		return nil, fmt.Errorf("auth required but no token configuration provided")
	}
	if opts.RateLimiter == nil {
		opts.RateLimiter = NewRateLimiter()
	}

	if !opts.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(corsMiddleware())
	r.Use(MetricsMiddleware(utils.NewAPIMetrics()))

	handler := NewHandler(opts.Showrunner, opts.WebSockets)

	r.GET("/health", handler.Health)

	authenticated := AuthMiddleware(opts.Tokens, opts.AuthRequired)
	limited := RateLimitByUser(opts.RateLimiter, opts.RateLimit, time.Minute)

	// ===============================
	// WebSocket 进度
	// ===============================
	r.GET("/ws/progress/:taskID", authenticated, handler.ProgressWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api", authenticated)
	{
		// ===============================
		// 生成相关路由
		// ===============================
		generateGroup := api.Group("/generate", limited)
		{
			generateGroup.POST("/regenerate-all", handler.RegenerateAll)
			generateGroup.POST("/video", handler.GenerateVideo)
			generateGroup.GET("/video/*operation", handler.GetVideoStatus)
			generateGroup.POST("/:stage", handler.GenerateStage)
		}

		// ===============================
		// 后台任务
		// ===============================
		api.GET("/runs/:taskID", handler.GetRunStatus)
		api.GET("/progress/:taskID", handler.SubscribeProgress)
		api.POST("/cancel/:taskID", handler.CancelRun)

		// ===============================
		// 已保存的分区
		// ===============================
		sectionsGroup := api.Group("/sections/:storyBibleId")
		{
			sectionsGroup.GET("", handler.ListSections)
			sectionsGroup.GET("/:scope/:section", handler.GetSection)
		}

		// ===============================
		// LLM配置相关路由
		// ===============================
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.GET("/providers", handler.GetLLMProviders)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}

		api.GET("/metrics", handler.GetMetrics)
		api.GET("/ws/status", handler.GetWebSocketStatus)
	}

	return r, nil
}
