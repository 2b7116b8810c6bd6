// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Corphon/AIShowrunner/internal/api"
	"github.com/Corphon/AIShowrunner/internal/auth"
	"github.com/Corphon/AIShowrunner/internal/config"
	"github.com/Corphon/AIShowrunner/internal/di"
	"github.com/Corphon/AIShowrunner/internal/events"
	"github.com/Corphon/AIShowrunner/internal/services"
	"github.com/Corphon/AIShowrunner/internal/storage"
	"github.com/Corphon/AIShowrunner/internal/utils"
)

const (
	progressCleanupInterval = 10 * time.Minute
	progressRetention       = time.Hour
	rateLimitCleanup        = time.Minute
	wsCleanupInterval       = time.Minute
	tokenExpiration         = 24 * time.Hour
)

// httpServer 便于测试替换
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用实例
type App struct {
	config   *config.Config
	server   httpServer
	stopChan chan os.Signal

	ctx    context.Context
	cancel context.CancelFunc

	store     storage.SectionStore
	publisher events.Publisher
}

var (
	instance     *App
	instanceLock sync.Mutex
)

// GetApp 获取应用单例
func GetApp() *App {
	instanceLock.Lock()
	defer instanceLock.Unlock()

	if instance == nil {
		instance = &App{stopChan: make(chan os.Signal, 1)}
	}
	return instance
}

// Prepare 初始化配置、日志和服务，不创建 HTTP 服务器
func Prepare(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("配置不能为空")
	}
	app := GetApp()
	app.config = cfg

	if err := config.InitConfig(cfg); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}
	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}
	logger := utils.GetLogger()
	logger.SetFormat(utils.ParseLogFormat(cfg.LogFormat))
	if cfg.DebugMode {
		logger.SetLogLevel(utils.DEBUG)
	} else {
		logger.SetLogLevel(utils.ParseLogLevel(cfg.LogLevel))
	}
	if err := InitServices(); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}
	return nil
}

// Shutdown 释放 Prepare 创建的资源
func Shutdown() {
	GetApp().cleanup()
}

// Initialize 在 Prepare 的基础上创建 HTTP 服务器
func Initialize(cfg *config.Config) error {
	if err := Prepare(cfg); err != nil {
		return err
	}
	app := GetApp()

	router, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	app.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// initLogger 日志按天写入 logDir
func initLogger(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	logFile := filepath.Join(logDir, fmt.Sprintf("app_%s.log", time.Now().Format("2006-01-02")))
	return utils.InitLogger(logFile)
}

// InitServices 按依赖顺序创建服务并注册到容器
func InitServices() error {
	app := GetApp()
	cfg := app.config
	if cfg == nil {
		return fmt.Errorf("配置未加载")
	}
	logger := utils.GetLogger()
	container := di.GetContainer()

	ctx, cancel := context.WithCancel(context.Background())
	app.ctx, app.cancel = ctx, cancel

	metrics := utils.NewAPIMetrics()

	// 1. 阶段路由和超时
	genCfg, err := config.LoadGenerationConfig(cfg.PipelineConfigPath)
	if err != nil {
		cancel()
		return err
	}

	// 2. 生成服务，没有可用提供者时仍然启动，/health 会报告未就绪
	generation, err := services.NewGenerationServiceFromConfig(cfg, genCfg, metrics)
	if err != nil {
		cancel()
		return fmt.Errorf("创建生成服务失败: %w", err)
	}
	if !generation.IsReady() {
		logger.Warn("没有可用的生成提供者，生成接口将返回错误", nil)
	}

	// 3. 存储和事件
	store, err := storage.OpenSectionStore(ctx, cfg)
	if err != nil {
		cancel()
		return fmt.Errorf("打开分区存储失败: %w", err)
	}
	publisher, err := events.New(cfg.NATSURL)
	if err != nil {
		store.Close()
		cancel()
		return fmt.Errorf("连接事件总线失败: %w", err)
	}
	app.store, app.publisher = store, publisher

	// 4. 编排服务
	sections := services.NewSectionService(store, publisher)
	stages := services.NewStageService(generation, genCfg, metrics)
	// 环境变量优先于 pipeline.yaml
	concurrency := cfg.MaxConcurrency
	if concurrency == 0 {
		concurrency = genCfg.MaxConcurrency
	}
	pipeline := services.NewPipelineService(stages, sections, publisher, concurrency)
	progress := services.NewProgressService()
	showrunner := services.NewShowrunnerService(ctx, generation, stages, pipeline, sections, progress, publisher)

	// 5. HTTP 层依赖
	limiter := api.NewRateLimiter()
	sockets := api.NewWebSocketManager(0)

	var tokens *auth.TokenConfig
	if cfg.AuthSecretKey != "" {
		tokens, err = auth.NewTokenConfig(cfg.AuthSecretKey, tokenExpiration)
		if err != nil {
			app.cleanup()
			return err
		}
	}

	container.Register("generation", generation)
	container.Register("sections", sections)
	container.Register("progress", progress)
	container.Register("showrunner", showrunner)
	container.Register("rate_limiter", limiter)
	container.Register("websockets", sockets)
	container.Register("router_options", api.RouterOptions{
		Tokens:       tokens,
		AuthRequired: cfg.AuthRequired,
		RateLimit:    cfg.RateLimitPerMinute,
		DebugMode:    cfg.DebugMode,
	})

	// 6. 后台清理
	progress.StartCleanup(ctx, progressCleanupInterval, progressRetention)
	limiter.StartCleanup(ctx, rateLimitCleanup)
	metrics.StartMetricsCollection(ctx)
	go func() {
		ticker := time.NewTicker(wsCleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := sockets.CleanupExpiredConnections(); removed > 0 {
					logger.Info("清理过期 WebSocket 连接", map[string]interface{}{"removed": removed})
				}
			}
		}
	}()

	logger.Info("服务初始化完成", map[string]interface{}{
		"storage":  cfg.StorageBackend,
		"events":   cfg.NATSURL != "",
		"auth":     cfg.AuthRequired,
		"services": len(container.GetNames()),
	})
	return nil
}

// Run 启动服务器，收到停止信号后优雅关闭
func Run() error {
	app := GetApp()
	if app.server == nil {
		return fmt.Errorf("服务器未初始化")
	}
	logger := utils.GetLogger()

	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(app.stopChan)

	serverErr := make(chan error, 1)
	go func() {
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	port := ""
	if app.config != nil {
		port = app.config.Port
	}
	logger.Info("服务器已启动", map[string]interface{}{"port": port})

	select {
	case err := <-serverErr:
		app.cleanup()
		return fmt.Errorf("启动服务器失败: %w", err)
	case sig := <-app.stopChan:
		logger.Info("正在关闭服务器", map[string]interface{}{"signal": sig.String()})
	}

	timeout := 30 * time.Second
	if app.config != nil && app.config.ShutdownTimeout > 0 {
		timeout = app.config.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := app.server.Shutdown(ctx)
	app.cleanup()
	if err != nil {
		return fmt.Errorf("服务器强制关闭: %w", err)
	}
	logger.Info("服务器优雅关闭完成", nil)
	return nil
}

// cleanup 停止后台任务并关闭存储和事件连接
func (a *App) cleanup() {
	logger := utils.GetLogger()

	if a.cancel != nil {
		a.cancel()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logger.Warn("关闭事件发布器失败", map[string]interface{}{"error": err.Error()})
		}
		a.publisher = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("关闭分区存储失败", map[string]interface{}{"error": err.Error()})
		}
		a.store = nil
	}
}

// GetConfig 获取应用配置
func (a *App) GetConfig() *config.Config {
	return a.config
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 是否处于调试模式
func IsDebugMode() bool {
	instanceLock.Lock()
	defer instanceLock.Unlock()
	return instance != nil && instance.config != nil && instance.config.DebugMode
}
