// internal/app/app.go
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Corphon/ProposalPilot/internal/api"
	"github.com/Corphon/ProposalPilot/internal/config"
	"github.com/Corphon/ProposalPilot/internal/di"
	"github.com/Corphon/ProposalPilot/internal/services"
	"github.com/Corphon/ProposalPilot/internal/storage"
	"github.com/Corphon/ProposalPilot/internal/utils"
)

// httpServer 便于测试替换
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// App 应用程序实例
type App struct {
	config   *config.AppConfig
	router   http.Handler
	server   httpServer
	stopChan chan os.Signal

	closersMu sync.Mutex
	closers   []func() // 外部连接，逆序关闭
}

var (
	instance   *App
	instanceMu sync.Mutex
)

// GetApp 获取应用实例（单例）
func GetApp() *App {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance == nil {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	}
	return instance
}

// Initialize 依次初始化配置、日志、服务与路由
func Initialize(dataDir string) error {
	if err := config.InitConfig(dataDir); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}

	app := GetApp()
	cfg := config.GetCurrentConfig()
	app.config = cfg

	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}
	if cfg.DebugMode {
		utils.GetLogger().SetLogLevel(utils.DEBUG)
	}

	if err := InitServices(); err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}

	router, err := api.SetupRouter()
	if err != nil {
		return fmt.Errorf("设置路由失败: %w", err)
	}
	app.router = router
	app.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// initLogger 按日期写入日志文件
func initLogger(logDir string) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}
	return utils.InitLogger(utils.DailyLogFile(logDir, time.Now()))
}

// InitServices 按依赖顺序创建服务并注册到容器
func InitServices() error {
	cfg := config.GetCurrentConfig()
	container := di.GetContainer()
	logger := utils.GetLogger()

	container.Register(di.ServiceConfig, cfg)

	// 1. 存储与生成触发器
	store, trigger, err := initDraftStore(cfg)
	if err != nil {
		return err
	}
	container.Register(di.ServiceDraftStore, store)

	// 2. 分析事件
	analytics, err := initAnalytics(cfg)
	if err != nil {
		return err
	}
	container.Register(di.ServiceAnalytics, analytics)

	// 3. 锁、指标与会话
	locks := services.NewLockManager()
	container.Register(di.ServiceLocks, locks)

	metrics := utils.NewPipelineMetrics()
	container.Register(di.ServiceMetrics, metrics)

	sessions := services.NewSessionService(&services.PipelineDeps{
		Store:     store,
		Trigger:   trigger,
		Analytics: analytics,
		Locks:     locks,
		Metrics:   metrics,
		Config:    cfg.Pipeline,
		Logger:    logger,
	})
	sessions.StartCleanup(10 * time.Minute)
	container.Register(di.ServiceSessions, sessions)

	logger.Info("服务初始化完成", utils.Fields{
		"store_backend": cfg.StoreBackend,
		"services":      len(container.GetNames()),
	})
	return nil
}

// initDraftStore 根据配置选择存储后端；内存后端自带演示生成器
func initDraftStore(cfg *config.AppConfig) (storage.DraftStore, services.GenerationTrigger, error) {
	var trigger services.GenerationTrigger = services.NoopTrigger{}
	if cfg.GenerationWebhookURL != "" {
		trigger = services.NewWebhookTrigger(cfg.GenerationWebhookURL, nil)
	}

	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		store, err := storage.ConnectPostgresDraftStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
		GetApp().addCloser(store.Close)
		log.Println("🐘 已连接 Postgres 草稿存储")
		return store, trigger, nil

	case config.StoreBackendMemory:
		store := storage.NewMemoryDraftStore()
		delay := time.Duration(cfg.SimulatedDelayMS) * time.Millisecond
		log.Printf("🧪 使用内存草稿存储与演示生成器，延迟 %v", delay)
		return store, services.NewSimulatedTrigger(store, delay), nil

	default:
		fs, err := storage.NewFileStorage(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("创建文件存储失败: %w", err)
		}
		GetApp().addCloser(fs.Close)
		return storage.NewFileDraftStore(fs), trigger, nil
	}
}

// initAnalytics 日志接收方始终开启，配置了 NATS 时同时发布
func initAnalytics(cfg *config.AppConfig) (*services.AnalyticsDispatcher, error) {
	sinks := services.MultiAnalyticsSink{services.NewLogAnalyticsSink()}

	if cfg.NATSURL != "" {
		natsSink, err := services.ConnectNATSAnalyticsSink(cfg.NATSURL, cfg.AnalyticsSubject)
		if err != nil {
			return nil, err
		}
		GetApp().addCloser(natsSink.Close)
		sinks = append(sinks, natsSink)
		log.Printf("📡 分析事件发布到 NATS 主题 %s.*", cfg.AnalyticsSubject)
	}

	return services.NewAnalyticsDispatcher(sinks), nil
}

func (app *App) addCloser(fn func()) {
	app.closersMu.Lock()
	defer app.closersMu.Unlock()
	app.closers = append(app.closers, fn)
}

// Run 启动服务器并阻塞到收到停止信号
func Run() error {
	app := GetApp()
	if app.server == nil {
		return fmt.Errorf("应用尚未初始化")
	}

	signal.Notify(app.stopChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(app.stopChan)

	errChan := make(chan error, 1)
	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		app.cleanup()
		return fmt.Errorf("启动服务器失败: %w", err)
	case sig := <-app.stopChan:
		log.Printf("🛑 收到信号 %v，正在关闭服务器...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownErr := app.server.Shutdown(ctx)
	app.cleanup()
	if shutdownErr != nil {
		return fmt.Errorf("服务器强制关闭: %w", shutdownErr)
	}

	log.Println("✅ 服务器优雅关闭完成")
	return nil
}

// cleanup 停止后台任务并关闭外部连接
func (app *App) cleanup() {
	container := di.GetContainer()

	if handler, err := di.Resolve[*api.Handler](container, di.ServiceAPIHandler); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := handler.Shutdown(ctx); err != nil {
			log.Printf("⚠️ 后台任务未能按时结束: %v", err)
		}
		cancel()
	}
	if manager, err := di.Resolve[*api.WebSocketManager](container, di.ServiceWebSocket); err == nil {
		manager.Shutdown()
	}
	if limiter, err := di.Resolve[*api.RateLimiter](container, di.ServiceRateLimiter); err == nil {
		limiter.Stop()
	}
	if sessions, err := di.Resolve[*services.SessionService](container, di.ServiceSessions); err == nil {
		sessions.Stop()
	}
	if locks, err := di.Resolve[*services.LockManager](container, di.ServiceLocks); err == nil {
		locks.Stop()
	}

	app.closersMu.Lock()
	closers := app.closers
	app.closers = nil
	app.closersMu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}

	if err := utils.GetLogger().Close(); err != nil {
		log.Printf("⚠️ 关闭日志文件失败: %v", err)
	}
}

// GetConfig 获取应用配置
func (app *App) GetConfig() *config.AppConfig {
	return app.config
}

// GetDIContainer 获取依赖注入容器
func GetDIContainer() *di.Container {
	return di.GetContainer()
}

// IsDebugMode 检查是否为调试模式
func IsDebugMode() bool {
	instanceMu.Lock()
	app := instance
	instanceMu.Unlock()

	if app == nil || app.config == nil {
		return false
	}
	return app.config.DebugMode
}
