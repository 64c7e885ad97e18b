// cmd/server/main.go
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Corphon/ProposalPilot/internal/app"
	"github.com/Corphon/ProposalPilot/internal/config"
	"github.com/Corphon/ProposalPilot/internal/di"
)

func main() {
	log.Println("🚀 启动 ProposalPilot 服务器...")

	// 1. 首先加载基础配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("✅ 基础配置加载完成，端口: %s，存储后端: %s", baseConfig.Port, baseConfig.StoreBackend)

	// 2. 创建必要的目录
	createDirectories(baseConfig)
	log.Println("✅ 目录结构创建完成")

	// 3. 初始化配置、日志、服务与路由
	if err := app.Initialize(baseConfig.DataDir); err != nil {
		log.Fatalf("❌ 初始化应用失败: %v", err)
	}
	log.Printf("✅ 所有服务初始化完成，服务数量: %d", len(di.GetContainer().GetNames()))

	if err := performHealthCheck(); err != nil {
		log.Printf("⚠️ 服务健康检查警告: %v", err)
	}

	// 4. 启动服务器
	cfg := app.GetApp().GetConfig()
	log.Printf("🌐 服务器启动在端口 %s", cfg.Port)
	log.Printf("🔗 会话接口: http://localhost:%s/api/workspaces/<workspace_id>/proposals/session", cfg.Port)
	log.Printf("🔗 窗口通道: ws://localhost:%s/ws/workspaces/<workspace_id>/proposals", cfg.Port)
	log.Printf("📈 指标: http://localhost:%s/metrics", cfg.Port)

	if err := app.Run(); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// 健康检查函数
func performHealthCheck() error {
	container := di.GetContainer()

	// 检查关键服务是否已注册
	criticalServices := []string{di.ServiceDraftStore, di.ServiceSessions, di.ServiceMetrics, di.ServiceAPIHandler}

	for _, serviceName := range criticalServices {
		if service := container.Get(serviceName); service == nil {
			return fmt.Errorf("关键服务未注册: %s", serviceName)
		}
	}

	log.Println("✅ 服务健康检查通过")
	return nil
}

// createDirectories 创建应用所需的目录结构
func createDirectories(cfg *config.AppConfig) {
	dirs := []string{cfg.DataDir, cfg.LogDir}
	if cfg.StoreBackend == config.StoreBackendFile {
		dirs = append(dirs, filepath.Join(cfg.DataDir, "workspaces"))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("创建目录失败 %s: %v", dir, err)
		}
	}
}
