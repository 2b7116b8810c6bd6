package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/Corphon/AIShowrunner/internal/app"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the HTTP API server (default)",
	GroupID: "server",
	RunE:    runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Println("🚀 启动 AI Showrunner 服务器...")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Printf("✅ 配置加载完成，端口: %s，存储: %s", cfg.Port, cfg.StorageBackend)

	if err := app.Initialize(cfg); err != nil {
		return err
	}
	log.Printf("✅ 所有服务初始化完成，已注册: %v", app.GetDIContainer().GetNames())
	log.Printf("🔗 访问地址: http://localhost:%s/health", cfg.Port)

	return app.Run()
}
