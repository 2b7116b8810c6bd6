// cmd/server/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Corphon/AIShowrunner/internal/config"
)

var (
	port      string
	debugMode bool
)

var rootCmd = &cobra.Command{
	Use:           "showrunner",
	Short:         "AI showrunner: story bible in, production packet out",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&port, "port", "", "HTTP port (overrides PORT)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug mode (overrides DEBUG_MODE)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "tools", Title: "Tools:"},
	)
	rootCmd.AddCommand(serveCmd, migrateCmd, runCmd)
}

// loadConfig 环境变量为主，命令行参数覆盖
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if port != "" {
		cfg.Port = port
	}
	if debugMode {
		cfg.DebugMode = true
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}
