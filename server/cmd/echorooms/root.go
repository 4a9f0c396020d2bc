package main

import (
	"fmt"
	"log/slog"

	"echo-rooms/server/internal/app"
	"echo-rooms/server/internal/config"

	"github.com/spf13/cobra"
)

// Version 构建时注入。
var Version = "0.1.0"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "echorooms",
	Short:         "Echo Rooms narrative companion server",
	Long:          "Echo Rooms runs a tool-calling narrative companion: two characters, a five-stage puzzle and a story that ends at interaction 18.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "server/configs/echo-rooms.yaml", "config file path (empty for defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(chatCmd)
}

// setup 加载配置、创建日志并组装服务。cleanup 负责关闭资源与日志文件。
func setup() (*app.App, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, closeLog := config.SetupLogger(cfg.Logging)
	slog.SetDefault(logger)

	a, err := app.Build(cfg, logger)
	if err != nil {
		_ = closeLog()
		return nil, nil, err
	}
	cleanup := func() {
		if err := a.Close(); err != nil {
			logger.Warn("close app failed", "error", err)
		}
		_ = closeLog()
	}
	return a, cleanup, nil
}
