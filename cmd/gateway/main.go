// enso-gateway 本地影子与云端同步服务
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/taoyao-code/enso-gateway/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/enso-gateway/internal/config"
	"github.com/taoyao-code/enso-gateway/internal/logging"
	"go.uber.org/zap"
)

// rebootExitCode reset_trgrd 触发的退出码，进程管理器据此立即重启
const rebootExitCode = 3

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:           "enso-gateway",
		Short:         "Enso gateway local shadow and cloud sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway service",
		RunE:  serve,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), bootstrap.Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (default $ENSO_CONFIG or ./configs/example.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(logdumpCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, bootstrap.ErrRebootRequested) {
			os.Exit(rebootExitCode)
		}
		os.Exit(1)
	}
}

func serve(cmd *cobra.Command, args []string) error {
	// 1) 加载配置
	cfg, err := cfgpkg.Load(configPath)
	if err != nil {
		return err
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging, cfg.Gateway.Address)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	// 3) 信号处理，优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return bootstrap.Run(ctx, cfg, zap.L())
}
