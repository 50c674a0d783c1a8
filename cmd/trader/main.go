package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"futures-trader/internal/app"
	"futures-trader/internal/config"
	"futures-trader/internal/log"
)

func main() {
	var (
		configPath string
		envFile    string
		once       bool
		live       bool
		limit      int
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&envFile, "env", ".env", "环境变量文件路径，不存在时忽略")
	flag.BoolVar(&once, "once", false, "只执行一轮决策后退出")
	flag.BoolVar(&live, "live", false, "启用实盘下单（覆盖配置中的 app.live）")
	flag.IntVar(&limit, "limit", 0, "覆盖每轮参与决策的标的数量上限（覆盖 universe.limit）")
	flag.Parse()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "加载环境变量文件失败: %v\n", err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if live {
		cfg.App.Live = true
	}
	if limit > 0 {
		cfg.Universe.Limit = limit
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	tradingApp, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("系统装配失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := tradingApp.Close(); closeErr != nil {
			logger.Warn("释放资源失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		if err := tradingApp.RunOnce(ctx); err != nil {
			logger.Error("单轮执行失败", zap.Error(err))
			os.Exit(1)
		}
		logger.Info("单轮执行完成")
		return
	}

	if err := tradingApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
