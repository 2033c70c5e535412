package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"storage-bridge/internal/config"
	"storage-bridge/internal/logger"
	"storage-bridge/internal/service"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	lg, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "storage-bridge")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	lg.Info("Starting storage-bridge service",
		zap.String("version", "1.2.0"),
		zap.Duration("poll_interval", cfg.Bridge.PollInterval),
		zap.String("listen_addr", cfg.Bridge.ListenAddr),
	)

	// 创建服务
	bridge, err := service.NewBridgeService(cfg, lg)
	if err != nil {
		lg.Fatal("Failed to create bridge service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bridge.Start(ctx); err != nil {
		lg.Fatal("Failed to start bridge service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	lg.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	if err := bridge.Stop(context.Background()); err != nil {
		lg.Error("Error during shutdown", zap.Error(err))
	}

	lg.Info("Service stopped")
}
