package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"pegbridge.com/internal/bridge/app"
	bridgeConfig "pegbridge.com/internal/bridge/config"
	"pegbridge.com/pkg/config"
	"pegbridge.com/pkg/logger"
)

func main() {
	configName := flag.String("config", "bridge-service", "config/{name}.yaml")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &bridgeConfig.Cfg{}
	var bridge *app.App
	_, err := config.LoadAndWatch(*configName, cfg, func() {
		if bridge != nil {
			bridge.Reload()
		}
	})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.InitWithFile(cfg.Name, cfg.Log.Level, logger.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer logger.Sync()

	bridge = app.New(cfg)
	if err := bridge.Run(ctx); err != nil {
		logger.Error(ctx, "bridge service exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info(context.Background(), "bridge service stopped")
}
