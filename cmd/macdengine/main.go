package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"macd-engine/config"
	"macd-engine/internal/logger"
	"macd-engine/internal/macdengine"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// The logger level comes from config, so fall back to a default one.
		zap.NewExample().Fatal("config", zap.Error(err))
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("log level", zap.String("level", cfg.LogLevel), zap.Error(err))
	}
	log, err := logger.Init("macdengine", level)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("signal received", zap.Stringer("signal", sig))
		cancel()
	}()

	svc, err := macdengine.New(ctx, macdengine.ConfigFrom(cfg), log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	if err := svc.Run(ctx); err != nil {
		log.Fatal("fatal", zap.Error(err))
	}
}
