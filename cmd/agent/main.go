package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"lifeline-client/internal/app"
	"lifeline-client/internal/config"
	"lifeline-client/internal/pkg/logger"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[MAIN] No .env file found, relying on system env vars")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	lg := logger.New(logger.Config{
		Env:         cfg.LogEnv,
		Level:       cfg.LogLevel,
		ServiceName: "lifeline-agent",
		Version:     app.Version,
	})
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := app.NewServer(cfg, lg)
	if err := srv.Start(ctx); err != nil {
		lg.Error("agent stopped with error", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("agent stopped gracefully")
}
