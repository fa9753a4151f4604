package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/EmreUYGUNX/lumi-identity/internal/app"
	"github.com/EmreUYGUNX/lumi-identity/internal/config"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger, loggerProvider, err := observability.InitLogger(ctx, cfg)
	if err != nil {
		slog.Error("init logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	runtime, err := observability.InitRuntime(ctx, cfg, logger, loggerProvider)
	if err != nil {
		logger.Error("init observability", "error", err)
		os.Exit(1)
	}

	application, err := app.New(ctx, cfg, logger, runtime)
	if err != nil {
		logger.Error("wire application", "error", err)
		_ = runtime.Shutdown(ctx)
		os.Exit(1)
	}
	logger.Info("identity core ready", "env", cfg.Env)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	if err := application.Shutdown(ctx); err != nil {
		logger.Error("shutdown", "error", err)
		os.Exit(1)
	}
}
