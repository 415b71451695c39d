package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/coursehub/entitlements/internal/app/workerapp"
	"github.com/coursehub/entitlements/internal/config"
	"github.com/coursehub/entitlements/internal/infra/logger"
	"github.com/coursehub/entitlements/internal/infra/telemetry"
)

func main() {
	once := flag.Bool("once", false, "run a single expiration pass and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfgPath := os.Getenv("APP_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log.Level, "worker")
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName+"-worker", cfg.Telemetry.Insecure)
	if err != nil {
		log.Fatal("init telemetry", zap.Error(err))
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	app, err := workerapp.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("create worker app", zap.Error(err))
	}
	defer app.Close()

	if *once {
		report, err := app.RunOnce(ctx)
		if err != nil {
			log.Fatal("plan expiration run failed", zap.Error(err))
		}
		log.Info("plan expiration run finished",
			zap.Int("matched", report.Matched),
			zap.Int("expired", report.Expired),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
		)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Fatal("worker app failed", zap.Error(err))
	}
}
