package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"marcel.works/roomsync/app"
	"marcel.works/roomsync/app/config"
	"marcel.works/roomsync/app/engine"
)

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func main() {
	envFile := ".env"
	if len(os.Args) > 1 {
		envFile = os.Args[1]
	}
	boot, _ := zap.NewProduction()
	cfg, err := config.Load(envFile)
	if err != nil {
		boot.Fatal("could not load config", zap.Error(err))
	}
	log, err := newLogger(cfg)
	if err != nil {
		boot.Fatal("could not build logger", zap.Error(err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, log.With(zap.String("user_id", cfg.User.ID)))
	if err := a.Start(ctx); err != nil && !errors.Is(err, engine.ErrRoomClosed) {
		log.Fatal("terminated", zap.Error(err))
	}
	log.Info("connection to broker terminated")
}
