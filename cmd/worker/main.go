// Package main runs the background job worker (WhatsApp sends and media mirroring).
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/convo-crm/backend/config"
	"github.com/convo-crm/backend/internal/conversations"
	"github.com/convo-crm/backend/internal/realtime"
	"github.com/convo-crm/backend/internal/whatsapp"
	"github.com/convo-crm/backend/internal/worker"
	"github.com/convo-crm/backend/pkg/database"
	"github.com/convo-crm/backend/pkg/queue"
	"github.com/convo-crm/backend/pkg/redis"
	"github.com/convo-crm/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxIdle,
		ApplicationName: "crm-worker",
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		MediaBucket:          cfg.AWS.MediaBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	// The worker holds no client connections; its relay only publishes to the bridge.
	relay := realtime.NewRelay(realtime.Options{Broker: realtime.NewRedisBridge(rdb.Client, logger), Logger: logger})
	if err := relay.Start(ctx); err != nil {
		logger.Warn("relay bridge unavailable, media updates will not reach clients", zap.Error(err))
	}
	defer relay.Stop()

	jobQueue := queue.NewQueue(rdb.Client, logger)
	waClient := whatsapp.NewClient(cfg.WhatsApp.APIBaseURL, cfg.WhatsApp.AccessToken, nil, logger)
	processor := worker.NewProcessor(jobQueue, waClient, s3Client, conversations.NewRepository(pool), relay, logger)

	done := make(chan struct{})
	go func() {
		processor.Run(ctx)
		close(done)
	}()
	logger.Info("worker started")

	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
