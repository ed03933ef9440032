// Package main runs the background job worker (gesture archive upload to S3).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-signlab/backend/config"
	"github.com/aura-signlab/backend/internal/attempts"
	"github.com/aura-signlab/backend/internal/realtime"
	"github.com/aura-signlab/backend/internal/worker"
	"github.com/aura-signlab/backend/pkg/database"
	"github.com/aura-signlab/backend/pkg/queue"
	"github.com/aura-signlab/backend/pkg/redis"
	"github.com/aura-signlab/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Database.URL == "" || cfg.Redis.Addr == "" {
		logger.Fatal("worker requires DATABASE_URL and REDIS_ADDR")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		GesturesBucket:  cfg.AWS.GesturesBucket,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewArchiveProcessor(attempts.NewRepository(pool), s3Client, jobQueue, logger)

	// Feedback audit trail across all server instances.
	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	unsubscribe, err := pubsub.SubscribeAll(func(event string, payload []byte) {
		logger.Info("feedback published", zap.String("event", event), zap.ByteString("data", payload))
	})
	if err != nil {
		logger.Warn("feedback subscription disabled", zap.Error(err))
	} else {
		defer unsubscribe()
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Run(workerCtx)
	}()
	logger.Info("worker started", zap.String("bucket", s3Client.GesturesBucket()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
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
