// Package main runs the sign language practice server: the frame streaming
// WebSocket, practice history API and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-signlab/backend/config"
	"github.com/aura-signlab/backend/internal/attempts"
	"github.com/aura-signlab/backend/internal/auth"
	"github.com/aura-signlab/backend/internal/codec"
	"github.com/aura-signlab/backend/internal/gesture"
	"github.com/aura-signlab/backend/internal/landmark"
	"github.com/aura-signlab/backend/internal/metrics"
	"github.com/aura-signlab/backend/internal/middleware"
	"github.com/aura-signlab/backend/internal/models"
	"github.com/aura-signlab/backend/internal/practice"
	"github.com/aura-signlab/backend/internal/realtime"
	"github.com/aura-signlab/backend/internal/resource"
	"github.com/aura-signlab/backend/pkg/database"
	"github.com/aura-signlab/backend/pkg/queue"
	"github.com/aura-signlab/backend/pkg/redis"
	"github.com/aura-signlab/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	var store attempts.Store
	if cfg.Database.URL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		store = attempts.NewRepository(pool)
	} else {
		logger.Warn("DATABASE_URL not set, practice history disabled")
	}

	var (
		archiver  attempts.Archiver
		publisher realtime.FeedbackPublisher
	)
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		publisher = realtime.NewRedisPubSub(rdb.Client, logger)
		if store != nil {
			archiver = queue.NewQueue(rdb.Client, logger)
		}
	} else {
		logger.Warn("REDIS_ADDR not set, feedback fan-out and gesture archiving disabled")
	}

	detectionService, err := landmark.NewService(cfg.Landmark, logger)
	if err != nil {
		logger.Fatal("landmark service", zap.Error(err))
	}
	feedbackService, closeFeedback, err := practice.NewFeedbackService(cfg.Feedback, logger)
	if err != nil {
		logger.Fatal("feedback service", zap.Error(err))
	}
	defer closeFeedback()

	deps := realtime.Deps{
		Codec:           codec.New(),
		Detector:        landmark.NewAdapter(detectionService, cfg.Landmark.Timeout, logger),
		Segmenter:       gesture.ConfigFrom(cfg.Segmenter),
		Feedback:        feedbackService,
		FeedbackTimeout: cfg.Feedback.Timeout,
		Optimizer:       resource.OptimizerConfigFrom(cfg.Optimizer),
		BaseProfile: models.QualityProfile{
			Resolution:          models.Resolution{Width: cfg.Stream.BaseWidth, Height: cfg.Stream.BaseHeight},
			EncodeQuality:       cfg.Stream.BaseQuality,
			DetectionComplexity: cfg.Stream.BaseComplexity,
		},
		Publisher: publisher,
	}
	if store != nil {
		deps.Sink = attempts.NewRecorder(store, archiver, logger)
	}
	opts := realtime.Options{
		QueueCapacity:   cfg.Stream.QueueCapacity,
		SendBuffer:      cfg.Stream.SendBuffer,
		MaxMessageBytes: cfg.Stream.MaxMessageBytes,
		StatsInterval:   cfg.Stream.StatsInterval,
	}

	registry := realtime.NewRegistry(logger)
	monitor := resource.NewMonitor(resource.DefaultSampler(), cfg.Monitor.Interval, cfg.Monitor.HistorySize, logger)
	monitor.Subscribe(registry.Broadcast)
	monitor.Start()
	defer monitor.Stop()

	var (
		jwtService *auth.JWTService
		verify     realtime.TokenVerifier
	)
	if cfg.JWT.Secret != "" {
		jwtService = auth.NewJWTService(cfg.JWT.Secret)
		verify = jwtService.VerifyToken
	} else {
		logger.Warn("JWT_SECRET not set, /ws and /stats are unauthenticated")
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "accepting": registry.Accepting(), "connections": registry.Count()})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	// WebSocket (token in query)
	router.GET("/ws", realtime.ServeWs(registry, deps, opts, verify, logger))

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/stats", func(c *gin.Context) { response.OK(c, registry.SystemSummary()) })
		if store != nil {
			api.GET("/sessions/:id/attempts", attempts.NewHandler(store, logger).ListBySession)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Stream.ShutdownTimeout)
	report := registry.GracefulShutdown(drainCtx)
	drainCancel()
	logger.Info("connections closed",
		zap.Int("connections", report.Connections),
		zap.Int("drained", report.Drained),
		zap.Int("cancelled", report.Cancelled),
		zap.Int64("frames_abandoned", report.FramesAbandoned),
		zap.Duration("duration", report.Duration),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
