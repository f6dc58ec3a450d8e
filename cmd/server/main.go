// Package main runs the replaysync HTTP service: the sync trigger, the
// render-service callbacks and the dashboard read API.
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

	"github.com/north-brook/replaysync/config"
	"github.com/north-brook/replaysync/internal/middleware"
	"github.com/north-brook/replaysync/internal/projects"
	"github.com/north-brook/replaysync/internal/provider"
	"github.com/north-brook/replaysync/internal/render"
	"github.com/north-brook/replaysync/internal/sessions"
	"github.com/north-brook/replaysync/internal/sources"
	"github.com/north-brook/replaysync/internal/syncer"
	"github.com/north-brook/replaysync/pkg/database"
	"github.com/north-brook/replaysync/pkg/queue"
	"github.com/north-brook/replaysync/pkg/redis"
	"github.com/north-brook/replaysync/pkg/response"
	"github.com/north-brook/replaysync/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	// Repositories
	projectRepo := projects.NewRepository(pool)
	sourceRepo := sources.NewRepository(pool)
	sessionRepo := sessions.NewRepository(pool)

	// Render pipeline
	jobQueue := queue.NewQueue(rdb.Client, logger)
	dispatcher := render.NewDispatcher(sessionRepo, cfg.Render.URL, cfg.Render.CallbackBaseURL,
		&http.Client{Timeout: time.Duration(cfg.Render.TimeoutSeconds) * time.Second}, logger)
	webhook := render.NewWebhookHandler(sessionRepo, jobQueue, logger)

	// Sync
	coordinator := syncer.NewCoordinator(
		sourceRepo, sessionRepo, projectRepo,
		provider.NewFactory(nil),
		dispatcher,
		time.Duration(cfg.Sync.LookbackDays)*24*time.Hour,
		logger,
	)
	trigger := syncer.NewTriggerHandler(coordinator, sourceRepo, logger)

	// Dashboard reads
	sessionHandler := sessions.NewHandler(sessionRepo, s3Client, logger)
	projectHandler := projects.NewHandler(projectRepo, sessionRepo, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Scheduler-invoked (shared secret)
	router.GET("/sync-trigger", middleware.SharedSecret(cfg.Sync.Secret), trigger.Trigger)

	// Render-service callbacks, rooted at the URL the dispatcher hands out
	router.POST("/jobs/process-replay/:session_id/accepted", webhook.Accepted)
	router.POST("/jobs/process-replay/:session_id/completed", webhook.Completed)

	// Dashboard reads
	router.GET("/projects/:id/sessions", sessionHandler.ListByProject)
	router.GET("/projects/:id/quota", projectHandler.GetQuota)
	router.GET("/sessions/:id", sessionHandler.GetByID)
	router.GET("/sessions/:id/video-url", sessionHandler.GenerateVideoURL)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	// Drain in-flight sync passes, bounded by the shutdown timeout.
	done := make(chan struct{})
	go func() {
		coordinator.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached with sync passes still running")
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
