// Package main runs the background job worker (response dispatch, notifications, audit export).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/replyflow/engagement/config"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/metrics"
	"github.com/replyflow/engagement/internal/queue"
	"github.com/replyflow/engagement/internal/realtime"
	"github.com/replyflow/engagement/internal/worker"
	"github.com/replyflow/engagement/pkg/database"
	"github.com/replyflow/engagement/pkg/jobs"
	"github.com/replyflow/engagement/pkg/redis"
	"github.com/replyflow/engagement/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Database.Driver != "postgres" {
		logger.Fatal("worker requires STORE_DRIVER=postgres; with the memory driver the server runs jobs in-process")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	m := metrics.New("engagement_worker")
	recorder := audit.NewRecorder(audit.NewRepository(pool), logger)
	jobQueue := jobs.NewQueue(rdb.Client, logger)
	// Status changes made here reach API instances' websocket clients over Redis.
	hub := realtime.NewHub(logger, realtime.NewRedisPubSub(rdb.Client, logger))
	queueSvc := queue.NewService(queue.NewRepository(pool), recorder, hub, nil, m, logger)

	poster, notifier := worker.NewOutbound(cfg.Worker, logger)
	deps := worker.Deps{
		Queue:     jobQueue,
		Responses: queueSvc,
		Poster:    poster,
		Notifier:  notifier,
		Audit:     recorder,
		Metrics:   m,
	}
	if cfg.AWS.AuditBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			AuditBucket:     cfg.AWS.AuditBucket,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		deps.Archiver = s3Client
	} else {
		logger.Warn("AWS_S3_AUDIT_BUCKET not set; audit export jobs will fail")
	}
	processor := worker.NewProcessor(deps, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
