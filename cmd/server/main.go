// Package main runs the engagement API server with WebSocket queue updates and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/replyflow/engagement/config"
	"github.com/replyflow/engagement/internal/agent"
	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/auth"
	"github.com/replyflow/engagement/internal/metrics"
	"github.com/replyflow/engagement/internal/middleware"
	"github.com/replyflow/engagement/internal/organizations"
	"github.com/replyflow/engagement/internal/pipeline"
	"github.com/replyflow/engagement/internal/queue"
	"github.com/replyflow/engagement/internal/rbac"
	"github.com/replyflow/engagement/internal/realtime"
	"github.com/replyflow/engagement/internal/rules"
	"github.com/replyflow/engagement/internal/stages"
	"github.com/replyflow/engagement/internal/worker"
	"github.com/replyflow/engagement/pkg/jobs"
	"github.com/replyflow/engagement/pkg/redis"
	"github.com/replyflow/engagement/pkg/response"
	"github.com/replyflow/engagement/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer st.close()

	// Redis backs jobs, cross-instance events and the idempotency cache. The memory driver
	// runs without it.
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		if cfg.Database.Driver != "memory" {
			logger.Fatal("redis", zap.Error(err))
		}
		logger.Warn("redis unavailable, running without jobs or event fan-out", zap.Error(err))
		rdb = nil
	}
	if rdb != nil {
		defer rdb.Close()
	}

	m := metrics.New("engagement")
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	recorder := audit.NewRecorder(st.audit, logger)

	var (
		hub        *realtime.Hub
		idemCache  middleware.IdempotencyCache = middleware.NewMemoryIdempotencyCache()
		jobQueue   *jobs.Queue
		postJobs   queue.PostEnqueuer
		notifyJobs pipeline.Notifier
		exportJobs organizations.ExportEnqueuer
	)
	if rdb != nil {
		hub = realtime.NewHub(logger, realtime.NewRedisPubSub(rdb.Client, logger))
		idemCache = rdb
		jobQueue = jobs.NewQueue(rdb.Client, logger)
		postJobs, notifyJobs, exportJobs = jobQueue, jobQueue, jobQueue
	} else {
		hub = realtime.NewHub(logger, nil)
	}

	// Auth
	authHandler := auth.NewHandler(st.users, jwtService, logger)

	// Organizations, membership, policy, activity
	orgSvc := organizations.NewService(st.orgs, st.users, recorder, exportJobs, cfg.Pipeline, logger)
	orgHandler := organizations.NewHandler(orgSvc)

	// Review queue
	queueSvc := queue.NewService(st.queue, recorder, hub, postJobs, m, logger)
	queueHandler := queue.NewHandler(queueSvc)

	// Automation rules
	ruleSvc := rules.NewService(st.rules, recorder, logger)
	ruleHandler := rules.NewHandler(ruleSvc)

	// Detection ingest: stages, scoring, rules, queue
	agentClient := agent.New(cfg.Upstream, nil, logger)
	analyzer := stages.NewAnalyzer(agentClient, st.results, m, logger)
	pipe := pipeline.New(pipeline.Deps{
		Posts:    st.posts,
		Results:  st.results,
		Analyzer: analyzer,
		Policies: orgSvc,
		Rules:    ruleSvc,
		Queue:    queueSvc,
		Notifier: notifyJobs,
		Metrics:  m,
	}, cfg.Pipeline, logger)
	pipelineHandler := pipeline.NewHandler(pipe)

	authorize := func(ctx context.Context, token string, orgID uuid.UUID) (rbac.Actor, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return rbac.Actor{}, apperr.Authorization("invalid or expired token")
		}
		return orgSvc.ActorFor(ctx, claims.UserID, orgID)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(m.Middleware())

	// Health
	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "agent_breaker": agentClient.BreakerState()})
	})
	router.GET("/metrics", m.Handler())

	idempotent := middleware.Idempotency(idemCache, cfg.Server.IdempotencyTTL, logger)

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
		authGroup.GET("/me", middleware.JWT(jwtService), authHandler.Me)
	}

	// Service-to-service detection ingest
	router.POST("/ingest/posts", middleware.IngestToken(cfg.Ingest.Token), idempotent, pipelineHandler.Ingest)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService), idempotent)
	{
		api.GET("/organizations", orgHandler.ListMyOrganizations)
		api.POST("/organizations", orgHandler.CreateOrganization)

		org := api.Group("/organizations/:id", orgHandler.RequireOrgAccess())

		// Members
		org.GET("/members", orgHandler.ListMembers)
		org.POST("/members", middleware.RequirePermission(rbac.PermMembersManage), orgHandler.AddMember)
		org.PATCH("/members/:userId", middleware.RequirePermission(rbac.PermRolesManage), orgHandler.ChangeRole)
		org.DELETE("/members/:userId", middleware.RequirePermission(rbac.PermRolesManage), orgHandler.RemoveMember)

		// Decision policy
		org.GET("/policy", orgHandler.GetPolicy)
		org.PUT("/policy", middleware.RequirePermission(rbac.PermPolicyManage), orgHandler.UpdatePolicy)

		// Queue
		org.GET("/queue", queueHandler.List)
		org.GET("/queue/count", queueHandler.Count)
		org.POST("/queue/bulk", middleware.RequirePermission(rbac.PermQueueBulkAct), queueHandler.Bulk)
		org.GET("/queue/:entryId", queueHandler.Get)
		org.POST("/queue/:entryId/act", queueHandler.Act)
		org.POST("/queue/:entryId/skip", middleware.RequirePermission(rbac.PermQueueSkip), queueHandler.Skip)

		// Responses
		org.GET("/responses/:candidateId", queueHandler.GetResponse)
		org.POST("/responses/:candidateId/approve", middleware.RequirePermission(rbac.PermQueueApprove), queueHandler.Approve)
		org.POST("/responses/:candidateId/reject", middleware.RequirePermission(rbac.PermQueueReject), queueHandler.Reject)

		// Automation rules
		org.GET("/rules", ruleHandler.List)
		org.POST("/rules", middleware.RequirePermission(rbac.PermRulesManage), ruleHandler.Create)
		org.PUT("/rules/:ruleId", middleware.RequirePermission(rbac.PermRulesManage), ruleHandler.Update)
		org.DELETE("/rules/:ruleId", middleware.RequirePermission(rbac.PermRulesManage), ruleHandler.Delete)

		// Audit
		org.GET("/activity", middleware.RequirePermission(rbac.PermActivityView), orgHandler.Activity)
		org.POST("/audit/export", middleware.RequirePermission(rbac.PermAuditExport), orgHandler.RequestExport)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, authorize))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-process worker (memory driver, or WORKER_IN_PROCESS=true)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if jobQueue != nil && (cfg.Worker.InProcess || cfg.Database.Driver == "memory") {
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
				logger.Warn("s3 disabled", zap.Error(err))
			} else {
				deps.Archiver = s3Client
			}
		}
		go worker.NewProcessor(deps, logger).Run(workerCtx)
		logger.Info("in-process worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port), zap.String("store", cfg.Database.Driver))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
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
