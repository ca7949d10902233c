// The build worker: consumes build jobs from the queue, runs the pipeline,
// and serves the deployment webhook and metrics endpoints.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildforge/internal/artifacts"
	"buildforge/internal/budget"
	"buildforge/internal/config"
	"buildforge/internal/db"
	"buildforge/internal/deploy"
	"buildforge/internal/engine"
	"buildforge/internal/events"
	"buildforge/internal/logging"
	"buildforge/internal/orchestrator"
	"buildforge/internal/recovery"
	"buildforge/internal/vcs"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	cfg := config.Load()

	database, err := db.New(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}

	rdb, err := db.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	queueClient := asynq.NewClient(redisOpt)
	defer queueClient.Close()

	publisher := events.NewPublisher(rdb)

	var store artifacts.ObjectStore
	if cfg.S3Bucket != "" {
		s3Store, err := artifacts.NewS3Store(context.Background(), cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			log.Fatal("artifact store init failed", zap.Error(err))
		}
		store = s3Store
	} else {
		log.Warn("no artifact bucket configured, artifacts will not be persisted")
		store = artifacts.NopStore{}
	}

	reconciler := deploy.NewReconciler(database.DB, rdb)
	router := deploy.NewRouter(
		reconciler,
		deploy.NewHTTPEdgeClient(cfg.EdgeHostURL),
		deploy.NewHTTPPaaSClient(cfg.PaaSBaseURL, cfg.PaaSToken),
		deploy.PollPolicy{
			FirstDelay: cfg.PollFirstDelay,
			Interval:   cfg.PollInterval,
			MaxChecks:  cfg.PollMaxChecks,
		},
	)

	classifier := recovery.NewClassifier(nil)
	limiter := recovery.NewWindowStore(20, 10)
	reporter := recovery.NewService(database.DB, classifier, limiter, queueClient, publisher)

	orch := orchestrator.New(
		database.DB,
		budget.NewResolver(database.DB, cfg.DefaultBuildTimeout, cfg.DefaultMaxSteps),
		engine.New(cfg.EngineCmd, cfg.EngineArgs),
		router,
		artifacts.NewManager(store, cfg.ArtifactMaxBytes),
		vcs.NewHistory(cfg.HistoryDir, cfg.VersionWindowSize),
		reporter,
		publisher,
		cfg.WorkspaceDir,
	)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			"default":              8,
			recovery.RecoveryQueue: 2,
		},
		Logger: asynqZapLogger{logging.S()},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(orchestrator.TaskTypeBuild, orch.HandleBuildTask)
	mux.HandleFunc(recovery.TaskTypeRecover,
		recovery.NewWorker(recovery.NopRepairer{}, publisher).HandleRecoverTask)

	webhookSrv := startWebhookServer(cfg, reconciler)

	go func() {
		if err := srv.Run(mux); err != nil {
			log.Fatal("queue server stopped", zap.Error(err))
		}
	}()
	log.Info("worker started",
		zap.Int("concurrency", cfg.Concurrency),
		zap.String("webhook_addr", cfg.WebhookAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	srv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := webhookSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("webhook server shutdown failed", zap.Error(err))
	}
}

// startWebhookServer serves the deployment webhook, a health probe, and the
// Prometheus scrape endpoint on one listener.
func startWebhookServer(cfg *config.Config, reconciler *deploy.Reconciler) *http.Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/webhooks/deployment", reconciler.WebhookHandler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{Addr: cfg.WebhookAddr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Fatal("webhook server failed", zap.Error(err))
		}
	}()
	return srv
}

// asynqZapLogger adapts the zap sugared logger to asynq's logging interface.
type asynqZapLogger struct {
	s *zap.SugaredLogger
}

func (l asynqZapLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l asynqZapLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l asynqZapLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l asynqZapLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l asynqZapLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }
