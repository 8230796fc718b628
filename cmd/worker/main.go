package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gpuwatch/internal/alert"
	"gpuwatch/internal/compact"
	"gpuwatch/internal/config"
	"gpuwatch/internal/deal"
	"gpuwatch/internal/ingest"
	"gpuwatch/internal/model"
	"gpuwatch/internal/pkg/jobqueue"
	"gpuwatch/internal/pkg/logger"
	"gpuwatch/internal/pkg/metrics"
	"gpuwatch/internal/pkg/notify"
	"gpuwatch/internal/pkg/observe"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// main 是抓取/评分/通知 worker 进程的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志、指标、错误上报
// 2. 连接 MySQL 与 Redis
// 3. 启动各队列的 worker pool 与周期调度器
// 4. 优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := observe.NewSentrySink(cfg.Sentry.DSN, cfg.App.Env, appLogger)
	if err != nil {
		appLogger.Error("init sentry failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		appLogger.Error("connect mysql failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := db.AutoMigrate(
		&model.GPU{},
		&model.RetailerOffer{},
		&model.PriceHistoryPoint{},
		&model.PriceHistoryCompressed{},
		&model.DealScore{},
		&model.GPUWatch{},
		&model.IngestionRun{},
		&model.OutboundClick{},
	); err != nil {
		appLogger.Error("migrate failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Error("connect redis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	queue, err := jobqueue.NewClient(rdb)
	if err != nil {
		appLogger.Error("init queue client failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	metrics.InitMetrics()

	notifier := notify.NewEmailNotifier(&cfg.Email, appLogger)

	fetcher := ingest.NewConnectorFetcher(cfg, rdb, appLogger)
	coordinator := ingest.NewCoordinator(
		ingest.NewGormStore(db), queue, fetcher, sink, appLogger,
		cfg.App.StaleAfter, cfg.App.ScoreDedupDelay,
	)
	detector := deal.NewDetector(deal.NewGormStore(db), queue, appLogger)
	dispatcher := alert.NewDispatcher(
		alert.NewGormStore(db), queue, notifier,
		cfg.App.AlertCooldown, appLogger,
	)
	compactor := compact.NewCompactor(
		compact.NewGormStore(db),
		time.Duration(cfg.App.RetentionDays)*24*time.Hour,
		appLogger,
	)

	// 抓取串行，评分/通知并行，压缩单 worker
	ingestPool := jobqueue.NewWorkerPool(appLogger, queue, jobqueue.QueueIngest, cfg.App.IngestWorkers)
	ingestPool.Register(jobqueue.TypeIngestRun, coordinator.HandleJob)

	scorePool := jobqueue.NewWorkerPool(appLogger, queue, jobqueue.QueueScore, cfg.App.ScoreWorkers)
	scorePool.Register(jobqueue.TypeScoreGPU, detector.HandleJob)

	alertPool := jobqueue.NewWorkerPool(appLogger, queue, jobqueue.QueueAlert, cfg.App.AlertWorkers)
	alertPool.Register(jobqueue.TypeAlertEvaluate, dispatcher.HandleEvaluate)
	alertPool.Register(jobqueue.TypeAlertSend, dispatcher.HandleSend)

	compactPool := jobqueue.NewWorkerPool(appLogger, queue, jobqueue.QueueCompact, cfg.App.CompactWorkers)
	compactPool.Register(jobqueue.TypeCompactRun, compactor.HandleJob)

	pools := []*jobqueue.WorkerPool{ingestPool, scorePool, alertPool, compactPool}
	for _, pool := range pools {
		pool.Start(ctx)
	}

	sched := jobqueue.NewScheduler(appLogger, queue, cfg.App.JanitorInterval, cfg.App.JanitorTimeout)
	sched.Add(jobqueue.Entry{
		Name:    "ingest-bestbuy",
		Queue:   jobqueue.QueueIngest,
		Type:    jobqueue.TypeIngestRun,
		Payload: jobqueue.IngestPayload{Source: model.RetailerBestBuy},
		Every:   cfg.Sources.BestBuyInterval,
		Initial: true,
	})
	sched.Add(jobqueue.Entry{
		Name:    "ingest-amazon",
		Queue:   jobqueue.QueueIngest,
		Type:    jobqueue.TypeIngestRun,
		Payload: jobqueue.IngestPayload{Source: model.RetailerAmazon},
		Every:   cfg.Sources.AmazonInterval,
		Initial: true,
	})
	sched.Add(jobqueue.Entry{
		Name:    "ingest-newegg",
		Queue:   jobqueue.QueueIngest,
		Type:    jobqueue.TypeIngestRun,
		Payload: jobqueue.IngestPayload{Source: model.RetailerNewegg},
		Every:   cfg.Sources.NeweggInterval,
		Initial: true,
	})
	sched.Add(jobqueue.Entry{
		Name:    "ingest-bhphoto",
		Queue:   jobqueue.QueueIngest,
		Type:    jobqueue.TypeIngestRun,
		Payload: jobqueue.IngestPayload{Source: model.RetailerBHPhoto},
		Every:   cfg.Sources.BHPhotoInterval,
		Initial: true,
	})
	sched.Add(jobqueue.Entry{
		Name:    "compact-history",
		Queue:   jobqueue.QueueCompact,
		Type:    jobqueue.TypeCompactRun,
		Payload: jobqueue.CompactPayload{},
		Every:   cfg.Sources.CompactAt,
	})

	queues := []string{jobqueue.QueueIngest, jobqueue.QueueScore, jobqueue.QueueAlert, jobqueue.QueueCompact}
	sched.Run(ctx)
	sched.StartJanitor(ctx, queues)
	sched.StartDepthMonitor(ctx, queues, 30*time.Second)

	metricsAddr := ":2112"
	if v := os.Getenv("WORKER_METRICS_ADDR"); v != "" {
		metricsAddr = v
	}
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("worker metrics server started", slog.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	appLogger.Info("worker started",
		slog.Int("ingest_workers", cfg.App.IngestWorkers),
		slog.Int("score_workers", cfg.App.ScoreWorkers),
		slog.Int("alert_workers", cfg.App.AlertWorkers))

	<-ctx.Done()
	appLogger.Info("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	for _, pool := range pools {
		if err := pool.ShutdownWithTimeout(30 * time.Second); err != nil {
			appLogger.Error("worker pool shutdown error", slog.String("error", err.Error()))
		}
	}

	fetcher.Close()
	sink.Flush(2 * time.Second)

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = rdb.Close()

	appLogger.Info("worker stopped gracefully")
}
