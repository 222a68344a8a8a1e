package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/report-pipeline/config"
	"github.com/feichai0017/report-pipeline/internal/agent/vision"
	"github.com/feichai0017/report-pipeline/internal/layout"
	"github.com/feichai0017/report-pipeline/internal/service/report"
	"github.com/feichai0017/report-pipeline/pkg/logger"
	"github.com/feichai0017/report-pipeline/pkg/queue"
	"github.com/feichai0017/report-pipeline/pkg/storage"
	"github.com/feichai0017/report-pipeline/pkg/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("REPORT_CONFIG"))
	if err != nil {
		panic(err)
	}

	// 初始化日志
	log, err := logger.NewLogger(
		logger.WithLevel(cfg.Logging.Level),
		logger.WithEncoding(cfg.Logging.Encoding),
		logger.WithOutputPaths([]string{"stdout", "logs/worker.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analyzer, err := vision.NewAnalyzer(ctx, config.GetVisionConfig(), cfg.Dispatch.CallTimeout, log)
	if err != nil {
		log.Error("Failed to create analyzer", logger.Error(err))
		os.Exit(1)
	}
	defer analyzer.Close()

	store, err := storage.NewStorage(ctx, storage.StorageType(cfg.Storage.Type), log)
	if err != nil {
		log.Error("Failed to create storage", logger.Error(err))
		os.Exit(1)
	}

	// 创建报告服务
	reports := report.NewService(layout.New(cfg.DataDir), analyzer, store, report.Config{
		CacheTTL:         cfg.Cache.TTL,
		MaxSummaryImages: report.DefaultConfig().MaxSummaryImages,
		Workers:          report.DefaultConfig().Workers,
	}, log)

	rc := config.GetRedisConfig()
	queueCfg := queue.Config{
		RedisAddr:      rc.Addr,
		RedisPassword:  rc.Password,
		RedisDB:        rc.DB,
		MaxRetries:     cfg.Queue.MaxRetries,
		ProcessTimeout: cfg.Queue.ProcessTimeout,
	}
	statuses := queue.NewAsynqQueue(queueCfg)
	defer statuses.Close()
	if err := statuses.Ping(ctx); err != nil {
		log.Error("Redis is unreachable", logger.Error(err))
		os.Exit(1)
	}

	// 创建 worker
	aggregationWorker := worker.NewAggregationWorker(&worker.Config{
		Queue:       queueCfg,
		Concurrency: cfg.Queue.Concurrency,
		RetryDelay:  cfg.Queue.RetryDelay,
		Queues:      queue.Queues,
	}, reports, statuses, log)

	// 启动 worker
	if err := aggregationWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	aggregationWorker.Stop()
	log.Info("Worker stopped")
}
