// recsysworker 是推荐核心的离线工作进程：周期性训练模型、重建推荐、
// 清理过期数据并预热缓存，同时暴露 Prometheus 指标端口。
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wyfcoding/recsys/abtest"
	"github.com/wyfcoding/recsys/batch"
	"github.com/wyfcoding/recsys/cache"
	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/database"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/metrics"
	"github.com/wyfcoding/recsys/recommend"
	"github.com/wyfcoding/recsys/redis"
	"github.com/wyfcoding/recsys/retry"
	"github.com/wyfcoding/recsys/scheduler"
	"github.com/wyfcoding/recsys/store"
)

const serviceName = "recsysworker"

func main() {
	var configPath string
	var fullRebuild bool
	flag.StringVar(&configPath, "config", "configs/config.toml", "path to config file")
	flag.BoolVar(&fullRebuild, "full-rebuild", false, "rebuild recommendations for every known user on start")
	flag.Parse()

	cfg := config.Default()
	if err := config.Load(configPath, cfg); err != nil {
		logging.NewFromConfig(logging.Config{Service: serviceName, Stdout: true}).
			Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger := logging.NewFromConfig(logging.Config{
		Service:    serviceName,
		Module:     "worker",
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
		Stdout:     cfg.Log.Stdout,
	})
	config.RegisterReloadHook(func(c *config.Config) {
		logger.SetLevel(c.Log.Level)
	})
	config.PrintWithMask(cfg)

	m := metrics.NewMetrics(serviceName)
	m.RegisterBuildInfo(serviceName, cfg.Version)
	if cfg.Metrics.Enabled {
		stopMetrics := m.ExposeHttp(cfg.Metrics.Port)
		defer stopMetrics()
	}

	db, err := database.NewDB(cfg.Data.Database, cfg.CircuitBreaker, logger, m)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	gormStore := store.NewGormStore(db.RawDB())
	if err := gormStore.AutoMigrate(); err != nil {
		logger.Error("auto migrate failed", "error", err)
		os.Exit(1)
	}

	redisClient, redisCleanup, err := redis.NewClient(&cfg.Data.Redis, logger, m)
	if err != nil {
		logger.Error("failed to connect redis", "error", err)
		os.Exit(1)
	}
	defer redisCleanup()

	baseCache := cache.NewRedisCache(redisClient, m).WithPrefix(cfg.Cache.Prefix)
	recCache := cache.NewRecommendationCache(baseCache, cfg.Cache, logger)

	experiments, err := abtest.NewManager(cfg.Experiments, gormStore, logger, m)
	if err != nil {
		logger.Error("invalid experiment catalog", "error", err)
		os.Exit(1)
	}

	collaborative := recommend.NewCollaborativeEngine(gormStore, cfg.Recommend, logger, m)
	content := recommend.NewContentEngine(gormStore, cfg.Recommend, logger, m)
	location := recommend.NewLocationEngine(gormStore, cfg.Recommend, logger)
	hybrid := recommend.NewHybridRecommender(collaborative, content, location, logger, m)
	coldStart := recommend.NewColdStartHandler(gormStore, recCache, cfg.Recommend, logger)
	modelStore := recommend.NewModelStore(recCache, logger)

	rebuilder := batch.NewRebuilder(batch.RebuilderDeps{
		Interactions:    gormStore,
		Recommendations: gormStore,
		Hybrid:          hybrid,
		Collaborative:   collaborative,
		Content:         content,
		ColdStart:       coldStart,
		Experiments:     experiments,
		ModelStore:      modelStore,
		RecCache:        recCache,
		Metrics:         m,
		Logger:          logger,
	}, cfg.Batch, cfg.Recommend)
	defer rebuilder.Close()

	cleaner := batch.NewCleaner(gormStore, gormStore, experiments, cfg.Batch, logger, m)
	warmer := batch.NewWarmer(gormStore, content, coldStart, recCache, cfg.Recommend, logger, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 进程冷启动时先尝试从缓存恢复模型，避免首轮重建前完全盲跑
	rebuilder.RestoreModels(ctx)

	sched := scheduler.NewSchedulerWithMetrics(logger, m)
	mustAddJob(logger, sched, scheduler.JobConfig{
		Name:        "rebuild",
		Interval:    cfg.Batch.Interval,
		Jitter:      time.Minute,
		Timeout:     cfg.Batch.TimeBudget + 5*time.Minute,
		RetryConfig: retry.DefaultConfig(),
		RunOnStart:  true,
	}, func(ctx context.Context) error {
		_, err := rebuilder.Run(ctx, fullRebuild)
		fullRebuild = false // 全量只跑首轮
		return err
	})
	mustAddJob(logger, sched, scheduler.JobConfig{
		Name:     "warmup",
		Interval: cfg.Batch.WarmupInterval,
		Timeout:  5 * time.Minute,
	}, warmer.Run)
	sched.Start(ctx)

	// 清理走日历式调度：每天凌晨 4 点
	cronRunner := cron.New()
	if _, err := cronRunner.AddFunc("0 4 * * *", func() {
		if err := cleaner.Run(ctx); err != nil {
			logger.Error("cleanup run failed", "error", err)
		}
	}); err != nil {
		logger.Error("failed to register cleanup cron", "error", err)
		os.Exit(1)
	}
	cronRunner.Start()

	logger.Info("recsys worker started",
		"rebuild_interval", cfg.Batch.Interval,
		"warmup_interval", cfg.Batch.WarmupInterval,
		"metrics_port", cfg.Metrics.Port)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cronCtx := cronRunner.Stop()
	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stop timed out", "error", err)
	}
	logger.Info("recsys worker stopped")
}

func mustAddJob(logger *logging.Logger, sched *scheduler.Scheduler, cfg scheduler.JobConfig, job scheduler.Job) {
	if err := sched.AddJob(cfg, job); err != nil {
		logger.Error("failed to register job", "job", cfg.Name, "error", err)
		os.Exit(1)
	}
}
