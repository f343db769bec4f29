package batch

import (
	"context"
	"time"

	"github.com/wyfcoding/recsys/abtest"
	"github.com/wyfcoding/recsys/config"
	"github.com/wyfcoding/recsys/logging"
	"github.com/wyfcoding/recsys/metrics"
	"github.com/wyfcoding/recsys/store"
	"github.com/wyfcoding/recsys/xerrors"
)

const jobCleanup = "cleanup"

// Cleaner 数据保留任务：过期推荐、历史交互事件与结束实验的分流记录。
type Cleaner struct {
	interactions    store.InteractionStore
	recommendations store.RecommendationStore
	experiments     *abtest.Manager
	cfg             config.BatchConfig
	logger          *logging.Logger
	metrics         *metrics.Metrics
}

// NewCleaner 创建清理任务。
func NewCleaner(interactions store.InteractionStore, recommendations store.RecommendationStore, experiments *abtest.Manager, cfg config.BatchConfig, logger *logging.Logger, m *metrics.Metrics) *Cleaner {
	return &Cleaner{
		interactions:    interactions,
		recommendations: recommendations,
		experiments:     experiments,
		cfg:             cfg,
		logger:          logger,
		metrics:         m,
	}
}

// Run 执行一轮清理。各子步骤独立：单步失败记录后继续下一步。
func (c *Cleaner) Run(ctx context.Context) error {
	start := time.Now()
	var firstErr error

	status := "success"
	defer func() {
		if c.metrics != nil {
			c.metrics.BatchRunsTotal.WithLabelValues(jobCleanup, status).Inc()
			c.metrics.BatchDuration.WithLabelValues(jobCleanup).Observe(time.Since(start).Seconds())
		}
	}()

	now := time.Now()
	if n, err := c.recommendations.DeleteExpired(ctx, now); err != nil {
		c.logger.ErrorContext(ctx, "cleanup: delete expired recommendations failed", "error", err)
		firstErr = err
	} else if n > 0 {
		c.logger.InfoContext(ctx, "expired recommendations purged", "deleted", n)
	}

	retention := now.AddDate(0, 0, -c.cfg.RetentionDays)
	if n, err := c.interactions.PurgeInteractionsBefore(ctx, retention); err != nil {
		c.logger.ErrorContext(ctx, "cleanup: purge interactions failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else if n > 0 {
		c.logger.InfoContext(ctx, "old interaction events purged", "deleted", n, "before", retention)
	}

	if n, err := c.experiments.CleanupEndedExperiments(ctx, c.cfg.RetentionDays); err != nil {
		c.logger.ErrorContext(ctx, "cleanup: ended experiments failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	} else if n > 0 {
		c.logger.InfoContext(ctx, "ended experiment assignments purged", "deleted", n)
	}

	if firstErr != nil {
		status = "failed"
		return xerrors.WrapInternal(firstErr, "cleanup run")
	}
	return nil
}
