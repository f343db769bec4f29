// Package metrics 封装了基于 Prometheus 的指标采集注册表及预定义的推荐系统标准指标。
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 封装了内部独立的 Prometheus 注册中心与标准指标。
type Metrics struct {
	registry *prometheus.Registry

	// 预定义的标准指标，减少各业务模块的样板代码
	BatchRunsTotal         *prometheus.CounterVec   // 批处理运行总量 (维度: job, status)
	BatchDuration          *prometheus.HistogramVec // 批处理耗时分布 (维度: job)
	UsersProcessedTotal    *prometheus.CounterVec   // 已处理用户总量 (维度: job, outcome)
	RecommendationsWritten prometheus.Counter       // 已落库的推荐记录总量
	TrainDuration          *prometheus.HistogramVec // 模型训练耗时分布 (维度: engine)
	EngineAbstentionsTotal *prometheus.CounterVec   // 引擎因数据不足而弃权的次数 (维度: engine)
	AssignmentsTotal       *prometheus.CounterVec   // 实验分流总量 (维度: experiment, variant, source)
	BuildInfo              *prometheus.GaugeVec     // 构建信息

	registered map[string]struct{}
}

// NewMetrics 初始化并返回一个新的指标采集器。
// 它会自动注册 Go 运行时指标和进程指标。
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.BatchRunsTotal = m.NewCounterVec(prometheus.CounterOpts{
		Name: "recsys_batch_runs_total",
		Help: "Total number of batch job runs",
	}, []string{"job", "status"})

	m.BatchDuration = m.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recsys_batch_duration_seconds",
		Help:    "Batch job duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"job"})

	m.UsersProcessedTotal = m.NewCounterVec(prometheus.CounterOpts{
		Name: "recsys_users_processed_total",
		Help: "Users processed by the rebuild driver",
	}, []string{"job", "outcome"})

	m.RecommendationsWritten = m.NewCounter(prometheus.CounterOpts{
		Name: "recsys_recommendations_written_total",
		Help: "Recommendation records persisted",
	})

	m.TrainDuration = m.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recsys_train_duration_seconds",
		Help:    "Engine training duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"engine"})

	m.EngineAbstentionsTotal = m.NewCounterVec(prometheus.CounterOpts{
		Name: "recsys_engine_abstentions_total",
		Help: "Times an engine declined to score for lack of data",
	}, []string{"engine"})

	m.AssignmentsTotal = m.NewCounterVec(prometheus.CounterOpts{
		Name: "recsys_ab_assignments_total",
		Help: "Experiment variant assignments served",
	}, []string{"experiment", "variant", "source"})

	slog.Info("unified metrics registry initialized", "service", serviceName)
	return m
}

// NewCounter 创建并注册一个新的计数器指标。
func (m *Metrics) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	m.registry.MustRegister(c)
	return c
}

// NewGauge 创建并注册一个新的仪表盘指标。
func (m *Metrics) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	m.registry.MustRegister(g)
	return g
}

// NewCounterVec 创建并注册一个新的计数器指标。
func (m *Metrics) NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(opts, labelNames)
	m.registry.MustRegister(cv)
	return cv
}

// NewGaugeVec 创建并注册一个新的仪表盘指标。
func (m *Metrics) NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(opts, labelNames)
	m.registry.MustRegister(gv)
	return gv
}

// NewHistogramVec 创建并注册一个新的直方图指标。
func (m *Metrics) NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(opts, labelNames)
	m.registry.MustRegister(hv)
	return hv
}

// Handler 返回用于暴露指标的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExposeHttp 在指定端口启动一个独立的 HTTP 服务器用于暴露指标数据。
// 返回一个清理函数用于优雅关闭该服务器。
func (m *Metrics) ExposeHttp(port string) func() {
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: m.Handler(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown metrics server", "error", err)
		}
	}
}
