package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 管线各阶段的 Prometheus 指标。
//
// 指标对象在包加载时创建，随处可用；InitMetrics 负责注册到默认
// 注册表，并发安全且可重复调用（测试中多个用例共享进程）。
var (
	// 按来源与状态统计的抓取执行数
	IngestRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuwatch_ingest_runs_total",
		Help: "Ingestion runs by source and status.",
	}, []string{"source", "status"})

	// 成功落库的报价数
	OffersUpsertedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpuwatch_offers_upserted_total",
		Help: "Retailer offers successfully upserted.",
	})

	// 按来源统计的单条报价失败数
	OfferErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuwatch_offer_errors_total",
		Help: "Per-offer ingestion errors by source.",
	}, []string{"source"})

	// 判定为捡漏的评分数
	DealsDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpuwatch_deals_detected_total",
		Help: "Deal scores classified as a deal.",
	})

	// 入队的通知任务数
	AlertsEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpuwatch_alerts_enqueued_total",
		Help: "Alert send jobs enqueued after cooldown checks.",
	})

	// 按结果统计的邮件发送数
	AlertSendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuwatch_alert_sends_total",
		Help: "Alert email sends by result.",
	}, []string{"result"})

	// 按队列与结果统计的任务处理数
	JobsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuwatch_jobs_processed_total",
		Help: "Queue jobs processed by queue and result.",
	}, []string{"queue", "result"})

	// 按队列统计的重试数
	JobRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuwatch_job_retries_total",
		Help: "Queue job retries by queue.",
	}, []string{"queue"})

	// 按队列统计的死信数
	JobsDeadLetteredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gpuwatch_jobs_dead_lettered_total",
		Help: "Jobs moved to the dead letter list by queue.",
	}, []string{"queue"})

	// Janitor 救回的卡死任务数
	JobsRescuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpuwatch_jobs_rescued_total",
		Help: "Stuck jobs requeued by the janitor.",
	})

	// 各队列当前深度
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpuwatch_queue_depth",
		Help: "Pending jobs per queue.",
	}, []string{"queue"})

	// 超过过期阈值的报价数
	StaleOffersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gpuwatch_stale_offers",
		Help: "Offers not refreshed within the staleness window.",
	})

	// 限流等待时长
	RateLimitWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gpuwatch_ratelimit_wait_seconds",
		Help:    "Time spent waiting on source rate limiters.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// 压缩任务删除的原始点数
	HistoryPointsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gpuwatch_history_points_pruned_total",
		Help: "Raw price history rows deleted by the compactor.",
	})

	registerOnce sync.Once
)

// InitMetrics 注册所有指标到默认注册表。
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			IngestRunsTotal,
			OffersUpsertedTotal,
			OfferErrorsTotal,
			DealsDetectedTotal,
			AlertsEnqueuedTotal,
			AlertSendsTotal,
			JobsProcessedTotal,
			JobRetriesTotal,
			JobsDeadLetteredTotal,
			JobsRescuedTotal,
			QueueDepth,
			StaleOffersGauge,
			RateLimitWaitSeconds,
			HistoryPointsPruned,
		)
	})
}
