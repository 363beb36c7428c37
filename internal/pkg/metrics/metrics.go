// Package metrics 定义 Prometheus 指标。
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CrawlJobsTotal 抓取任务结果计数（按任务名与最终状态）。
	CrawlJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spidermall_crawl_jobs_total",
		Help: "Crawl jobs finished, by task name and status.",
	}, []string{"task", "status"})

	// CrawlJobDuration 单次任务耗时。
	CrawlJobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spidermall_crawl_job_duration_seconds",
		Help:    "Duration of crawl job attempts.",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2400, 3600},
	}, []string{"task"})

	// CrawlRetriesTotal 整任务重试次数。
	CrawlRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spidermall_crawl_retries_total",
		Help: "Whole-job retry attempts.",
	}, []string{"task"})

	// ActiveJobs 当前运行中的任务数（应始终 <= 1）。
	ActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "spidermall_active_jobs",
		Help: "Crawl jobs currently running.",
	})

	// PagesFetchedTotal 抓取的页数（listing / review）。
	PagesFetchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spidermall_pages_fetched_total",
		Help: "Pages fetched from extractors.",
	}, []string{"platform", "kind"})

	// RecordsTotal 记录处理结果（persisted / rejected / failed / duplicate）。
	RecordsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spidermall_records_total",
		Help: "Product and review records by outcome.",
	}, []string{"platform", "entity", "outcome"})

	// PriceChangesTotal 价格变化（写入 price_history 的行数）。
	PriceChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spidermall_price_changes_total",
		Help: "Price history rows appended.",
	}, []string{"platform"})

	// ExtractorErrorsTotal Extractor 调用错误。
	ExtractorErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spidermall_extractor_errors_total",
		Help: "Extractor call failures by platform and operation.",
	}, []string{"platform", "op"})

	// RateLimitWaitDuration 速率限制等待时间。
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "spidermall_ratelimit_wait_seconds",
		Help:    "Time spent waiting for the shared request budget.",
		Buckets: prometheus.DefBuckets,
	})

	// RateLimitTimeoutTotal 速率限制等待超时次数。
	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spidermall_ratelimit_timeout_total",
		Help: "Rate limit waits abandoned because the context ended.",
	})

	// TasksPurgedTotal 维护任务清理的 crawl_tasks 行数。
	TasksPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "spidermall_tasks_purged_total",
		Help: "Crawl task rows deleted by maintenance.",
	})

	// SchedulerTriggersTotal 触发器触发次数。
	SchedulerTriggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "spidermall_scheduler_triggers_total",
		Help: "Scheduler trigger firings by trigger kind and result.",
	}, []string{"kind", "result"})
)

var registerOnce sync.Once

// InitMetrics 注册所有指标到默认 Registry，可重复调用。
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CrawlJobsTotal,
			CrawlJobDuration,
			CrawlRetriesTotal,
			ActiveJobs,
			PagesFetchedTotal,
			RecordsTotal,
			PriceChangesTotal,
			ExtractorErrorsTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			TasksPurgedTotal,
			SchedulerTriggersTotal,
		)
	})
}
