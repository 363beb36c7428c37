// Package scheduler 负责触发与串行执行抓取任务。
//
// 触发器（每日抓取、周期维护）由固定间隔的轮询循环检查；到期的抓取任务进入单 worker 队列，
// 手动任务与触发任务共用同一把任务锁，任意时刻至多一个抓取任务在运行。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lengmodkx/spider-mall/internal/config"
	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pipeline"
	"github.com/lengmodkx/spider-mall/internal/pkg/metrics"
	"github.com/lengmodkx/spider-mall/internal/pkg/notify"
	"github.com/lengmodkx/spider-mall/internal/pkg/queue"
	"github.com/lengmodkx/spider-mall/internal/tracker"
)

const (
	// DailyTaskName 每日任务在 crawl_tasks 中的 task_name。
	DailyTaskName = "daily_crawl"
	// ManualTaskName 手动任务的 task_name。
	ManualTaskName = "manual_crawl"

	kindDaily       = "daily"
	kindMaintenance = "maintenance"

	defaultPollInterval = time.Minute
	defaultRetryBackoff = 60 * time.Second
	queueCapacity       = 16
)

// 手动任务结果状态。
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ErrUnknownPlatform 手动任务指定了不支持的平台。
var ErrUnknownPlatform = errors.New("unknown platform")

// Crawler 执行单平台抓取。
type Crawler interface {
	Crawl(ctx context.Context, platform, category string, maxPages int) (pipeline.Result, error)
}

// Tracker 任务记录。
type Tracker interface {
	Open(ctx context.Context, taskName, platform, category string) (*tracker.Handle, error)
	Close(ctx context.Context, h *tracker.Handle, status string, products, reviews int, errorMessage string) error
	Checkpoint(ctx context.Context, h *tracker.Handle, products, reviews int) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Analyzer 刷新数据库统计信息。
type Analyzer interface {
	Analyze(ctx context.Context) error
}

// Options 调度参数。
type Options struct {
	Platforms               []string // 每日任务依次抓取的平台
	DefaultCategory         string
	Location                *time.Location
	PollInterval            time.Duration
	RetryOnFailure          bool
	MaxRetryAttempts        int
	RetryBackoff            time.Duration // 第 n 次重试前等待 RetryBackoff*(n-1)
	TaskRetention           time.Duration
	AnalyzeAfterMaintenance bool
}

// OptionsFromConfig 从全局配置构造调度参数。
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return Options{}, fmt.Errorf("load timezone %q: %w", cfg.Schedule.Timezone, err)
	}
	return Options{
		Platforms:               model.Platforms(),
		DefaultCategory:         cfg.Platform.DefaultCategory,
		Location:                loc,
		PollInterval:            cfg.Schedule.PollInterval,
		RetryOnFailure:          cfg.Schedule.RetryOnFailure,
		MaxRetryAttempts:        cfg.Schedule.MaxRetryAttempts,
		RetryBackoff:            cfg.Schedule.RetryBackoff,
		TaskRetention:           cfg.Schedule.TaskRetention,
		AnalyzeAfterMaintenance: cfg.Schedule.AnalyzeAfterMaintenance,
	}, nil
}

// TriggerID 触发器编号。
type TriggerID int

type trigger struct {
	id       TriggerID
	kind     string
	spec     string
	category string
	schedule cron.Schedule
	next     time.Time
}

// TriggerInfo 触发器快照。
type TriggerInfo struct {
	ID       TriggerID `json:"id"`
	Kind     string    `json:"kind"`
	Spec     string    `json:"spec"`
	Category string    `json:"category,omitempty"`
	Next     time.Time `json:"next"`
}

// State 调度器状态快照。
type State struct {
	Running   bool          `json:"running"`
	JobActive bool          `json:"job_active"`
	Triggers  []TriggerInfo `json:"triggers"`
	Queue     queue.Stats   `json:"queue"`
}

// ManualResult 手动任务结果。
type ManualResult struct {
	Status   string `json:"status"`
	Products int    `json:"products"`
	Reviews  int    `json:"reviews"`
	Error    string `json:"error,omitempty"`
}

// Scheduler 任务调度器。
type Scheduler struct {
	crawler  Crawler
	tracker  Tracker
	analyzer Analyzer
	notifier notify.Notifier
	logger   *slog.Logger
	opts     Options

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	triggers   []*trigger
	lastID     TriggerID
	running    bool
	queue      *queue.Queue
	stopLoop   context.CancelFunc
	cancelJobs context.CancelFunc
	loopDone   chan struct{}
	stopped    atomic.Bool

	jobMu       sync.Mutex
	jobActive   atomic.Bool
	maintaining atomic.Bool
	maintWG     sync.WaitGroup
}

// New 创建调度器。
//
// 参数:
//
//	crawler: 单平台抓取流水线
//	tr: 任务记录
//	analyzer: 维护时刷新统计信息，可为 nil
//	notifier: 重试耗尽时的告警，可为 nil
//	logger: 日志记录器
//	opts: 调度参数
func New(crawler Crawler, tr Tracker, analyzer Analyzer, notifier notify.Notifier, logger *slog.Logger, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.MaxRetryAttempts < 0 {
		opts.MaxRetryAttempts = 0
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if len(opts.Platforms) == 0 {
		opts.Platforms = model.Platforms()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Scheduler{
		crawler:  crawler,
		tracker:  tr,
		analyzer: analyzer,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// WithClock 替换时钟（测试用）。
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// ScheduleDaily 注册每日抓取触发器。
//
// 参数:
//
//	at: 本地时间 HH:MM（按 Options.Location 解释）
//	category: 抓取类目，空表示默认类目
//
// 返回值:
//
//	TriggerID: 触发器编号
//	error: 时间格式非法
func (s *Scheduler) ScheduleDaily(at, category string) (TriggerID, error) {
	hour, minute, err := config.ParseClock(at)
	if err != nil {
		return 0, fmt.Errorf("schedule daily at %q: %w", at, err)
	}
	if category == "" {
		category = s.opts.DefaultCategory
	}
	spec := fmt.Sprintf("CRON_TZ=%s %d %d * * *", s.opts.Location.String(), minute, hour)
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("schedule daily %q: %w", spec, err)
	}
	return s.addTrigger(kindDaily, spec, category, sched), nil
}

// ScheduleMaintenance 注册周期维护触发器。
func (s *Scheduler) ScheduleMaintenance(interval time.Duration) (TriggerID, error) {
	if interval < time.Second {
		return 0, fmt.Errorf("maintenance interval %s too short", interval)
	}
	return s.addTrigger(kindMaintenance, "@every "+interval.String(), "", cron.Every(interval)), nil
}

func (s *Scheduler) addTrigger(kind, spec, category string, sched cron.Schedule) TriggerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	t := &trigger{
		id:       s.lastID,
		kind:     kind,
		spec:     spec,
		category: category,
		schedule: sched,
		next:     sched.Next(s.now()),
	}
	s.triggers = append(s.triggers, t)
	s.logger.Info("trigger scheduled",
		slog.Int("trigger_id", int(t.id)),
		slog.String("kind", kind),
		slog.String("spec", spec),
		slog.Time("next", t.next))
	return t.id
}

// Start 启动轮询循环与任务 worker。ctx 结束等同于 Stop。
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}

	// Stop 之后再次 Start 沿用原有的任务队列，队列只在 Shutdown 时关闭
	if s.queue == nil {
		// 任务不随 Stop 中断，只有 Shutdown 超时才取消
		jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
		q := queue.New(s.logger, 1, queueCapacity)
		q.SetErrorHandler(func(job queue.Job, err error) {
			s.logger.Error("scheduled job failed",
				slog.String("job", job.Name),
				slog.String("error", err.Error()))
		})
		q.Start(jobCtx)
		s.queue = q
		s.cancelJobs = cancelJobs
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopLoop = stopLoop
	s.loopDone = done
	s.running = true
	s.stopped.Store(false)

	go s.loop(loopCtx, done)
	s.logger.Info("scheduler started",
		slog.String("poll_interval", s.opts.PollInterval.String()),
		slog.Int("triggers", len(s.triggers)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			s.logger.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			s.fireDue(s.now())
		}
	}
}

// fireDue 触发所有 next <= now 的触发器并推进它们的下一次时间。
func (s *Scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	var due []trigger
	for _, t := range s.triggers {
		if t.next.After(now) {
			continue
		}
		due = append(due, *t)
		t.next = t.schedule.Next(now)
	}
	q := s.queue
	s.mu.Unlock()

	for _, t := range due {
		switch t.kind {
		case kindDaily:
			s.fireDaily(q, t)
		case kindMaintenance:
			s.fireMaintenance()
		}
	}
}

func (s *Scheduler) fireDaily(q *queue.Queue, t trigger) {
	if q == nil {
		metrics.SchedulerTriggersTotal.WithLabelValues(kindDaily, "dropped").Inc()
		return
	}
	category := t.category
	err := q.Enqueue(queue.Job{
		Name: fmt.Sprintf("%s#%d", DailyTaskName, t.id),
		Run: func(ctx context.Context) error {
			if s.stopped.Load() {
				s.logger.Info("skip queued daily job after stop", slog.Int("trigger_id", int(t.id)))
				return nil
			}
			return s.RunDaily(ctx, category)
		},
	})
	if err != nil {
		metrics.SchedulerTriggersTotal.WithLabelValues(kindDaily, "dropped").Inc()
		s.logger.Error("enqueue daily job failed",
			slog.Int("trigger_id", int(t.id)),
			slog.String("error", err.Error()))
		return
	}
	metrics.SchedulerTriggersTotal.WithLabelValues(kindDaily, "enqueued").Inc()
}

func (s *Scheduler) fireMaintenance() {
	if !s.maintaining.CompareAndSwap(false, true) {
		metrics.SchedulerTriggersTotal.WithLabelValues(kindMaintenance, "skipped").Inc()
		s.logger.Warn("maintenance still running, skip")
		return
	}
	metrics.SchedulerTriggersTotal.WithLabelValues(kindMaintenance, "started").Inc()
	s.maintWG.Add(1)
	go func() {
		defer s.maintWG.Done()
		defer s.maintaining.Store(false)
		s.runMaintenance(context.Background())
	}()
}

// Stop 取消触发器轮询，已入队但未开始的任务不再执行；进行中的任务不受影响。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop := s.stopLoop
	done := s.loopDone
	s.mu.Unlock()
	if stop == nil {
		return
	}
	s.stopped.Store(true)
	stop()
	<-done
}

// Shutdown 停止调度并等待进行中的任务与维护结束；ctx 到期时取消任务并返回错误。
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()

	s.mu.Lock()
	q := s.queue
	cancelJobs := s.cancelJobs
	s.queue = nil
	s.stopLoop = nil
	s.cancelJobs = nil
	s.mu.Unlock()

	var errs []error
	if q != nil {
		if err := q.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	maintDone := make(chan struct{})
	go func() {
		s.maintWG.Wait()
		close(maintDone)
	}()
	select {
	case <-maintDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("maintenance shutdown: %w", ctx.Err()))
	}
	if cancelJobs != nil {
		cancelJobs()
	}
	return errors.Join(errs...)
}

// IsRunning 轮询循环是否在运行。
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// State 返回调度器状态快照。
func (s *Scheduler) State() State {
	s.mu.Lock()
	st := State{Running: s.running, JobActive: s.jobActive.Load()}
	for _, t := range s.triggers {
		st.Triggers = append(st.Triggers, TriggerInfo{
			ID:       t.id,
			Kind:     t.kind,
			Spec:     t.spec,
			Category: t.category,
			Next:     t.next,
		})
	}
	q := s.queue
	s.mu.Unlock()
	if q != nil {
		st.Queue = q.Stats()
	}
	sort.Slice(st.Triggers, func(i, j int) bool { return st.Triggers[i].Next.Before(st.Triggers[j].Next) })
	return st
}

// beginJob 获取任务锁，返回释放函数。
func (s *Scheduler) beginJob() func() {
	s.jobMu.Lock()
	s.jobActive.Store(true)
	metrics.ActiveJobs.Inc()
	return func() {
		metrics.ActiveJobs.Dec()
		s.jobActive.Store(false)
		s.jobMu.Unlock()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
