// Package queue 提供抓取任务的内存队列与固定 worker 池。
//
// 调度器以单个 worker 运行它，保证同一时刻只有一个抓取任务在执行，
// 运行期间触发的任务在队列中排队。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed 队列已关闭。
	ErrClosed = errors.New("queue is closed")
	// ErrFull 队列已满。
	ErrFull = errors.New("queue is full")
)

// Job 一个具名任务。
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// ErrorHandler 任务返回错误（或 panic）后的回调。
type ErrorHandler func(job Job, err error)

// Queue 内存任务队列。
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler

	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool

	active sync.Map // worker id -> job name
	stats  queueStats
}

type queueStats struct {
	TotalEnqueued  atomic.Int64
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalDropped   atomic.Int64
	TotalPanics    atomic.Int64
}

// Stats 队列统计快照。
type Stats struct {
	TotalEnqueued  int64    `json:"total_enqueued"`
	TotalProcessed int64    `json:"total_processed"`
	TotalSucceeded int64    `json:"total_succeeded"`
	TotalFailed    int64    `json:"total_failed"`
	TotalDropped   int64    `json:"total_dropped"` // 队列满被拒绝
	TotalPanics    int64    `json:"total_panics"`
	Pending        int      `json:"pending"`
	Running        []string `json:"running"`
}

// New 创建任务队列。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 等待中的任务上限（至少为 1）
func New(logger *slog.Logger, workers, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
}

// SetErrorHandler 设置错误回调，需在 Start 之前调用。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker。ctx 会传给每个任务；ctx 结束后 worker 不再领取新任务。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case job, ok := <-q.jobs:
			if !ok {
				q.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			q.execute(ctx, job, id)
		}
	}
}

func (q *Queue) execute(ctx context.Context, job Job, workerID int) {
	q.active.Store(workerID, job.Name)
	defer q.active.Delete(workerID)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				q.stats.TotalPanics.Add(1)
				err = fmt.Errorf("job %s panic: %v", job.Name, r)
				q.logger.Error("job panic recovered",
					slog.String("job", job.Name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		err = job.Run(ctx)
	}()

	q.stats.TotalProcessed.Add(1)
	if err == nil {
		q.stats.TotalSucceeded.Add(1)
		return
	}
	q.stats.TotalFailed.Add(1)
	q.logger.Warn("job failed",
		slog.String("job", job.Name),
		slog.String("error", err.Error()))
	if q.errorHandler != nil {
		q.errorHandler(job, err)
	}
}

// Enqueue 非阻塞入队。
func (q *Queue) Enqueue(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %q has no run func", job.Name)
	}
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.jobs <- job:
		q.stats.TotalEnqueued.Add(1)
		return nil
	default:
		q.stats.TotalDropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.String("job", job.Name),
			slog.Int("capacity", cap(q.jobs)))
		return ErrFull
	}
}

// Shutdown 拒绝新任务，等待已入队的任务执行完毕；ctx 到期时提前返回。
// 若 Start 的 ctx 已结束，未开始的任务不会再执行。
func (q *Queue) Shutdown(ctx context.Context) error {
	q.closeMu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

// Stats 返回统计快照。
func (q *Queue) Stats() Stats {
	s := Stats{
		TotalEnqueued:  q.stats.TotalEnqueued.Load(),
		TotalProcessed: q.stats.TotalProcessed.Load(),
		TotalSucceeded: q.stats.TotalSucceeded.Load(),
		TotalFailed:    q.stats.TotalFailed.Load(),
		TotalDropped:   q.stats.TotalDropped.Load(),
		TotalPanics:    q.stats.TotalPanics.Load(),
		Pending:        len(q.jobs),
	}
	q.active.Range(func(_, v any) bool {
		s.Running = append(s.Running, v.(string))
		return true
	})
	return s
}
