// Package tracker 维护 CrawlTask 状态机：running -> completed | failed。
//
// 只有 Tracker 会修改任务记录；流水线只把计数交给它。
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/metrics"
)

var (
	// ErrTaskNotRunning 任务已处于终态。
	ErrTaskNotRunning = errors.New("task is not running")
	// ErrInvalidStatus 关闭任务时传入了非终态。
	ErrInvalidStatus = errors.New("invalid terminal status")
)

// TaskStore 任务持久化接口。
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.CrawlTask) error
	GetTask(ctx context.Context, id uint) (*model.CrawlTask, error)
	SaveTask(ctx context.Context, t *model.CrawlTask) error
	UpdateRunningCounters(ctx context.Context, id uint, products, reviews int) (bool, error)
	DeleteTasksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Handle 指向一条运行中的任务。
type Handle struct {
	ID       uint
	TaskName string
	Platform string
	Category string
	Start    time.Time
}

// Tracker 任务状态机。
type Tracker struct {
	store  TaskStore
	logger *slog.Logger
	now    func() time.Time
}

// New 创建 Tracker。
func New(store TaskStore, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger, now: time.Now}
}

// WithClock 替换时钟（测试用）。
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Open 插入一条 running 任务，start_time 为当前时间。
func (t *Tracker) Open(ctx context.Context, taskName, platform, category string) (*Handle, error) {
	start := t.now()
	task := &model.CrawlTask{
		TaskName:  taskName,
		Platform:  platform,
		Category:  category,
		Status:    model.TaskRunning,
		StartTime: start,
	}
	if err := t.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("open task %s: %w", taskName, err)
	}
	t.logger.Info("task opened",
		slog.Uint64("task_id", uint64(task.ID)),
		slog.String("task", taskName),
		slog.String("platform", platform),
		slog.String("category", category))
	return &Handle{ID: task.ID, TaskName: taskName, Platform: platform, Category: category, Start: start}, nil
}

// Close 把任务置为终态并写入计数、结束时间与耗时。
//
// 参数:
//
//	status: completed 或 failed
//	errorMessage: 非空时追加到 error_messages，errors_count 随之更新
//
// 返回值:
//
//	error: 状态非法、任务已终结或存储失败
func (t *Tracker) Close(ctx context.Context, h *Handle, status string, products, reviews int, errorMessage string) error {
	if !model.IsTerminalStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	task, err := t.store.GetTask(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("close task %d: %w", h.ID, err)
	}
	if task.Status != model.TaskRunning {
		return fmt.Errorf("close task %d (%s): %w", h.ID, task.Status, ErrTaskNotRunning)
	}

	end := t.now()
	duration := int(end.Sub(task.StartTime) / time.Second)
	task.Status = status
	task.ProductsFound = products
	task.ReviewsFound = reviews
	task.EndTime = &end
	task.DurationSeconds = &duration
	if errorMessage != "" {
		task.ErrorMessages = append(task.ErrorMessages, errorMessage)
	}
	task.ErrorsCount = len(task.ErrorMessages)

	if err := t.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("close task %d: %w", h.ID, err)
	}

	metrics.CrawlJobsTotal.WithLabelValues(h.TaskName, status).Inc()
	metrics.CrawlJobDuration.WithLabelValues(h.TaskName).Observe(end.Sub(task.StartTime).Seconds())

	attrs := []any{
		slog.Uint64("task_id", uint64(h.ID)),
		slog.String("task", h.TaskName),
		slog.String("status", status),
		slog.Int("products", products),
		slog.Int("reviews", reviews),
		slog.Int("duration_seconds", duration),
	}
	if errorMessage != "" {
		t.logger.Warn("task closed", append(attrs, slog.String("error", errorMessage))...)
	} else {
		t.logger.Info("task closed", attrs...)
	}
	return nil
}

// Checkpoint 在任务运行期间刷新计数，任务已终结时返回 ErrTaskNotRunning。
func (t *Tracker) Checkpoint(ctx context.Context, h *Handle, products, reviews int) error {
	ok, err := t.store.UpdateRunningCounters(ctx, h.ID, products, reviews)
	if err != nil {
		return fmt.Errorf("checkpoint task %d: %w", h.ID, err)
	}
	if !ok {
		return fmt.Errorf("checkpoint task %d: %w", h.ID, ErrTaskNotRunning)
	}
	return nil
}

// PurgeOlderThan 删除 created_at 早于 cutoff 的任务，返回删除数量。
func (t *Tracker) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := t.store.DeleteTasksBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	metrics.TasksPurgedTotal.Add(float64(n))
	return n, nil
}
