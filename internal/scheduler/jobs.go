package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/metrics"
	"github.com/lengmodkx/spider-mall/internal/pkg/notify"
	"github.com/lengmodkx/spider-mall/internal/tracker"
)

const maxRetriesPrefix = "max retries exceeded: "

// RunDaily 执行一次每日任务：按顺序抓取全部平台，失败时按配置整任务重试。
//
// 每次尝试都会新建一条 task_name=daily_crawl 的任务记录；重试耗尽后最后一条记录以
// "max retries exceeded: <err>" 结束，并发送告警。
func (s *Scheduler) RunDaily(ctx context.Context, category string) error {
	release := s.beginJob()
	defer release()

	if category == "" {
		category = s.opts.DefaultCategory
	}
	attempts := 1
	if s.opts.RetryOnFailure {
		attempts += s.opts.MaxRetryAttempts
	}

	var (
		lastErr    error
		lastTaskID uint
		tried      int
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := ctx.Err(); err != nil {
				break
			}
			retry := attempt - 1
			wait := time.Duration(retry-1) * s.opts.RetryBackoff
			metrics.CrawlRetriesTotal.WithLabelValues(DailyTaskName).Inc()
			s.logger.Warn("retrying daily job",
				slog.Int("retry", retry),
				slog.String("wait", wait.String()),
				slog.String("last_error", lastErr.Error()))
			if wait > 0 {
				if err := s.sleep(ctx, wait); err != nil {
					break
				}
			}
		}

		tried++
		final := attempt == attempts
		taskID, err := s.dailyAttempt(ctx, category, final && attempts > 1)
		if err == nil {
			return nil
		}
		lastErr = err
		lastTaskID = taskID
	}

	s.logger.Error("daily job failed",
		slog.Int("attempts", tried),
		slog.String("error", lastErr.Error()))
	failure := notify.JobFailure{
		TaskName:  DailyTaskName,
		Category:  category,
		Attempts:  tried,
		LastError: lastErr.Error(),
		TaskID:    lastTaskID,
		FailedAt:  s.now(),
	}
	if err := s.notifier.NotifyJobFailure(context.WithoutCancel(ctx), failure); err != nil {
		s.logger.Warn("send failure alert failed", slog.String("error", err.Error()))
	}
	if attempts > 1 {
		return fmt.Errorf("max retries exceeded: %w", lastErr)
	}
	return lastErr
}

// dailyAttempt 一次完整的全平台抓取，返回任务编号（任务未能创建时为 0）。
func (s *Scheduler) dailyAttempt(ctx context.Context, category string, exhausted bool) (uint, error) {
	h, err := s.tracker.Open(ctx, DailyTaskName, model.PlatformAll, category)
	if err != nil {
		return 0, err
	}

	var products, reviews int
	for _, platform := range s.opts.Platforms {
		res, err := s.crawler.Crawl(ctx, platform, category, 0)
		products += res.Products
		reviews += res.Reviews
		if err != nil {
			err = fmt.Errorf("%s: %w", platform, err)
			msg := err.Error()
			if exhausted {
				msg = maxRetriesPrefix + msg
			}
			s.closeTask(ctx, h, model.TaskFailed, products, reviews, msg)
			return h.ID, err
		}
		if err := s.tracker.Checkpoint(ctx, h, products, reviews); err != nil {
			s.logger.Warn("checkpoint failed",
				slog.Uint64("task_id", uint64(h.ID)),
				slog.String("error", err.Error()))
		}
	}
	if err := s.closeTask(ctx, h, model.TaskCompleted, products, reviews, ""); err != nil {
		return h.ID, err
	}
	return h.ID, nil
}

// closeTask 结束任务；使用不可取消的 ctx，保证任务进入终态。
func (s *Scheduler) closeTask(ctx context.Context, h *tracker.Handle, status string, products, reviews int, msg string) error {
	err := s.tracker.Close(context.WithoutCancel(ctx), h, status, products, reviews, msg)
	if err != nil {
		s.logger.Error("close task failed",
			slog.Uint64("task_id", uint64(h.ID)),
			slog.String("status", status),
			slog.String("error", err.Error()))
	}
	return err
}

// RunManual 同步执行一次单平台抓取，不重试。
//
// 参数:
//
//	platform: taobao 或 jd
//	category: 类目，空表示默认类目
//	pageLimit: 列表页数上限，<=0 使用配置值
//
// 返回值:
//
//	ManualResult: 失败信息写在 Error 中，不返回 error
func (s *Scheduler) RunManual(ctx context.Context, platform, category string, pageLimit int) ManualResult {
	if !model.IsKnownPlatform(platform) {
		return ManualResult{Status: StatusFailed, Error: fmt.Sprintf("%v: %q", ErrUnknownPlatform, platform)}
	}
	if category == "" {
		category = s.opts.DefaultCategory
	}

	release := s.beginJob()
	defer release()

	h, err := s.tracker.Open(ctx, ManualTaskName, platform, category)
	if err != nil {
		return ManualResult{Status: StatusFailed, Error: err.Error()}
	}
	res, crawlErr := s.crawler.Crawl(ctx, platform, category, pageLimit)
	out := ManualResult{Status: StatusSuccess, Products: res.Products, Reviews: res.Reviews}
	if crawlErr != nil {
		out.Status = StatusFailed
		out.Error = crawlErr.Error()
		_ = s.closeTask(ctx, h, model.TaskFailed, res.Products, res.Reviews, crawlErr.Error())
		return out
	}
	if err := s.closeTask(ctx, h, model.TaskCompleted, res.Products, res.Reviews, ""); err != nil {
		out.Status = StatusFailed
		out.Error = err.Error()
	}
	return out
}

// RunMaintenance 立即执行一次维护；已有维护在运行时直接返回。
func (s *Scheduler) RunMaintenance(ctx context.Context) bool {
	if !s.maintaining.CompareAndSwap(false, true) {
		return false
	}
	defer s.maintaining.Store(false)
	s.runMaintenance(ctx)
	return true
}

// runMaintenance 清理过期任务并刷新统计信息；错误只记录日志。
func (s *Scheduler) runMaintenance(ctx context.Context) {
	start := time.Now()
	if s.opts.TaskRetention > 0 {
		cutoff := s.now().Add(-s.opts.TaskRetention)
		n, err := s.tracker.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("purge tasks failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("old tasks purged", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
		}
	}
	if s.opts.AnalyzeAfterMaintenance && s.analyzer != nil {
		if err := s.analyzer.Analyze(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("analyze failed", slog.String("error", err.Error()))
		}
	}
	s.logger.Info("maintenance done", slog.Duration("elapsed", time.Since(start)))
}
