package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
)

// CreateTask 插入任务记录，ID 由数据库分配。
func (s *Store) CreateTask(ctx context.Context, t *model.CrawlTask) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return apperr.Persistence("store.create_task", err)
	}
	return nil
}

// GetTask 按 ID 查询任务。
func (s *Store) GetTask(ctx context.Context, id uint) (*model.CrawlTask, error) {
	var t model.CrawlTask
	err := s.db.WithContext(ctx).First(&t, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Persistence("store.get_task", ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Persistence("store.get_task", err)
	}
	return &t, nil
}

// SaveTask 写回整条任务记录。
func (s *Store) SaveTask(ctx context.Context, t *model.CrawlTask) error {
	if err := s.db.WithContext(ctx).Save(t).Error; err != nil {
		return apperr.Persistence("store.save_task", err)
	}
	return nil
}

// UpdateRunningCounters 仅在任务仍为 running 时更新计数，返回是否命中。
// 命中与否按任务状态判断，不依赖驱动返回的影响行数（MySQL 默认只统计值有变化的行）。
// 任务不存在时返回 ErrNotFound。
func (s *Store) UpdateRunningCounters(ctx context.Context, id uint, products, reviews int) (bool, error) {
	hit := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.CrawlTask
		if err := tx.Select("id", "status").First(&t, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if t.Status != model.TaskRunning {
			return nil
		}
		hit = true
		return tx.Model(&model.CrawlTask{}).
			Where("id = ? AND status = ?", id, model.TaskRunning).
			Updates(map[string]any{"products_found": products, "reviews_found": reviews}).Error
	})
	if err != nil {
		return false, apperr.Persistence("store.update_counters", err)
	}
	return hit, nil
}

// DeleteTasksBefore 删除 created_at 早于 cutoff 的任务记录，返回删除行数。
func (s *Store) DeleteTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&model.CrawlTask{})
	if res.Error != nil {
		return 0, apperr.Persistence("store.delete_tasks", res.Error)
	}
	return res.RowsAffected, nil
}

// RecentTasks 返回最近的任务（按 ID 倒序）。
func (s *Store) RecentTasks(ctx context.Context, limit int) ([]model.CrawlTask, error) {
	if limit <= 0 {
		limit = 20
	}
	var tasks []model.CrawlTask
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&tasks).Error; err != nil {
		return nil, apperr.Persistence("store.recent_tasks", err)
	}
	return tasks, nil
}
