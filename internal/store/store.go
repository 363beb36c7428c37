// Package store 是抓取结果的持久化网关：商品 upsert（附带价格历史）、评论幂等写入、任务记录读写。
//
// 所有失败都包装为 apperr Persistence 错误返回，由调用方决定跳过还是上报。
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/lengmodkx/spider-mall/internal/config"
	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
)

// ErrNotFound 记录不存在。
var ErrNotFound = errors.New("record not found")

// Store 基于 gorm 的持久化网关。
type Store struct {
	db *gorm.DB

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

// Open 按配置的驱动打开数据库连接。
//
// 参数:
//
//	cfg: 数据库配置，Driver 为 mysql / postgres / sqlite
//
// 返回值:
//
//	*Store: 持久化网关
//	error: 驱动不支持或连接失败
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, apperr.Configuration("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, apperr.Persistence("store.open", fmt.Errorf("connect %s: %w", cfg.Driver, err))
	}
	if cfg.Driver == "sqlite" {
		// SQLite 单写者；内存库需要共享同一连接
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return New(db), nil
}

// New 使用已有的 gorm 连接创建网关。
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// DB 返回底层连接。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// AutoMigrate 创建或更新表结构。
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(model.AllModels()...); err != nil {
		return apperr.Persistence("store.auto_migrate", err)
	}
	return nil
}

// Ping 检查连接可用。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperr.Persistence("store.ping", err)
	}
	return apperr.Persistence("store.ping", sqlDB.PingContext(ctx))
}

// Close 关闭连接池。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Analyze 刷新数据库统计信息（维护任务调用）。
func (s *Store) Analyze(ctx context.Context) error {
	var stmt string
	switch s.db.Dialector.Name() {
	case "mysql":
		stmt = "ANALYZE TABLE products, price_history, reviews, crawl_tasks"
	default:
		stmt = "ANALYZE"
	}
	if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return apperr.Persistence("store.analyze", err)
	}
	return nil
}

// Stats 各表行数。
type Stats struct {
	Products     int64 `json:"products"`
	Reviews      int64 `json:"reviews"`
	PriceHistory int64 `json:"price_history"`
	Tasks        int64 `json:"tasks"`
	RunningTasks int64 `json:"running_tasks"`
}

// Counts 统计各表行数。
func (s *Store) Counts(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)
	steps := []struct {
		q   *gorm.DB
		dst *int64
	}{
		{db.Model(&model.Product{}), &st.Products},
		{db.Model(&model.Review{}), &st.Reviews},
		{db.Model(&model.PriceHistory{}), &st.PriceHistory},
		{db.Model(&model.CrawlTask{}), &st.Tasks},
		{db.Model(&model.CrawlTask{}).Where("status = ?", model.TaskRunning), &st.RunningTasks},
	}
	for _, step := range steps {
		if err := step.q.Count(step.dst).Error; err != nil {
			return Stats{}, apperr.Persistence("store.counts", err)
		}
	}
	return st, nil
}

// recordedAt 返回严格递增的时间戳，保证同一进程内价格历史按观测顺序排列。
func (s *Store) recordedAt() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}
