package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lengmodkx/spider-mall/internal/config"
	"github.com/lengmodkx/spider-mall/internal/extractor"
	"github.com/lengmodkx/spider-mall/internal/pipeline"
	"github.com/lengmodkx/spider-mall/internal/pkg/dedup"
	"github.com/lengmodkx/spider-mall/internal/pkg/logger"
	"github.com/lengmodkx/spider-mall/internal/pkg/notify"
	"github.com/lengmodkx/spider-mall/internal/scheduler"
	"github.com/lengmodkx/spider-mall/internal/store"
	"github.com/lengmodkx/spider-mall/internal/tracker"
	"github.com/lengmodkx/spider-mall/internal/validator"
)

// app 进程内共享的依赖。
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	rdb        *redis.Client
	extractors *extractor.Registry
	pipeline   *pipeline.Pipeline
	scheduler  *scheduler.Scheduler
}

// loadConfig 读取配置并创建日志记录器。
func loadConfig(flags *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.App.LogLevel
	if flags.verbose {
		level = "debug"
	}
	return cfg, logger.New(os.Stderr, level, cfg.App.LogFormat), nil
}

// openStore 打开数据库并确认连通。
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return st, nil
}

// openRedis Addr 为空时返回 nil；连接失败时降级为无 Redis 运行。
func openRedis(ctx context.Context, cfg config.RedisConfig, log *slog.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable, using local rate limiter",
			slog.String("addr", cfg.Addr),
			slog.String("error", err.Error()))
		_ = rdb.Close()
		return nil
	}
	return rdb
}

// newApp 组装抓取所需的全部组件。
func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, log, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rdb := openRedis(ctx, cfg.Redis, log)

	registry := extractor.Build(cfg, rdb, log)
	pipe := pipeline.New(registry, validator.New(), st, log, pipeline.OptionsFromConfig(cfg))
	if rdb != nil {
		pipe.WithSeenCache(dedup.NewSeenCache(rdb, "review", cfg.Spider.SeenCacheTTL))
	}

	schedOpts, err := scheduler.OptionsFromConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	var notifier notify.Notifier = notify.Nop{}
	if email := notify.NewEmailNotifier(&cfg.Email, log); email.Enabled() {
		notifier = email
	}
	sched := scheduler.New(pipe, tracker.New(st, log), st, notifier, log, schedOpts)

	return &app{
		cfg:        cfg,
		logger:     log,
		store:      st,
		rdb:        rdb,
		extractors: registry,
		pipeline:   pipe,
		scheduler:  sched,
	}, nil
}

// Close 释放浏览器、Redis 与数据库连接。
func (a *app) Close() error {
	var errs []error
	if a.extractors != nil {
		errs = append(errs, a.extractors.Close())
	}
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
