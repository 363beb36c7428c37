// Package extractor 定义各电商平台的数据抓取能力。
//
// Extractor 只负责把远端页面转换为松散类型的原始记录，清洗与入库由 pipeline 完成。
// 空切片表示没有更多数据，不是错误；所有失败都以 apperr 的 Extraction 类别返回。
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/lengmodkx/spider-mall/internal/config"
	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/ratelimit"
)

// ErrUnknownPlatform 平台未注册。
var ErrUnknownPlatform = errors.New("unknown platform")

// Extractor 单个平台的抓取能力。
type Extractor interface {
	Platform() string
	// SearchProducts 返回第 page 页（从 1 开始）的商品列表。
	SearchProducts(ctx context.Context, category string, page int) ([]model.RawProduct, error)
	// GetProductReviews 返回第 page 页（从 0 开始）的评论。
	GetProductReviews(ctx context.Context, productID string, page int) ([]model.RawReview, error)
	GetProductDetails(ctx context.Context, url string) (model.RawProductDetail, error)
}

// Limiter 出站请求的令牌来源。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Registry 按平台名索引 Extractor。
type Registry struct {
	byPlatform map[string]Extractor
	closers    []func() error
}

// NewRegistry 以给定 Extractor 创建注册表，同名平台后者覆盖前者。
func NewRegistry(exts ...Extractor) *Registry {
	r := &Registry{byPlatform: make(map[string]Extractor, len(exts))}
	for _, e := range exts {
		r.byPlatform[e.Platform()] = e
	}
	return r
}

// Get 返回平台对应的 Extractor。
func (r *Registry) Get(platform string) (Extractor, error) {
	e, ok := r.byPlatform[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	return e, nil
}

// Platforms 返回已注册平台，已知平台按固定顺序排在前面。
func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.byPlatform))
	seen := make(map[string]bool, len(r.byPlatform))
	for _, p := range model.Platforms() {
		if _, ok := r.byPlatform[p]; ok {
			out = append(out, p)
			seen[p] = true
		}
	}
	var rest []string
	for p := range r.byPlatform {
		if !seen[p] {
			rest = append(rest, p)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Close 释放注册表持有的资源（浏览器等）。
func (r *Registry) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build 按配置创建全部平台的 Extractor。
//
// 参数:
//
//	cfg: 全局配置
//	rdb: Redis 客户端；nil 时改用进程内限流
//	logger: 日志记录器
//
// 返回值:
//
//	*Registry: 包含 jd 与 taobao 的注册表，使用完毕后调用 Close
func Build(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) *Registry {
	limiterFor := func(platform string) Limiter {
		if rdb != nil {
			return ratelimit.New(rdb, logger, platform, cfg.Spider.RateLimit, cfg.Spider.RateBurst)
		}
		return ratelimit.NewLocal(cfg.Spider.RateLimit, cfg.Spider.RateBurst)
	}

	jd := NewJD(cfg.Platform, NewFetcher(model.PlatformJD, cfg.Spider, limiterFor(model.PlatformJD), logger), logger)

	browser := NewBrowserLoader(cfg.Browser, logger)
	tb := NewTaobao(cfg.Platform, NewFetcher(model.PlatformTaobao, cfg.Spider, limiterFor(model.PlatformTaobao), logger), browser, logger)

	r := NewRegistry(jd, tb)
	r.closers = append(r.closers, browser.Close)
	return r
}
