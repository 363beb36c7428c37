// Package pipeline 实现单个平台、单个类目的逐页抓取流程。
//
// 列表页 -> 校验 -> 入库，每个商品再按页抓取评论。单条记录的校验或入库失败只跳过该条；
// 列表页抓取失败向上返回，由调度层决定整任务重试。
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lengmodkx/spider-mall/internal/config"
	"github.com/lengmodkx/spider-mall/internal/extractor"
	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
	"github.com/lengmodkx/spider-mall/internal/pkg/metrics"
	"github.com/lengmodkx/spider-mall/internal/store"
)

const (
	defaultListingPages = 5
	defaultReviewPages  = 3
)

// Extractors 按平台取 Extractor。
type Extractors interface {
	Get(platform string) (extractor.Extractor, error)
}

// Validator 原始记录清洗。
type Validator interface {
	CleanProduct(raw model.RawProduct) (*model.Product, error)
	CleanReview(raw model.RawReview) (*model.Review, error)
}

// Gateway 去重持久化。
type Gateway interface {
	UpsertProduct(ctx context.Context, p *model.Product) (store.UpsertOutcome, error)
	InsertReviewIfAbsent(ctx context.Context, r *model.Review) (bool, error)
}

// SeenCache 近期已入库评论的缓存。
type SeenCache interface {
	MarkSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// Options 抓取上限与节奏。
type Options struct {
	MaxListingPages      int
	MaxReviewPages       int
	MaxReviewsPerProduct int // 0 表示不抓评论
	RequestDelay         time.Duration
	RequestJitter        time.Duration
}

// OptionsFromConfig 从全局配置提取抓取参数。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxListingPages:      cfg.Platform.MaxListingPages,
		MaxReviewPages:       cfg.Platform.MaxReviewPages,
		MaxReviewsPerProduct: cfg.Platform.MaxReviewsPerProduct,
		RequestDelay:         cfg.Spider.RequestDelay,
		RequestJitter:        cfg.Spider.RequestJitter,
	}
}

// Result 单次抓取的计数。
type Result struct {
	Products     int // 成功入库的商品
	Reviews      int // 成功入库或已存在的评论
	PriceChanges int
	Rejected     int // 校验未通过
	Failed       int // 入库失败
	ListingPages int
	ReviewPages  int
	ReviewErrors int // 评论页抓取失败（条目级）
}

// Pipeline 抓取流水线。
type Pipeline struct {
	extractors Extractors
	validator  Validator
	gateway    Gateway
	seen       SeenCache
	logger     *slog.Logger
	opts       Options

	newPacer func() *pacer
}

// New 创建流水线。
//
// 参数:
//
//	extractors: 平台 Extractor 来源
//	validator: 清洗器
//	gateway: 持久化网关
//	logger: 日志记录器
//	opts: 抓取上限与请求间隔
func New(extractors Extractors, validator Validator, gateway Gateway, logger *slog.Logger, opts Options) *Pipeline {
	if opts.MaxListingPages <= 0 {
		opts.MaxListingPages = defaultListingPages
	}
	if opts.MaxReviewPages <= 0 {
		opts.MaxReviewPages = defaultReviewPages
	}
	p := &Pipeline{
		extractors: extractors,
		validator:  validator,
		gateway:    gateway,
		logger:     logger,
		opts:       opts,
	}
	p.newPacer = func() *pacer { return newPacer(opts.RequestDelay, opts.RequestJitter) }
	return p
}

// WithSeenCache 启用评论去重缓存。
func (p *Pipeline) WithSeenCache(c SeenCache) *Pipeline {
	p.seen = c
	return p
}

// Crawl 抓取 platform 下 category 的前 maxPages 页（<=0 时使用配置值）。
//
// 返回值:
//
//	Result: 已完成部分的计数，出错时也有效
//	error: 列表页抓取失败（Extraction）、平台未注册或 ctx 结束
func (p *Pipeline) Crawl(ctx context.Context, platform, category string, maxPages int) (Result, error) {
	var res Result
	ext, err := p.extractors.Get(platform)
	if err != nil {
		return res, err
	}
	if maxPages <= 0 {
		maxPages = p.opts.MaxListingPages
	}
	log := p.logger.With(slog.String("platform", platform), slog.String("category", category))
	pace := p.newPacer()
	// 已取到的页面整页入库，取消只在翻页时生效
	writeCtx := context.WithoutCancel(ctx)

	for page := 1; page <= maxPages; page++ {
		if err := pace.Wait(ctx); err != nil {
			return res, fmt.Errorf("crawl %s stopped before page %d: %w", platform, page, err)
		}
		raws, err := ext.SearchProducts(ctx, category, page)
		if err != nil {
			if !apperr.IsKind(err, apperr.KindExtraction) {
				err = apperr.Extraction(platform+".search_products", err)
			}
			return res, err
		}
		res.ListingPages++
		metrics.PagesFetchedTotal.WithLabelValues(platform, "listing").Inc()
		if len(raws) == 0 {
			log.Info("no more products", slog.Int("page", page))
			break
		}

		for _, raw := range raws {
			prod, ok := p.handleProduct(writeCtx, log, platform, raw, &res)
			if !ok || p.opts.MaxReviewsPerProduct <= 0 {
				continue
			}
			if err := p.crawlReviews(ctx, log, ext, prod.ProductID, pace, &res); err != nil {
				return res, err
			}
		}
		log.Info("listing page done",
			slog.Int("page", page),
			slog.Int("raw", len(raws)),
			slog.Int("products", res.Products),
			slog.Int("reviews", res.Reviews))
	}
	return res, nil
}

func (p *Pipeline) handleProduct(ctx context.Context, log *slog.Logger, platform string, raw model.RawProduct, res *Result) (*model.Product, bool) {
	prod, err := p.validator.CleanProduct(raw)
	if err != nil {
		res.Rejected++
		metrics.RecordsTotal.WithLabelValues(platform, "product", "rejected").Inc()
		log.Warn("product rejected",
			slog.String("product_id", raw.String(model.FieldProductID)),
			slog.String("error", err.Error()))
		return nil, false
	}
	out, err := p.gateway.UpsertProduct(ctx, prod)
	if err != nil {
		res.Failed++
		metrics.RecordsTotal.WithLabelValues(platform, "product", "failed").Inc()
		log.Error("product persist failed",
			slog.String("product_id", prod.ProductID),
			slog.String("error", err.Error()))
		return nil, false
	}
	res.Products++
	metrics.RecordsTotal.WithLabelValues(platform, "product", "persisted").Inc()
	if out.PriceChanged {
		res.PriceChanges++
		metrics.PriceChangesTotal.WithLabelValues(platform).Inc()
	}
	return prod, true
}

// crawlReviews 抓取单个商品的评论。评论页抓取失败只结束该商品的评论翻页；
// 只有 ctx 结束才返回错误。
func (p *Pipeline) crawlReviews(ctx context.Context, log *slog.Logger, ext extractor.Extractor, productID string, pace *pacer, res *Result) error {
	platform := ext.Platform()
	collected := 0
	for page := 0; page < p.opts.MaxReviewPages; page++ {
		if collected >= p.opts.MaxReviewsPerProduct {
			return nil
		}
		if err := pace.Wait(ctx); err != nil {
			return fmt.Errorf("crawl %s stopped in reviews of %s: %w", platform, productID, err)
		}
		raws, err := ext.GetProductReviews(ctx, productID, page)
		if err != nil {
			res.ReviewErrors++
			log.Warn("review page failed",
				slog.String("product_id", productID),
				slog.Int("page", page),
				slog.String("error", err.Error()))
			return nil
		}
		res.ReviewPages++
		metrics.PagesFetchedTotal.WithLabelValues(platform, "review").Inc()
		if len(raws) == 0 {
			return nil
		}
		writeCtx := context.WithoutCancel(ctx)
		for _, raw := range raws {
			if collected >= p.opts.MaxReviewsPerProduct {
				return nil
			}
			if p.handleReview(writeCtx, log, platform, raw, res) {
				collected++
			}
		}
	}
	return nil
}

func (p *Pipeline) handleReview(ctx context.Context, log *slog.Logger, platform string, raw model.RawReview, res *Result) bool {
	rev, err := p.validator.CleanReview(raw)
	if err != nil {
		res.Rejected++
		metrics.RecordsTotal.WithLabelValues(platform, "review", "rejected").Inc()
		log.Debug("review rejected", slog.String("error", err.Error()))
		return false
	}

	if p.seen != nil {
		seen, err := p.seen.MarkSeen(ctx, rev.ReviewID)
		if err != nil {
			log.Warn("seen cache unavailable", slog.String("error", err.Error()))
		} else if seen {
			res.Reviews++
			metrics.RecordsTotal.WithLabelValues(platform, "review", "duplicate").Inc()
			return true
		}
	}

	inserted, err := p.gateway.InsertReviewIfAbsent(ctx, rev)
	if err != nil {
		res.Failed++
		metrics.RecordsTotal.WithLabelValues(platform, "review", "failed").Inc()
		if p.seen != nil {
			if ferr := p.seen.Forget(ctx, rev.ReviewID); ferr != nil {
				log.Warn("seen cache forget failed", slog.String("error", ferr.Error()))
			}
		}
		log.Error("review persist failed",
			slog.String("review_id", rev.ReviewID),
			slog.String("error", err.Error()))
		return false
	}
	res.Reviews++
	outcome := "persisted"
	if !inserted {
		outcome = "duplicate"
	}
	metrics.RecordsTotal.WithLabelValues(platform, "review", outcome).Inc()
	return true
}
