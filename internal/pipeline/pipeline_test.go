package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lengmodkx/spider-mall/internal/extractor"
	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
	"github.com/lengmodkx/spider-mall/internal/pkg/dedup"
	"github.com/lengmodkx/spider-mall/internal/store"
	"github.com/lengmodkx/spider-mall/internal/validator"
)

type mockExtractor struct {
	platform  string
	searchFn  func(ctx context.Context, category string, page int) ([]model.RawProduct, error)
	reviewsFn func(ctx context.Context, productID string, page int) ([]model.RawReview, error)

	mu          sync.Mutex
	searchPages []int
	reviewCalls map[string][]int
}

func (m *mockExtractor) Platform() string { return m.platform }

func (m *mockExtractor) SearchProducts(ctx context.Context, category string, page int) ([]model.RawProduct, error) {
	m.mu.Lock()
	m.searchPages = append(m.searchPages, page)
	m.mu.Unlock()
	return m.searchFn(ctx, category, page)
}

func (m *mockExtractor) GetProductReviews(ctx context.Context, productID string, page int) ([]model.RawReview, error) {
	m.mu.Lock()
	if m.reviewCalls == nil {
		m.reviewCalls = map[string][]int{}
	}
	m.reviewCalls[productID] = append(m.reviewCalls[productID], page)
	m.mu.Unlock()
	if m.reviewsFn == nil {
		return nil, nil
	}
	return m.reviewsFn(ctx, productID, page)
}

func (m *mockExtractor) GetProductDetails(ctx context.Context, url string) (model.RawProductDetail, error) {
	return nil, nil
}

type mockGateway struct {
	upsertFn func(ctx context.Context, p *model.Product) (store.UpsertOutcome, error)
	insertFn func(ctx context.Context, r *model.Review) (bool, error)

	mu       sync.Mutex
	products []*model.Product
	reviews  []*model.Review
}

func (g *mockGateway) UpsertProduct(ctx context.Context, p *model.Product) (store.UpsertOutcome, error) {
	if g.upsertFn != nil {
		if out, err := g.upsertFn(ctx, p); err != nil {
			return out, err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.products = append(g.products, p)
	return store.UpsertOutcome{Created: true}, nil
}

func (g *mockGateway) InsertReviewIfAbsent(ctx context.Context, r *model.Review) (bool, error) {
	if g.insertFn != nil {
		return g.insertFn(ctx, r)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reviews = append(g.reviews, r)
	return true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawProduct(i int) model.RawProduct {
	return model.RawProduct{
		model.FieldPlatform:  model.PlatformJD,
		model.FieldProductID: fmt.Sprintf("sku-%d", i),
		model.FieldTitle:     fmt.Sprintf("商品 %d", i),
		model.FieldPrice:     float64(100 + i),
	}
}

func rawReview(productID string, i int) model.RawReview {
	return model.RawReview{
		model.FieldPlatform:  model.PlatformJD,
		model.FieldProductID: productID,
		model.FieldReviewID:  fmt.Sprintf("%s-r%d", productID, i),
		model.FieldUserName:  "zhangsan",
		model.FieldRating:    5,
		model.FieldContent:   "电池不错",
	}
}

// noWait 记录 pacer 的等待时长而不真正休眠。
func noWait(p *Pipeline) *[]time.Duration {
	var waits []time.Duration
	var mu sync.Mutex
	p.newPacer = func() *pacer {
		pc := newPacer(p.opts.RequestDelay, p.opts.RequestJitter)
		pc.sleep = func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			waits = append(waits, d)
			mu.Unlock()
			return ctx.Err()
		}
		return pc
	}
	return &waits
}

func newTestPipeline(ext *mockExtractor, gw *mockGateway, opts Options) *Pipeline {
	return New(extractor.NewRegistry(ext), validator.New(), gw, testLogger(), opts)
}

func TestCrawl_ItemLevelIsolation(t *testing.T) {
	ext := &mockExtractor{
		platform: model.PlatformJD,
		searchFn: func(ctx context.Context, category string, page int) ([]model.RawProduct, error) {
			switch page {
			case 1:
				raws := make([]model.RawProduct, 0, 10)
				for i := 0; i < 10; i++ {
					raws = append(raws, rawProduct(i))
				}
				delete(raws[3], model.FieldTitle)
				return raws, nil
			case 2:
				return []model.RawProduct{rawProduct(10)}, nil
			default:
				return nil, nil
			}
		},
	}
	gw := &mockGateway{}
	p := newTestPipeline(ext, gw, Options{MaxListingPages: 5})
	noWait(p)

	res, err := p.Crawl(context.Background(), model.PlatformJD, "手机", 0)
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if res.Products != 10 || res.Rejected != 1 {
		t.Fatalf("result = %+v, want 10 products (9 + 1 on page 2) and 1 rejected", res)
	}
	if len(ext.searchPages) != 3 || ext.searchPages[1] != 2 {
		t.Fatalf("search pages = %v, want [1 2 3]", ext.searchPages)
	}
	// page 1 单独统计：9 条入库
	count := 0
	for _, prod := range gw.products {
		if prod.ProductID != "sku-10" {
			count++
		}
	}
	if count != 9 {
		t.Fatalf("persisted from page 1 = %d, want 9", count)
	}
}

func TestCrawl_PersistenceFailureSkipsItem(t *testing.T) {
	ext := &mockExtractor{
		platform: model.PlatformJD,
		searchFn: func(ctx context.Context, category string, page int) ([]model.RawProduct, error) {
			if page > 1 {
				return nil, nil
			}
			return []model.RawProduct{rawProduct(1), rawProduct(2), rawProduct(3)}, nil
		},
	}
	gw := &mockGateway{upsertFn: func(ctx context.Context, p *model.Product) (store.UpsertOutcome, error) {
		if p.ProductID == "sku-2" {
			return store.UpsertOutcome{}, apperr.Persistence("store.upsert_product", errors.New("deadlock"))
		}
		return store.UpsertOutcome{}, nil
	}}
	p := newTestPipeline(ext, gw, Options{})
	noWait(p)

	res, err := p.Crawl(context.Background(), model.PlatformJD, "手机", 0)
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if res.Products != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCrawl_ListingErrorPropagates(t *testing.T) {
	ext := &mockExtractor{
		platform: model.PlatformJD,
		searchFn: func(ctx context.Context, category string, page int) ([]model.RawProduct, error) {
			if page == 2 {
				return nil, errors.New("connection reset")
			}
			return []model.RawProduct{rawProduct(page)}, nil
		},
	}
	p := newTestPipeline(ext, &mockGateway{}, Options{})
	noWait(p)

	res, err := p.Crawl(context.Background(), model.PlatformJD, "手机", 5)
	if !apperr.IsKind(err, apperr.KindExtraction) {
		t.Fatalf("expected extraction failure, got %v", err)
	}
	if res.Products != 1 {
		t.Fatalf("partial result = %+v", res)
	}
}

func TestCrawl_UnknownPlatform(t *testing.T) {
	ext := &mockExtractor{platform: model.PlatformJD}
	p := newTestPipeline(ext, &mockGateway{}, Options{})
	if _, err := p.Crawl(context.Background(), model.PlatformTaobao, "手机", 1); !errors.Is(err, extractor.ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}
}

func TestCrawl_ReviewPagingAndCap(t *testing.T) {
	ext := &mockExtractor{
		platform: model.PlatformJD,
		searchFn: func(ctx context.Context, category string, page int) ([]model.RawProduct, error) {
			if page > 1 {
				return nil, nil
			}
			return []model.RawProduct{rawProduct(1), rawProduct(2)}, nil
		},
		reviewsFn: func(ctx context.Context, productID string, page int) ([]model.RawReview, error) {
			if productID == "sku-2" && page == 1 {
				return nil, errors.New("timeout")
			}
			out := make([]model.RawReview, 0, 10)
			for i := 0; i < 10; i++ {
				out = append(out, rawReview(productID, page*10+i))
			}
			return out, nil
		},
	}
	gw := &mockGateway{}
	p := newTestPipeline(ext, gw, Options{MaxReviewPages: 3, MaxReviewsPerProduct: 15})
	noWait(p)

	res, err := p.Crawl(context.Background(), model.PlatformJD, "手机", 1)
	if err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	// sku-1: 15 条后停止；sku-2: 第 2 页出错，保留第 1 页 10 条
	if res.Reviews != 25 || res.ReviewErrors != 1 {
		t.Fatalf("result = %+v", res)
	}
	if pages := ext.reviewCalls["sku-1"]; len(pages) != 2 || pages[0] != 0 {
		t.Fatalf("sku-1 review pages = %v, want [0 1]", pages)
	}
	if pages := ext.reviewCalls["sku-2"]; len(pages) != 2 {
		t.Fatalf("sku-2 review pages = %v", pages)
	}
}

func TestCrawl_NoReviewsWhenDisabled(t *testing.T) {
	ext := &mockExtractor{
		platform: model.PlatformJD,
		searchFn: func(ctx context.Context, category string, page int) ([]model.RawProduct, error) {
			if page > 1 {
				return nil, nil
			}
			return []model.RawProduct{rawProduct(1)}, nil
		},
	}
	p := newTestPipeline(ext, &mockGateway{}, Options{MaxReviewsPerProduct: 0})
	noWait(p)
	if _, err := p.Crawl(context.Background(), model.PlatformJD, "手机", 1); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(ext.reviewCalls) != 0 {
		t.Fatalf("reviews fetched while disabled: %v", ext.reviewCalls)
	}
}

func TestCrawl_PacerBetweenPages(t *testing.T) {
	ext := &mockExtractor{
		platform: model.PlatformJD,
		searchFn: func(ctx context.Context, category string, page int) ([]model.RawProduct, error) {
			return []model.RawProduct{rawProduct(page)}, nil
		},
	}
	p := newTestPipeline(ext, &mockGateway{}, Options{RequestDelay: time.Second, RequestJitter: time.Second})
	waits := noWait(p)

	if _, err := p.Crawl(context.Background(), model.PlatformJD, "手机", 3); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
	if len(*waits) != 2 {
		t.Fatalf("expected 2 waits for 3 pages, got %v", *waits)
	}
	for _, d := range *waits {
		if d < time.Second || d >= 2*time.Second {
			t.Fatalf("wait %v outside [1s, 2s)", d)
		}
	}
}

func TestCrawl_CancelledBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ext := &mockExtractor{
		platform: model.PlatformJD,
		searchFn: func(_ context.Context, category string, page int) ([]model.RawProduct, error) {
			if page == 1 {
				cancel()
			}
			return []model.RawProduct{rawProduct(page), rawProduct(page + 100)}, nil
		},
	}
	gw := &mockGateway{}
	p := newTestPipeline(ext, gw, Options{})
	noWait(p)

	res, err := p.Crawl(ctx, model.PlatformJD, "手机", 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// 正在处理的页面要处理完
	if res.Products != 2 || len(ext.searchPages) != 1 {
		t.Fatalf("result = %+v, pages = %v", res, ext.searchPages)
	}
}

func TestCrawl_CancelMidPageFinishesPage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ext := &mockExtractor{
		platform: model.PlatformJD,
		searchFn: func(_ context.Context, category string, page int) ([]model.RawProduct, error) {
			raws := make([]model.RawProduct, 0, 10)
			for i := 0; i < 10; i++ {
				raws = append(raws, rawProduct(page*100+i))
			}
			return raws, nil
		},
	}
	gw := &mockGateway{
		upsertFn: func(ctx context.Context, p *model.Product) (store.UpsertOutcome, error) {
			// 与真实数据库一致：ctx 结束后写入失败
			if err := ctx.Err(); err != nil {
				return store.UpsertOutcome{}, err
			}
			cancel()
			return store.UpsertOutcome{}, nil
		},
	}
	p := newTestPipeline(ext, gw, Options{})
	noWait(p)

	res, err := p.Crawl(ctx, model.PlatformJD, "手机", 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Products != 10 || res.Failed != 0 {
		t.Fatalf("result = %+v, want the whole first page persisted", res)
	}
	if len(gw.products) != 10 || len(ext.searchPages) != 1 {
		t.Fatalf("persisted = %d, pages = %v", len(gw.products), ext.searchPages)
	}
}

func TestCrawl_CancelMidReviewPageFinishesPage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ext := &mockExtractor{
		platform: model.PlatformJD,
		searchFn: func(_ context.Context, category string, page int) ([]model.RawProduct, error) {
			return []model.RawProduct{rawProduct(1)}, nil
		},
		reviewsFn: func(_ context.Context, productID string, page int) ([]model.RawReview, error) {
			return []model.RawReview{rawReview(productID, 1), rawReview(productID, 2), rawReview(productID, 3)}, nil
		},
	}
	var inserted int
	gw := &mockGateway{
		insertFn: func(ctx context.Context, r *model.Review) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			cancel()
			inserted++
			return true, nil
		},
	}
	p := newTestPipeline(ext, gw, Options{MaxReviewPages: 3, MaxReviewsPerProduct: 10})
	noWait(p)

	res, err := p.Crawl(ctx, model.PlatformJD, "手机", 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Reviews != 3 || res.Failed != 0 || inserted != 3 {
		t.Fatalf("result = %+v, inserted = %d, want the whole review page persisted", res, inserted)
	}
	if pages := ext.reviewCalls["sku-1"]; len(pages) != 1 {
		t.Fatalf("review pages = %v, want only page 0", pages)
	}
}

func TestCrawl_SeenCacheSkipsInsert(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ext := &mockExtractor{
		platform: model.PlatformJD,
		searchFn: func(ctx context.Context, category string, page int) ([]model.RawProduct, error) {
			if page > 1 {
				return nil, nil
			}
			return []model.RawProduct{rawProduct(1)}, nil
		},
		reviewsFn: func(ctx context.Context, productID string, page int) ([]model.RawReview, error) {
			if page > 0 {
				return nil, nil
			}
			return []model.RawReview{rawReview(productID, 1), rawReview(productID, 2)}, nil
		},
	}
	failFirst := true
	gw := &mockGateway{}
	gw.insertFn = func(ctx context.Context, r *model.Review) (bool, error) {
		if r.ReviewID == "sku-1-r2" && failFirst {
			failFirst = false
			return false, apperr.Persistence("store.insert_review", errors.New("lock wait timeout"))
		}
		gw.reviews = append(gw.reviews, r)
		return true, nil
	}
	p := newTestPipeline(ext, gw, Options{MaxReviewsPerProduct: 100}).
		WithSeenCache(dedup.NewSeenCache(rdb, "review", time.Hour))
	noWait(p)

	first, err := p.Crawl(context.Background(), model.PlatformJD, "手机", 1)
	if err != nil {
		t.Fatalf("first crawl: %v", err)
	}
	if first.Reviews != 1 || first.Failed != 1 {
		t.Fatalf("first result = %+v", first)
	}

	second, err := p.Crawl(context.Background(), model.PlatformJD, "手机", 1)
	if err != nil {
		t.Fatalf("second crawl: %v", err)
	}
	if second.Reviews != 2 {
		t.Fatalf("second result = %+v", second)
	}
	// r1 命中缓存不再写库；r2 上次写库失败已从缓存移除，本次重新写入
	if len(gw.reviews) != 2 {
		t.Fatalf("inserted reviews = %d, want 2", len(gw.reviews))
	}
}
