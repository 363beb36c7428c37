package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/lengmodkx/spider-mall/internal/config"
	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	s, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func f64(v float64) *float64 { return &v }

func product(price float64) *model.Product {
	return &model.Product{
		ProductID: "100012043978",
		Platform:  model.PlatformJD,
		Title:     "Apple iPhone 15",
		Price:     f64(price),
		Status:    model.ProductActive,
	}
}

func TestUpsertProduct_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	out, err := s.UpsertProduct(ctx, product(100))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !out.Created {
		t.Fatalf("expected first upsert to create")
	}
	out, err = s.UpsertProduct(ctx, product(100))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if out.Created || out.PriceChanged {
		t.Fatalf("unexpected outcome on unchanged re-crawl: %+v", out)
	}

	stats, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if stats.Products != 1 || stats.PriceHistory != 0 {
		t.Fatalf("stats = %+v, want 1 product and 0 history", stats)
	}
}

func TestUpsertProduct_PriceChangeAppendsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := product(100)
	first.OriginalPrice = f64(120)
	if _, err := s.UpsertProduct(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	out, err := s.UpsertProduct(ctx, product(90))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !out.PriceChanged {
		t.Fatalf("expected price change")
	}

	rows, err := s.PriceHistory(ctx, "100012043978", model.PlatformJD)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].Price != 90 {
		t.Fatalf("history = %+v, want one row with price 90", rows)
	}
	if rows[0].DiscountRate == nil || *rows[0].DiscountRate != 25 {
		t.Fatalf("history discount = %v, want 25", rows[0].DiscountRate)
	}

	got, err := s.GetProduct(ctx, "100012043978", model.PlatformJD)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.Price == nil || *got.Price != 90 {
		t.Fatalf("stored price = %v, want 90", got.Price)
	}
	// 原价沿用已有值，折扣率随新价格重新计算
	if got.OriginalPrice == nil || *got.OriginalPrice != 120 || got.DiscountRate == nil || *got.DiscountRate != 25 {
		t.Fatalf("stored original=%v discount=%v", got.OriginalPrice, got.DiscountRate)
	}
}

func TestUpsertProduct_SubCentDifferenceIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertProduct(ctx, product(99.99)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	out, err := s.UpsertProduct(ctx, product(99.990000001))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if out.PriceChanged {
		t.Fatalf("sub-cent difference should not count as a change")
	}
}

func TestUpsertProduct_RollsBackOnHistoryFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertProduct(ctx, product(100)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	err := s.DB().Callback().Create().Before("gorm:create").Register("test:fail_price_history", func(tx *gorm.DB) {
		if tx.Statement.Table == "price_history" {
			_ = tx.AddError(errors.New("disk full"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	out, err := s.UpsertProduct(ctx, product(90))
	if !apperr.IsKind(err, apperr.KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk full") || out.PriceChanged {
		t.Fatalf("err = %v, outcome = %+v", err, out)
	}

	got, err := s.GetProduct(ctx, "100012043978", model.PlatformJD)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.Price == nil || *got.Price != 100 {
		t.Fatalf("stored price = %v, want 100 after rollback", got.Price)
	}
	history, err := s.PriceHistory(ctx, "100012043978", model.PlatformJD)
	if err != nil || len(history) != 0 {
		t.Fatalf("history = %+v, %v", history, err)
	}
}

func TestUpsertProduct_MergeKeepsExistingFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := product(100)
	first.Brand = "Apple"
	first.ShopName = "Apple 京东自营旗舰店"
	first.SalesCount = 500
	first.Images = []string{"https://img10.360buyimg.com/a.jpg"}
	if _, err := s.UpsertProduct(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := &model.Product{
		ProductID: "100012043978",
		Platform:  model.PlatformJD,
		Title:     "Apple iPhone 15 128GB",
		Rating:    f64(4.8),
	}
	out, err := s.UpsertProduct(ctx, second)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if out.PriceChanged {
		t.Fatalf("absent price must not be treated as a change")
	}

	got, _ := s.GetProduct(ctx, "100012043978", model.PlatformJD)
	if got.Title != "Apple iPhone 15 128GB" || got.Brand != "Apple" || got.SalesCount != 500 {
		t.Fatalf("merge lost fields: %+v", got)
	}
	if got.Price == nil || *got.Price != 100 || got.Rating == nil || *got.Rating != 4.8 {
		t.Fatalf("price=%v rating=%v", got.Price, got.Rating)
	}
	if len(got.Images) != 1 {
		t.Fatalf("images = %v", got.Images)
	}
}

func TestUpsertProduct_SameIDDifferentPlatform(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jd := product(100)
	tb := product(100)
	tb.Platform = model.PlatformTaobao
	if _, err := s.UpsertProduct(ctx, jd); err != nil {
		t.Fatalf("jd: %v", err)
	}
	out, err := s.UpsertProduct(ctx, tb)
	if err != nil {
		t.Fatalf("taobao: %v", err)
	}
	if !out.Created {
		t.Fatalf("expected separate row per platform")
	}
}

func TestInsertReviewIfAbsent_Immutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &model.Review{ReviewID: "r-1", ProductID: "p-1", Platform: model.PlatformJD, Rating: 5, Content: "很好"}
	inserted, err := s.InsertReviewIfAbsent(ctx, r)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}

	again := &model.Review{ReviewID: "r-1", ProductID: "p-1", Platform: model.PlatformJD, Rating: 1, Content: "差"}
	inserted, err = s.InsertReviewIfAbsent(ctx, again)
	if err != nil {
		t.Fatalf("duplicate insert should not error: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate insert should be a no-op")
	}

	n, err := s.CountReviews(ctx, "p-1", model.PlatformJD)
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
	var stored model.Review
	if err := s.DB().Where("review_id = ?", "r-1").Take(&stored).Error; err != nil {
		t.Fatalf("load review: %v", err)
	}
	if stored.Rating != 5 || stored.Content != "很好" {
		t.Fatalf("stored review was modified: %+v", stored)
	}
}

func TestTasks_CRUDAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &model.CrawlTask{TaskName: "daily_crawl", Platform: model.PlatformAll, Status: model.TaskCompleted, StartTime: time.Now()}
	if err := s.CreateTask(ctx, old); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DB().Model(old).Update("created_at", time.Now().Add(-40*24*time.Hour)).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}
	fresh := &model.CrawlTask{TaskName: "manual_crawl", Platform: model.PlatformJD, Status: model.TaskRunning, StartTime: time.Now()}
	if err := s.CreateTask(ctx, fresh); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.UpdateRunningCounters(ctx, fresh.ID, 3, 7)
	if err != nil || !ok {
		t.Fatalf("update counters = %v, %v", ok, err)
	}
	if ok, _ := s.UpdateRunningCounters(ctx, old.ID, 1, 1); ok {
		t.Fatalf("counters must not change on terminal task")
	}

	n, err := s.DeleteTasksBefore(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
	if _, err := s.GetTask(ctx, old.ID); !errors.Is(err, ErrNotFound) || !apperr.IsKind(err, apperr.KindPersistence) {
		t.Fatalf("expected not found persistence error, got %v", err)
	}

	recent, err := s.RecentTasks(ctx, 10)
	if err != nil || len(recent) != 1 || recent[0].ProductsFound != 3 {
		t.Fatalf("recent = %+v, %v", recent, err)
	}
}

func TestUpdateRunningCounters_UnchangedValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &model.CrawlTask{TaskName: "manual_crawl", Platform: model.PlatformJD, Status: model.TaskRunning, StartTime: time.Now()}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		ok, err := s.UpdateRunningCounters(ctx, task.ID, 5, 9)
		if err != nil || !ok {
			t.Fatalf("update #%d = %v, %v", i+1, ok, err)
		}
	}

	task.Status = model.TaskCompleted
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}
	if ok, err := s.UpdateRunningCounters(ctx, task.ID, 5, 9); err != nil || ok {
		t.Fatalf("terminal task update = %v, %v", ok, err)
	}

	if _, err := s.UpdateRunningCounters(ctx, task.ID+100, 1, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing task err = %v, want ErrNotFound", err)
	}
}

func TestAnalyze(t *testing.T) {
	s := newTestStore(t)
	if err := s.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
}

func TestRecordedAtMonotonic(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	a := s.recordedAt()
	b := s.recordedAt()
	if !b.After(a) {
		t.Fatalf("recordedAt not increasing: %v then %v", a, b)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(config.DatabaseConfig{Driver: "oracle"}); !apperr.IsKind(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
