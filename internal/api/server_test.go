package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/pkg/metrics"
	"github.com/lengmodkx/spider-mall/internal/scheduler"
	"github.com/lengmodkx/spider-mall/internal/store"
)

type mockStore struct {
	pingFunc        func(ctx context.Context) error
	countsFunc      func(ctx context.Context) (store.Stats, error)
	recentTasksFunc func(ctx context.Context, limit int) ([]model.CrawlTask, error)
}

func (m *mockStore) Ping(ctx context.Context) error {
	if m.pingFunc == nil {
		return nil
	}
	return m.pingFunc(ctx)
}

func (m *mockStore) Counts(ctx context.Context) (store.Stats, error) {
	return m.countsFunc(ctx)
}

func (m *mockStore) RecentTasks(ctx context.Context, limit int) ([]model.CrawlTask, error) {
	return m.recentTasksFunc(ctx, limit)
}

type mockScheduler struct {
	state         scheduler.State
	runManualFunc func(ctx context.Context, platform, category string, pageLimit int) scheduler.ManualResult
	manualCalls   int
}

func (m *mockScheduler) State() scheduler.State { return m.state }

func (m *mockScheduler) RunManual(ctx context.Context, platform, category string, pageLimit int) scheduler.ManualResult {
	m.manualCalls++
	return m.runManualFunc(ctx, platform, category, pageLimit)
}

func newTestServer(st Store, sched Scheduler, rdb *redis.Client) *Server {
	gin.SetMode(gin.TestMode)
	metrics.InitMetrics()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(":0", st, sched, rdb, logger)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	st := &mockStore{}
	s := newTestServer(st, &mockScheduler{}, rdb)
	if w := do(t, s, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz = %d, body=%s", w.Code, w.Body.String())
	}

	mr.Close()
	w := do(t, s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "redis") {
		t.Errorf("healthz without redis = %d, body=%s", w.Code, w.Body.String())
	}

	st.pingFunc = func(context.Context) error { return errors.New("db down") }
	w = do(t, s, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "database") {
		t.Errorf("healthz without db = %d, body=%s", w.Code, w.Body.String())
	}
}

func TestStatus(t *testing.T) {
	st := &mockStore{countsFunc: func(context.Context) (store.Stats, error) {
		return store.Stats{Products: 12, Reviews: 30, Tasks: 2, RunningTasks: 1}, nil
	}}
	sched := &mockScheduler{state: scheduler.State{Running: true, JobActive: true}}
	s := newTestServer(st, sched, nil)

	w := do(t, s, http.MethodGet, "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Counts    store.Stats     `json:"counts"`
		Scheduler scheduler.State `json:"scheduler"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Counts.Products != 12 || resp.Counts.RunningTasks != 1 || !resp.Scheduler.Running || !resp.Scheduler.JobActive {
		t.Errorf("resp = %+v", resp)
	}

	st.countsFunc = func(context.Context) (store.Stats, error) { return store.Stats{}, errors.New("boom") }
	if w := do(t, s, http.MethodGet, "/api/status", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("status on error = %d", w.Code)
	}
}

func TestListTasks(t *testing.T) {
	var gotLimit int
	st := &mockStore{recentTasksFunc: func(_ context.Context, limit int) ([]model.CrawlTask, error) {
		gotLimit = limit
		return []model.CrawlTask{{ID: 2, TaskName: "daily_crawl", Status: model.TaskCompleted}}, nil
	}}
	s := newTestServer(st, &mockScheduler{}, nil)

	w := do(t, s, http.MethodGet, "/api/tasks", nil)
	if w.Code != http.StatusOK || gotLimit != defaultTaskLimit {
		t.Fatalf("code=%d limit=%d", w.Code, gotLimit)
	}
	if !strings.Contains(w.Body.String(), "daily_crawl") {
		t.Errorf("body = %s", w.Body.String())
	}

	do(t, s, http.MethodGet, "/api/tasks?limit=5000", nil)
	if gotLimit != maxTaskLimit {
		t.Errorf("limit = %d, want %d", gotLimit, maxTaskLimit)
	}
	if w := do(t, s, http.MethodGet, "/api/tasks?limit=abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d", w.Code)
	}
}

func TestCrawl(t *testing.T) {
	sched := &mockScheduler{runManualFunc: func(_ context.Context, platform, category string, pageLimit int) scheduler.ManualResult {
		if category == "fail" {
			return scheduler.ManualResult{Status: scheduler.StatusFailed, Error: "extraction failure"}
		}
		return scheduler.ManualResult{Status: scheduler.StatusSuccess, Products: pageLimit * 10}
	}}
	s := newTestServer(&mockStore{}, sched, nil)

	w := do(t, s, http.MethodPost, "/api/crawl", gin.H{"platform": "jd", "category": "手机", "pages": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("crawl = %d, body=%s", w.Code, w.Body.String())
	}
	var res scheduler.ManualResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Status != scheduler.StatusSuccess || res.Products != 20 {
		t.Errorf("result = %+v", res)
	}

	w = do(t, s, http.MethodPost, "/api/crawl", gin.H{"platform": "taobao", "category": "fail"})
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "extraction failure") {
		t.Errorf("failed crawl = %d, body=%s", w.Code, w.Body.String())
	}

	calls := sched.manualCalls
	for _, body := range []gin.H{{"platform": "amazon"}, {}, {"platform": "jd", "pages": -1}} {
		if w := do(t, s, http.MethodPost, "/api/crawl", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %v = %d", body, w.Code)
		}
	}
	if sched.manualCalls != calls {
		t.Error("invalid requests must not reach the scheduler")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&mockStore{}, &mockScheduler{}, nil)
	metrics.SchedulerTriggersTotal.WithLabelValues("daily", "enqueued").Inc()
	w := do(t, s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "spidermall_scheduler_triggers_total") {
		t.Errorf("metrics = %d", w.Code)
	}
}
