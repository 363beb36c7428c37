// Package api 提供运维用的 HTTP 接口：健康检查、运行状态、任务记录、手动抓取与 Prometheus 指标。
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lengmodkx/spider-mall/internal/api/middleware"
	"github.com/lengmodkx/spider-mall/internal/model"
	"github.com/lengmodkx/spider-mall/internal/scheduler"
	"github.com/lengmodkx/spider-mall/internal/store"
)

const (
	defaultTaskLimit = 20
	maxTaskLimit     = 200
	shutdownTimeout  = 10 * time.Second
)

// Store 接口所需的存储操作。
type Store interface {
	Ping(ctx context.Context) error
	Counts(ctx context.Context) (store.Stats, error)
	RecentTasks(ctx context.Context, limit int) ([]model.CrawlTask, error)
}

// Scheduler 接口所需的调度操作。
type Scheduler interface {
	State() scheduler.State
	RunManual(ctx context.Context, platform, category string, pageLimit int) scheduler.ManualResult
}

// Server HTTP 服务。
type Server struct {
	addr   string
	logger *slog.Logger
	store  Store
	sched  Scheduler
	rdb    *redis.Client
	router *gin.Engine
}

// NewServer 创建 HTTP 服务。
//
// 参数:
//
//	addr: 监听地址
//	st: 存储
//	sched: 调度器
//	rdb: Redis 客户端，nil 表示未启用
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 已注册路由的服务
func NewServer(addr string, st Store, sched Scheduler, rdb *redis.Client, logger *slog.Logger) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger, "/healthz", "/metrics"))

	s := &Server{
		addr:   addr,
		logger: logger,
		store:  st,
		sched:  sched,
		rdb:    rdb,
		router: r,
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// Run 监听并服务请求，ctx 结束后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("api server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/tasks", s.handleListTasks)
	api.POST("/crawl", s.handleCrawl)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "database"})
		return
	}
	if s.rdb != nil {
		if err := s.rdb.Ping(ctx).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "component": "redis"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	counts, err := s.store.Counts(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load counts failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"counts":    counts,
		"scheduler": s.sched.State(),
	})
}

func (s *Server) handleListTasks(c *gin.Context) {
	limit := defaultTaskLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxTaskLimit)
	}
	tasks, err := s.store.RecentTasks(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list tasks failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// crawlRequest 手动抓取请求。
type crawlRequest struct {
	Platform string `json:"platform" binding:"required,oneof=taobao jd"`
	Category string `json:"category"`
	Pages    int    `json:"pages" binding:"gte=0"`
}

// handleCrawl 同步执行一次手动抓取；已有任务运行时排在其后。
func (s *Server) handleCrawl(c *gin.Context) {
	var req crawlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.sched.RunManual(c.Request.Context(), req.Platform, req.Category, req.Pages)
	status := http.StatusOK
	if res.Status != scheduler.StatusSuccess {
		status = http.StatusInternalServerError
	}
	c.JSON(status, res)
}
