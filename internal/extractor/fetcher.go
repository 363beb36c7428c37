package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lengmodkx/spider-mall/internal/config"
	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
	"github.com/lengmodkx/spider-mall/internal/pkg/metrics"
	"github.com/lengmodkx/spider-mall/internal/pkg/ratelimit"
)

const maxBodyBytes = 8 << 20

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Safari/605.1.15",
}

// 页面封禁特征（小写匹配）
var blockedHints = []string{
	"verify you are human",
	"access denied",
	"captcha",
	"安全验证",
	"滑动验证",
	"访问受限",
	"403 forbidden",
	"429 too many requests",
	"too many requests",
}

// ErrBlocked 响应看起来是验证或封禁页。
var ErrBlocked = errors.New("blocked page")

// statusError 非 2xx 响应。
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// Fetcher 带限流、UA 轮换与固定间隔重试的 HTTP 客户端。
type Fetcher struct {
	platform   string
	client     *http.Client
	limiter    Limiter
	logger     *slog.Logger
	maxRetries int
	retryWait  time.Duration
	rotateUA   bool
	uaIdx      atomic.Uint32
}

// NewFetcher 创建平台级 HTTP 客户端。
//
// 参数:
//
//	platform: 平台名，用于日志与指标
//	cfg: 请求超时、最大尝试次数、重试等待与 UA 轮换开关
//	limiter: 令牌来源，可为 nil
//	logger: 日志记录器
func NewFetcher(platform string, cfg config.SpiderConfig, limiter Limiter, logger *slog.Logger) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 1
	}
	return &Fetcher{
		platform:   platform,
		client:     &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger,
		maxRetries: retries,
		retryWait:  cfg.RetryWait,
		rotateUA:   cfg.UserAgentRotation,
	}
}

// WithClient 替换底层 http.Client（测试用）。
func (f *Fetcher) WithClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// Get 请求 rawURL 并返回响应体。失败时按固定间隔重试，最多尝试 maxRetries 次。
func (f *Fetcher) Get(ctx context.Context, rawURL string, params url.Values, headers map[string]string) ([]byte, error) {
	target := rawURL
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		target = rawURL + sep + strings.ReplaceAll(params.Encode(), "+", "%20")
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, f.retryWait); err != nil {
				return nil, err
			}
		}
		body, err := f.once(ctx, target, headers)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ratelimit.ErrRateLimitTimeout) {
			return nil, err
		}
		f.logger.Warn("request failed",
			slog.String("platform", f.platform),
			slog.String("url", target),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", f.maxRetries),
			slog.String("error", err.Error()))
	}
	return nil, fmt.Errorf("get %s after %d attempts: %w", target, f.maxRetries, lastErr)
}

func (f *Fetcher) once(ctx context.Context, target string, headers map[string]string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Acquire(ctx); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimitTimeout) {
				return nil, err
			}
			// Redis 故障时放行，避免阻塞整个任务
			f.logger.Warn("rate limit degraded, allowing request",
				slog.String("platform", f.platform),
				slog.String("error", err.Error()))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{code: resp.StatusCode}
	}
	if isBlocked(body) {
		return nil, ErrBlocked
	}
	return body, nil
}

func (f *Fetcher) userAgent() string {
	if !f.rotateUA {
		return userAgents[0]
	}
	i := f.uaIdx.Add(1)
	return userAgents[int(i)%len(userAgents)]
}

// isBlocked 只检查短响应，正常的列表页体积远大于验证页。
func isBlocked(body []byte) bool {
	if len(body) > 16<<10 {
		return false
	}
	return containsAny(strings.ToLower(string(body)), blockedHints)
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// errorKind 返回用于指标的错误类型。
func errorKind(err error) string {
	var se *statusError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.Is(err, ratelimit.ErrRateLimitTimeout):
		return "timeout"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.As(err, &se):
		if se.code == http.StatusForbidden || se.code == http.StatusTooManyRequests {
			return "blocked"
		}
		return "status"
	case errors.Is(err, errParse):
		return "parse_error"
	default:
		return "network_error"
	}
}

// fail 记录指标并把 err 包装为 Extraction 错误，op 形如 "search_products"。
func fail(logger *slog.Logger, platform, op string, err error) error {
	metrics.ExtractorErrorsTotal.WithLabelValues(platform, op).Inc()
	logger.Warn("extractor call failed",
		slog.String("platform", platform),
		slog.String("op", op),
		slog.String("kind", errorKind(err)),
		slog.String("error", err.Error()))
	return apperr.Extraction(platform+"."+op, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
