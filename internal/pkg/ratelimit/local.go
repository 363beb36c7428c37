package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/lengmodkx/spider-mall/internal/pkg/metrics"
)

// Local 进程内令牌桶，未配置 Redis 时替代 Limiter。
type Local struct {
	lim *rate.Limiter
}

// NewLocal 创建进程内限流器，r<=0 时 Acquire 直接放行。
func NewLocal(r, burst float64) *Local {
	if r <= 0 || burst <= 0 {
		return &Local{}
	}
	b := int(burst)
	if b < 1 {
		b = 1
	}
	return &Local{lim: rate.NewLimiter(rate.Limit(r), b)}
}

// Acquire 阻塞直到获得一个令牌或 ctx 结束。
func (l *Local) Acquire(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return nil
	}
	start := time.Now()
	err := l.lim.Wait(ctx)
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RateLimitTimeoutTotal.Inc()
		return ErrRateLimitTimeout
	}
	return nil
}
