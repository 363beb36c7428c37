package pipeline

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// pacer 保证相邻两次页面抓取之间至少间隔 delay + [0, jitter) 的随机时间。
type pacer struct {
	delay  time.Duration
	jitter time.Duration
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	started bool
	rnd     *rand.Rand
}

func newPacer(delay, jitter time.Duration) *pacer {
	return &pacer{
		delay:  delay,
		jitter: jitter,
		sleep:  sleepCtx,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait 第一次调用立即返回，之后每次等待一个间隔；ctx 结束时返回其错误。
func (p *pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if !p.started {
		p.started = true
		p.mu.Unlock()
		return nil
	}
	d := p.delay
	if p.jitter > 0 {
		d += time.Duration(p.rnd.Int63n(int64(p.jitter)))
	}
	p.mu.Unlock()
	if d <= 0 {
		return nil
	}
	return p.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
