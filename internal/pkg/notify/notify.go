package notify

import (
	"context"
	"time"
)

// JobFailure 描述一次重试耗尽的抓取任务。
type JobFailure struct {
	TaskName  string
	Category  string
	Attempts  int
	LastError string
	TaskID    uint
	FailedAt  time.Time
}

// Notifier 定义告警接口。
type Notifier interface {
	// NotifyJobFailure 发送任务失败告警。
	//
	// 参数:
	//   ctx: 上下文
	//   f: 失败任务信息
	NotifyJobFailure(ctx context.Context, f JobFailure) error
}

// Nop 不发送任何告警。
type Nop struct{}

func (Nop) NotifyJobFailure(context.Context, JobFailure) error { return nil }
