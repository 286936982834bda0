package mqcore

import (
	"context"
	"time"

	"github.com/omeyang/xindex/pkg/resilience/xretry"
)

// ConsumeFunc 一次消费会话。
// 返回 error 时按退避等待后重新开始；返回 nil 表示会话正常结束，退避计数归零。
type ConsumeFunc func(ctx context.Context) error

type loopOptions struct {
	backoff xretry.BackoffPolicy
	onError func(err error, attempt int, delay time.Duration)
}

// ConsumeLoopOption RunConsumeLoop 配置项。
type ConsumeLoopOption func(*loopOptions)

// WithBackoff 设置退避策略，nil 忽略。
func WithBackoff(b xretry.BackoffPolicy) ConsumeLoopOption {
	return func(o *loopOptions) {
		if b != nil {
			o.backoff = b
		}
	}
}

// WithOnError 设置会话失败回调，用于日志或指标。
func WithOnError(f func(err error, attempt int, delay time.Duration)) ConsumeLoopOption {
	return func(o *loopOptions) {
		o.onError = f
	}
}

// DefaultBackoff 返回默认退避：xretry.NewExponentialBackoff()。
func DefaultBackoff() xretry.BackoffPolicy {
	return xretry.NewExponentialBackoff()
}

// RunConsumeLoop 反复执行 consume 直到 ctx 取消，失败时按退避等待。
// ctx 取消后返回 ctx.Err()。
func RunConsumeLoop(ctx context.Context, consume ConsumeFunc, opts ...ConsumeLoopOption) error {
	o := &loopOptions{backoff: DefaultBackoff()}
	for _, opt := range opts {
		opt(o)
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := consume(ctx)
		if err == nil {
			attempt = 0
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		delay := o.backoff.NextDelay(attempt)
		if o.onError != nil {
			o.onError(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
