package xretry

import (
	"context"
	"time"
)

// RetryPolicy 判断一次失败之后是否应该继续尝试。
type RetryPolicy interface {
	// MaxAttempts 返回最大尝试次数（含首次），0 表示不限次数。
	MaxAttempts() int

	// ShouldRetry 在第 attempt 次失败后调用，attempt 从 1 开始。
	ShouldRetry(ctx context.Context, attempt int, err error) bool
}

// BackoffPolicy 计算第 attempt 次失败之后的等待时长，attempt 从 1 开始。
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// FixedRetryPolicy 固定次数重试。
type FixedRetryPolicy struct {
	maxAttempts int
}

// NewFixedRetry 创建固定次数重试策略，maxAttempts 最小为 1。
func NewFixedRetry(maxAttempts int) *FixedRetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &FixedRetryPolicy{maxAttempts: maxAttempts}
}

func (p *FixedRetryPolicy) MaxAttempts() int { return p.maxAttempts }

func (p *FixedRetryPolicy) ShouldRetry(ctx context.Context, attempt int, err error) bool {
	if ctx.Err() != nil || attempt >= p.maxAttempts {
		return false
	}
	return IsRetryable(err)
}

// AlwaysRetryPolicy 不限次数重试，直到上下文取消或遇到永久性错误。
// 用于常驻的消费重连循环。
type AlwaysRetryPolicy struct{}

// NewAlwaysRetry 创建不限次数的重试策略。
func NewAlwaysRetry() *AlwaysRetryPolicy { return &AlwaysRetryPolicy{} }

func (p *AlwaysRetryPolicy) MaxAttempts() int { return 0 }

func (p *AlwaysRetryPolicy) ShouldRetry(ctx context.Context, _ int, err error) bool {
	return ctx.Err() == nil && IsRetryable(err)
}

// NeverRetryPolicy 只尝试一次。
type NeverRetryPolicy struct{}

// NewNeverRetry 创建不重试策略。
func NewNeverRetry() *NeverRetryPolicy { return &NeverRetryPolicy{} }

func (p *NeverRetryPolicy) MaxAttempts() int { return 1 }

func (p *NeverRetryPolicy) ShouldRetry(context.Context, int, error) bool { return false }

var (
	_ RetryPolicy = (*FixedRetryPolicy)(nil)
	_ RetryPolicy = (*AlwaysRetryPolicy)(nil)
	_ RetryPolicy = (*NeverRetryPolicy)(nil)
)
