package xbreaker

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker/v2"

	"github.com/omeyang/xindex/pkg/resilience/xretry"
)

// State 熔断器状态。
type State = gobreaker.State

// Counts 熔断器统计。
type Counts = gobreaker.Counts

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

var (
	// ErrOpenState 熔断器处于 Open 状态。
	ErrOpenState = gobreaker.ErrOpenState

	// ErrTooManyRequests HalfOpen 状态下探测请求已满。
	ErrTooManyRequests = gobreaker.ErrTooManyRequests
)

// BreakerError 熔断器拒绝执行时返回的错误。
// 设计决策: 字段导出，便于调用方在日志里直接读取熔断器名与状态。
type BreakerError struct {
	Err   error
	Name  string
	State State
}

var _ xretry.RetryableError = (*BreakerError)(nil)

func (e *BreakerError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("breaker %s: %v", e.Name, e.Err)
	}
	return e.Err.Error()
}

func (e *BreakerError) Unwrap() error { return e.Err }

// Retryable 熔断错误不重试。
func (e *BreakerError) Retryable() bool { return false }

// wrapBreakerError 只包装 gobreaker 直接返回的 sentinel，业务错误原样返回。
// 状态由错误推导，避免 Execute 返回后再查询 State 的竞态。
func wrapBreakerError(err error, name string) error {
	switch {
	case err == nil:
		return nil
	case err == gobreaker.ErrOpenState: //nolint:errorlint // 只识别直接返回的 sentinel
		return &BreakerError{Err: err, Name: name, State: StateOpen}
	case err == gobreaker.ErrTooManyRequests: //nolint:errorlint // 同上
		return &BreakerError{Err: err, Name: name, State: StateHalfOpen}
	default:
		return err
	}
}

// IsOpen 报告 err 是否因熔断器打开而失败。
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState)
}

// IsTooManyRequests 报告 err 是否因半开探测已满而失败。
func IsTooManyRequests(err error) bool {
	return errors.Is(err, gobreaker.ErrTooManyRequests)
}

// IsBreakerError 报告 err 是否为熔断器拒绝（Open 或 HalfOpen 已满）。
func IsBreakerError(err error) bool {
	var be *BreakerError
	return errors.As(err, &be)
}
